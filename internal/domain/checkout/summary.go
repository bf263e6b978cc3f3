package checkout

import (
	"fmt"
	"strings"

	"github.com/xenking/organic-market/internal/domain/order"
)

// Summary is the outcome of a checkout that passed the preflight.
type Summary struct {
	// Orders were created, in the order their sellers appear in the cart.
	Orders []order.Order
	// Failed lists sellers whose order was not created.
	Failed []*OrderPersistenceError
	// Warnings are *StockReservationError and *NotificationError values that
	// did not affect the created orders.
	Warnings []error
}

// OrderIDs returns the ids of the created orders.
func (s *Summary) OrderIDs() []string {
	ids := make([]string, len(s.Orders))
	for i, o := range s.Orders {
		ids[i] = o.ID
	}
	return ids
}

// Partial reports whether some but not all seller orders were created.
func (s *Summary) Partial() bool {
	return len(s.Orders) > 0 && len(s.Failed) > 0
}

// Message is the text shown to the buyer. Warnings are not mentioned.
func (s *Summary) Message() string {
	if len(s.Failed) == 0 {
		return "Order placed successfully"
	}
	names := make([]string, len(s.Failed))
	for i, f := range s.Failed {
		names[i] = f.SellerName
	}
	if len(s.Orders) == 0 {
		return fmt.Sprintf("Could not place orders for %s", strings.Join(names, ", "))
	}
	return fmt.Sprintf("Placed %d of %d orders; orders for %s failed",
		len(s.Orders), len(s.Orders)+len(s.Failed), strings.Join(names, ", "))
}
