package checkout

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Sentinel errors for checkout validation.
var (
	ErrEmptyCart      = errors.New("cart is empty")
	ErrNoOrdersPlaced = errors.New("no orders placed")
)

// InvalidQuantityError indicates a cart line with a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// ProductNotFoundError indicates a cart line whose product no longer exists.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// SelfPurchaseError indicates a buyer trying to buy their own product.
type SelfPurchaseError struct {
	ProductID string
}

func (e *SelfPurchaseError) Error() string {
	return fmt.Sprintf("cannot buy own product %s", e.ProductID)
}

// StockInsufficientError aborts a checkout before anything is written.
type StockInsufficientError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *StockInsufficientError) Error() string {
	return fmt.Sprintf("not enough stock for %s: requested %d, available %d", e.ProductName, e.Requested, e.Available)
}

// OrderPersistenceError means the order of one seller was not created. Orders
// of other sellers are unaffected.
type OrderPersistenceError struct {
	SellerID   string
	SellerName string
	Err        error
}

func (e *OrderPersistenceError) Error() string {
	return fmt.Sprintf("order for seller %s: %v", e.SellerID, e.Err)
}

func (e *OrderPersistenceError) Unwrap() error { return e.Err }

// StockReservationError means an order was created but the stock of one of
// its products was not decremented.
type StockReservationError struct {
	OrderID   string
	ProductID string
	Err       error
}

func (e *StockReservationError) Error() string {
	return fmt.Sprintf("reserve stock of %s for order %s: %v", e.ProductID, e.OrderID, e.Err)
}

func (e *StockReservationError) Unwrap() error { return e.Err }

// NotificationError means a notification was not delivered.
type NotificationError struct {
	RecipientID string
	Title       string
	Err         error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s (%s): %v", e.RecipientID, e.Title, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// PlacementError is returned when every seller group failed. It matches
// ErrNoOrdersPlaced and each of the persistence failures.
type PlacementError struct {
	Failed []*OrderPersistenceError
}

func (e *PlacementError) Error() string {
	msgs := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		msgs[i] = f.Error()
	}
	return ErrNoOrdersPlaced.Error() + ": " + strings.Join(msgs, "; ")
}

func (e *PlacementError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	errs = append(errs, ErrNoOrdersPlaced)
	for _, f := range e.Failed {
		errs = append(errs, f)
	}
	return errs
}
