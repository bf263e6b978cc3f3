package notification

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultLowStockThreshold is the remaining stock at or below which sellers
// get a low stock alert.
const DefaultLowStockThreshold = 5

const currency = "৳"

func money(v decimal.Decimal) string {
	return currency + v.StringFixed(2)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// OrderPlaced tells the buyer that an order was created.
func OrderPlaced(buyerID, orderID string, total decimal.Decimal) Notification {
	return Notification{
		RecipientID: buyerID,
		Title:       "Order Placed Successfully",
		Body:        fmt.Sprintf("Your order of %s has been placed and is pending confirmation.", money(total)),
		Category:    CategoryOrder,
		Payload:     map[string]string{"orderId": orderID},
	}
}

// NewOrder tells the seller that a buyer ordered from them.
func NewOrder(sellerID, buyerName, orderID string, total decimal.Decimal) Notification {
	return Notification{
		RecipientID: sellerID,
		Title:       "New Order Received",
		Body:        fmt.Sprintf("%s placed an order worth %s. Please review and confirm.", buyerName, money(total)),
		Category:    CategoryOrder,
		Payload:     map[string]string{"orderId": orderID},
	}
}

// StockAlert returns the alert for a product whose stock dropped to
// remaining, and false when remaining is above threshold.
func StockAlert(sellerID, productID, productName string, remaining, threshold int) (Notification, bool) {
	n := Notification{
		RecipientID: sellerID,
		Category:    CategorySystem,
		Payload: map[string]string{
			"productId": productID,
			"stock":     fmt.Sprint(remaining),
		},
	}
	switch {
	case remaining <= 0:
		n.Title = "Product Out of Stock"
		n.Body = fmt.Sprintf("Your product '%s' is out of stock. Please restock soon to continue selling.", productName)
	case remaining <= threshold:
		n.Title = "Low Stock Alert"
		n.Body = fmt.Sprintf("Your product '%s' is running low with only %d units left.", productName, remaining)
	default:
		return Notification{}, false
	}
	return n, true
}

// StatusChanged tells the buyer that the seller moved an order to status.
func StatusChanged(buyerID, orderID, status string) Notification {
	n := Notification{
		RecipientID: buyerID,
		Category:    CategoryOrder,
		Payload:     map[string]string{"orderId": orderID, "status": status},
	}
	id := shortID(orderID)
	switch status {
	case "confirmed":
		n.Title = "Order Confirmed!"
		n.Body = fmt.Sprintf("Your order #%s has been confirmed and is being prepared.", id)
	case "delivered":
		n.Title = "Order Delivered!"
		n.Body = fmt.Sprintf("Your order #%s has been delivered. Enjoy your purchase!", id)
	default:
		n.Title = "Order Update"
		n.Body = fmt.Sprintf("Your order #%s status: %s", id, status)
	}
	return n
}
