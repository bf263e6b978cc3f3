package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/organic-market/internal/domain/cart"
	"github.com/xenking/organic-market/internal/domain/user"
)

// Document store layout of orders.
const (
	Collection = "orders"

	FieldBuyerID  = "buyerId"
	FieldSellerID = "sellerId"
	FieldStatus   = "status"
)

const unknownSeller = "Unknown Farmer"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusShipped, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an order in s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LineItem is a purchased product. Name and price are frozen at checkout.
type LineItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Subtotal returns unit price times quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Order is what one buyer bought from one seller in one checkout.
type Order struct {
	ID              string
	BuyerID         string
	BuyerName       string
	SellerID        string
	SellerName      string
	Items           []LineItem
	TotalAmount     decimal.Decimal
	Status          Status
	DeliveryAddress string
	ContactPhone    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Group is the part of a cart sold by one seller.
type Group struct {
	SellerID   string
	SellerName string
	Lines      []cart.Line
}

// Split partitions lines by seller. Groups appear in the order their seller
// first appears in lines, and keep the relative order of their lines.
func Split(lines []cart.Line) []Group {
	var groups []Group
	index := make(map[string]int)
	for _, l := range lines {
		i, ok := index[l.Product.SellerID]
		if !ok {
			i = len(groups)
			index[l.Product.SellerID] = i
			groups = append(groups, Group{SellerID: l.Product.SellerID, SellerName: l.Product.SellerName})
		}
		groups[i].Lines = append(groups[i].Lines, l)
	}
	return groups
}

// Build turns a seller group into a pending order for buyer. Prices come from
// the cart lines, not from the current catalog.
func Build(g Group, buyer user.User, now time.Time) *Order {
	items := make([]LineItem, len(g.Lines))
	total := decimal.Zero
	for i, l := range g.Lines {
		items[i] = LineItem{
			ProductID: l.Product.ID,
			Name:      l.Product.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.Product.Price,
		}
		total = total.Add(items[i].Subtotal())
	}

	sellerName := g.SellerName
	if sellerName == "" {
		sellerName = unknownSeller
	}

	return &Order{
		BuyerID:         buyer.ID,
		BuyerName:       buyer.Name,
		SellerID:        g.SellerID,
		SellerName:      sellerName,
		Items:           items,
		TotalAmount:     total,
		Status:          StatusPending,
		DeliveryAddress: buyer.DeliveryAddress(),
		ContactPhone:    buyer.ContactPhone(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create stores o and sets o.ID.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	// ListByBuyer and ListBySeller return orders newest first.
	ListByBuyer(ctx context.Context, buyerID string) ([]Order, error)
	ListBySeller(ctx context.Context, sellerID string) ([]Order, error)
	// UpdateStatus moves the order from one status to another atomically and
	// fails with ErrInvalidTransition when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error
}
