package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Document store layout of the catalog.
const (
	Collection = "products"

	FieldName        = "name"
	FieldCategory    = "category"
	FieldSellerID    = "sellerId"
	FieldStock       = "stock"
	FieldIsAvailable = "isAvailable"
)

// Product is a catalog item listed by a seller.
type Product struct {
	ID            string
	Name          string
	Description   string
	Price         decimal.Decimal
	OriginalPrice decimal.Decimal
	Category      string
	SellerID      string
	SellerName    string
	Stock         int
	Unit          string
	Images        []string
	IsAvailable   bool
	CreatedAt     time.Time
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Category string
	SellerID string
	// AvailableOnly hides products marked unavailable by their seller.
	AvailableOnly bool
}

// Repository defines persistence operations for the product catalog.
type Repository interface {
	List(ctx context.Context, f ListFilter) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	Save(ctx context.Context, p *Product) error
	// SetStock overwrites the stock counter outside of checkout.
	SetStock(ctx context.Context, id string, stock int) error
}
