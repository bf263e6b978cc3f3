// Package stock reserves product stock during checkout.
package stock

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/organic-market/internal/docstore"
	"github.com/xenking/organic-market/internal/domain/product"
)

// ErrInvalidQuantity is returned for reservations of less than one unit.
var ErrInvalidQuantity = errors.New("reservation quantity must be positive")

// Reservation is the outcome of one committed decrement, read from the same
// snapshot the decrement was computed on.
type Reservation struct {
	ProductID   string
	ProductName string
	SellerID    string
	Quantity    int
	Before      int
	Remaining   int
}

// Clamped reports whether less stock was left than was reserved.
func (r Reservation) Clamped() bool {
	return r.Before < r.Quantity
}

// productStock is the part of a product document a reservation reads.
type productStock struct {
	Name     string `json:"name"`
	SellerID string `json:"sellerId"`
	Stock    int    `json:"stock"`
}

// Reserver decrements product stock in document store transactions.
type Reserver struct {
	store docstore.Store
}

// NewReserver creates a Reserver on store.
func NewReserver(store docstore.Store) *Reserver {
	return &Reserver{store: store}
}

// Reserve atomically lowers the stock of productID by qty, never below zero.
// The transaction body may run several times; only the committed attempt is
// returned.
func (r *Reserver) Reserve(ctx context.Context, productID string, qty int) (*Reservation, error) {
	if qty < 1 {
		return nil, ErrInvalidQuantity
	}

	var res Reservation
	err := r.store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(product.Collection, productID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return product.ErrNotFound
			}
			return err
		}
		var p productStock
		if err := doc.DataTo(&p); err != nil {
			return err
		}

		remaining := max(0, p.Stock-qty)
		if err := tx.Update(product.Collection, productID, map[string]any{product.FieldStock: remaining}); err != nil {
			return err
		}

		res = Reservation{
			ProductID:   productID,
			ProductName: p.Name,
			SellerID:    p.SellerID,
			Quantity:    qty,
			Before:      p.Stock,
			Remaining:   remaining,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve %d of %s: %w", qty, productID, err)
	}
	return &res, nil
}
