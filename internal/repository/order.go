package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/organic-market/internal/docstore"
	"github.com/xenking/organic-market/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

type orderDoc struct {
	BuyerID         string          `json:"buyerId"`
	BuyerName       string          `json:"buyerName"`
	SellerID        string          `json:"sellerId"`
	SellerName      string          `json:"sellerName"`
	Items           []orderItemDoc  `json:"items"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          string          `json:"status"`
	DeliveryAddress string          `json:"deliveryAddress"`
	ContactPhone    string          `json:"contactPhone"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type orderItemDoc struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

func mapOrder(doc *docstore.Document) (order.Order, error) {
	var d orderDoc
	if err := doc.DataTo(&d); err != nil {
		return order.Order{}, err
	}
	items := make([]order.LineItem, len(d.Items))
	for i, it := range d.Items {
		items[i] = order.LineItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.Price,
		}
	}
	return order.Order{
		ID:              doc.ID,
		BuyerID:         d.BuyerID,
		BuyerName:       d.BuyerName,
		SellerID:        d.SellerID,
		SellerName:      d.SellerName,
		Items:           items,
		TotalAmount:     d.TotalAmount,
		Status:          order.Status(d.Status),
		DeliveryAddress: d.DeliveryAddress,
		ContactPhone:    d.ContactPhone,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}, nil
}

// OrderRepository implements order.Repository on a document store.
type OrderRepository struct {
	store docstore.Store
}

// NewOrderRepository returns an OrderRepository that uses the given store.
func NewOrderRepository(store docstore.Store) *OrderRepository {
	return &OrderRepository{store: store}
}

// Create stores o under a generated id with a single non-transactional write.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	items := make([]orderItemDoc, len(o.Items))
	for i, it := range o.Items {
		items[i] = orderItemDoc{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			Price:     it.UnitPrice,
		}
	}

	id, err := r.store.Create(ctx, order.Collection, orderDoc{
		BuyerID:         o.BuyerID,
		BuyerName:       o.BuyerName,
		SellerID:        o.SellerID,
		SellerName:      o.SellerName,
		Items:           items,
		TotalAmount:     o.TotalAmount,
		Status:          string(o.Status),
		DeliveryAddress: o.DeliveryAddress,
		ContactPhone:    o.ContactPhone,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("creating order for seller %q: %w", o.SellerID, err)
	}
	o.ID = id
	return nil
}

// GetByID returns one order.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	doc, err := r.store.Get(ctx, order.Collection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := mapOrder(doc)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListByBuyer returns the orders of buyerID, newest first.
func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID string) ([]order.Order, error) {
	return r.list(ctx, order.FieldBuyerID, buyerID)
}

// ListBySeller returns the orders received by sellerID, newest first.
func (r *OrderRepository) ListBySeller(ctx context.Context, sellerID string) ([]order.Order, error) {
	return r.list(ctx, order.FieldSellerID, sellerID)
}

func (r *OrderRepository) list(ctx context.Context, field, value string) ([]order.Order, error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: order.Collection,
		Filters:    []docstore.Filter{docstore.Where(field, value)},
		OrderBy:    docstore.FieldCreateTime,
		Desc:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing orders by %s: %w", field, err)
	}
	out := make([]order.Order, 0, len(docs))
	for i := range docs {
		o, err := mapOrder(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// UpdateStatus changes the status in a transaction so that two concurrent
// changes cannot both start from the same status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status, at time.Time) error {
	return r.store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(order.Collection, id)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return order.ErrNotFound
			}
			return err
		}
		var d struct {
			Status string `json:"status"`
		}
		if err := doc.DataTo(&d); err != nil {
			return err
		}
		if order.Status(d.Status) != from {
			return fmt.Errorf("%w: order is %s", order.ErrInvalidTransition, d.Status)
		}
		return tx.Update(order.Collection, id, map[string]any{
			order.FieldStatus: string(to),
			"updatedAt":       at,
		})
	})
}
