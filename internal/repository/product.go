package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/organic-market/internal/docstore"
	"github.com/xenking/organic-market/internal/domain/product"
)

var _ product.Repository = (*ProductRepository)(nil)

type productDoc struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	OriginalPrice decimal.Decimal `json:"originalPrice"`
	Category      string          `json:"category"`
	SellerID      string          `json:"sellerId"`
	SellerName    string          `json:"sellerName"`
	Stock         int             `json:"stock"`
	Unit          string          `json:"unit"`
	Images        []string        `json:"images"`
	IsAvailable   bool            `json:"isAvailable"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func toProductDoc(p *product.Product) productDoc {
	return productDoc{
		Name:          p.Name,
		Description:   p.Description,
		Price:         p.Price,
		OriginalPrice: p.OriginalPrice,
		Category:      p.Category,
		SellerID:      p.SellerID,
		SellerName:    p.SellerName,
		Stock:         p.Stock,
		Unit:          p.Unit,
		Images:        p.Images,
		IsAvailable:   p.IsAvailable,
		CreatedAt:     p.CreatedAt,
	}
}

func mapProduct(doc *docstore.Document) (product.Product, error) {
	var d productDoc
	if err := doc.DataTo(&d); err != nil {
		return product.Product{}, err
	}
	return product.Product{
		ID:            doc.ID,
		Name:          d.Name,
		Description:   d.Description,
		Price:         d.Price,
		OriginalPrice: d.OriginalPrice,
		Category:      d.Category,
		SellerID:      d.SellerID,
		SellerName:    d.SellerName,
		Stock:         d.Stock,
		Unit:          d.Unit,
		Images:        d.Images,
		IsAvailable:   d.IsAvailable,
		CreatedAt:     d.CreatedAt,
	}, nil
}

// ProductRepository implements product.Repository on a document store.
type ProductRepository struct {
	store docstore.Store
}

// NewProductRepository returns a ProductRepository that uses the given store.
func NewProductRepository(store docstore.Store) *ProductRepository {
	return &ProductRepository{store: store}
}

// List returns products matching f, newest first.
func (r *ProductRepository) List(ctx context.Context, f product.ListFilter) ([]product.Product, error) {
	q := docstore.Query{
		Collection: product.Collection,
		OrderBy:    docstore.FieldCreateTime,
		Desc:       true,
	}
	if f.Category != "" {
		q.Filters = append(q.Filters, docstore.Where(product.FieldCategory, f.Category))
	}
	if f.SellerID != "" {
		q.Filters = append(q.Filters, docstore.Where(product.FieldSellerID, f.SellerID))
	}
	if f.AvailableOnly {
		q.Filters = append(q.Filters, docstore.Where(product.FieldIsAvailable, true))
	}

	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	out := make([]product.Product, 0, len(docs))
	for i := range docs {
		p, err := mapProduct(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	doc, err := r.store.Get(ctx, product.Collection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	p, err := mapProduct(doc)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByIDs returns the products that exist among ids, in ids order.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, product.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// Save creates p when it has no id and replaces it otherwise.
func (r *ProductRepository) Save(ctx context.Context, p *product.Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	doc := toProductDoc(p)

	if p.ID == "" {
		id, err := r.store.Create(ctx, product.Collection, doc)
		if err != nil {
			return fmt.Errorf("creating product %q: %w", p.Name, err)
		}
		p.ID = id
		return nil
	}
	if err := r.store.Set(ctx, product.Collection, p.ID, doc); err != nil {
		return fmt.Errorf("saving product %q: %w", p.ID, err)
	}
	return nil
}

// SetStock overwrites the stock counter of id.
func (r *ProductRepository) SetStock(ctx context.Context, id string, stock int) error {
	if stock < 0 {
		return errors.Errorf("stock must not be negative, got %d", stock)
	}
	err := r.store.Update(ctx, product.Collection, id, map[string]any{product.FieldStock: stock})
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return product.ErrNotFound
		}
		return fmt.Errorf("setting stock of %q: %w", id, err)
	}
	return nil
}
