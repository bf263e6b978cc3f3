package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/organic-market/internal/domain/product"
)

// Product is the API view of a catalog item.
type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Price         float64   `json:"price"`
	OriginalPrice float64   `json:"originalPrice,omitempty"`
	Category      string    `json:"category"`
	SellerID      string    `json:"sellerId"`
	SellerName    string    `json:"sellerName"`
	Stock         int       `json:"stock"`
	Unit          string    `json:"unit,omitempty"`
	Images        []string  `json:"images"`
	IsAvailable   bool      `json:"isAvailable"`
	CreatedAt     time.Time `json:"createdAt,omitzero"`
}

func (h *Handler) toProduct(p product.Product) Product {
	images := make([]string, len(p.Images))
	for i, img := range p.Images {
		if h.imageBaseURL != "" && !strings.Contains(img, "://") {
			img = h.imageBaseURL + img
		}
		images[i] = img
	}
	return Product{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Price:         p.Price.InexactFloat64(),
		OriginalPrice: p.OriginalPrice.InexactFloat64(),
		Category:      p.Category,
		SellerID:      p.SellerID,
		SellerName:    p.SellerName,
		Stock:         p.Stock,
		Unit:          p.Unit,
		Images:        images,
		IsAvailable:   p.IsAvailable,
		CreatedAt:     p.CreatedAt,
	}
}

// ListProducts returns the catalog, newest first. Query parameters category
// and seller narrow it; all=true includes unavailable products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	products, err := h.products.List(r.Context(), product.ListFilter{
		Category:      q.Get("category"),
		SellerID:      q.Get("seller"),
		AvailableOnly: q.Get("all") != "true",
	})
	if err != nil {
		fail(r.Context(), w, err)
		return
	}

	out := make([]Product, len(products))
	for i, p := range products {
		out[i] = h.toProduct(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetProduct returns a single product.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toProduct(*p))
}
