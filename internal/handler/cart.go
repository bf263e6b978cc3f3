package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/organic-market/internal/domain/cart"
	"github.com/xenking/organic-market/internal/domain/product"
)

// CartLine is one line of the cart view.
type CartLine struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
	Subtotal float64 `json:"subtotal"`
}

// Cart is the API view of the caller's cart.
type Cart struct {
	Lines []CartLine `json:"lines"`
	Total float64    `json:"total"`
	Count int        `json:"count"`
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type setQuantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) toCart(s cart.Snapshot) Cart {
	lines := make([]CartLine, len(s.Lines))
	for i, l := range s.Lines {
		lines[i] = CartLine{
			Product:  h.toProduct(l.Product),
			Quantity: l.Quantity,
			Subtotal: l.Subtotal().InexactFloat64(),
		}
	}
	return Cart{Lines: lines, Total: s.Total.InexactFloat64(), Count: s.Count}
}

func (h *Handler) sessionCart(w http.ResponseWriter, r *http.Request) (*cart.Cart, bool) {
	c, err := h.carts.Get(r.Context(), h.callerID(r))
	if err != nil {
		fail(r.Context(), w, err)
		return nil, false
	}
	return c, true
}

// GetCart returns the caller's cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sessionCart(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.toCart(c.Snapshot()))
}

// AddCartItem adds a product from the catalog. The current catalog entry is
// snapshotted into the cart.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "productId is required")
		return
	}
	if req.Quantity < 1 {
		writeError(w, http.StatusBadRequest, "quantity must be greater than 0")
		return
	}

	p, err := h.products.GetByID(r.Context(), req.ProductID)
	if err != nil {
		if errors.Is(err, product.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		fail(r.Context(), w, err)
		return
	}
	if !p.IsAvailable {
		writeError(w, http.StatusConflict, "product is not available")
		return
	}

	c, ok := h.sessionCart(w, r)
	if !ok {
		return
	}
	if !c.Add(*p, req.Quantity) {
		writeError(w, http.StatusConflict, "cannot add your own product to the cart")
		return
	}
	writeJSON(w, http.StatusOK, h.toCart(c.Snapshot()))
}

// UpdateCartItem replaces the quantity of a line.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Quantity < 1 {
		writeError(w, http.StatusBadRequest, "quantity must be greater than 0")
		return
	}
	c, ok := h.sessionCart(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "productId")
	if !hasLine(c, id) {
		writeError(w, http.StatusNotFound, "product is not in the cart")
		return
	}
	c.SetQuantity(id, req.Quantity)
	writeJSON(w, http.StatusOK, h.toCart(c.Snapshot()))
}

// RemoveCartItem deletes a line.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sessionCart(w, r)
	if !ok {
		return
	}
	c.Remove(chi.URLParam(r, "productId"))
	writeJSON(w, http.StatusOK, h.toCart(c.Snapshot()))
}

// ClearCart empties the cart.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sessionCart(w, r)
	if !ok {
		return
	}
	c.Clear()
	writeJSON(w, http.StatusOK, h.toCart(c.Snapshot()))
}

func hasLine(c *cart.Cart, productID string) bool {
	for _, l := range c.Lines() {
		if l.Product.ID == productID {
			return true
		}
	}
	return false
}
