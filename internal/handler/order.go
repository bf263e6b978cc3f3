package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/organic-market/internal/domain/checkout"
	"github.com/xenking/organic-market/internal/domain/order"
)

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// Order is the API view of an order.
type Order struct {
	ID              string      `json:"id"`
	BuyerID         string      `json:"buyerId"`
	BuyerName       string      `json:"buyerName"`
	SellerID        string      `json:"sellerId"`
	SellerName      string      `json:"sellerName"`
	Items           []OrderItem `json:"items"`
	TotalAmount     float64     `json:"totalAmount"`
	Status          string      `json:"status"`
	DeliveryAddress string      `json:"deliveryAddress"`
	ContactPhone    string      `json:"contactPhone"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

func toOrder(o order.Order) Order {
	items := make([]OrderItem, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			Price:     it.UnitPrice.InexactFloat64(),
		}
	}
	return Order{
		ID:              o.ID,
		BuyerID:         o.BuyerID,
		BuyerName:       o.BuyerName,
		SellerID:        o.SellerID,
		SellerName:      o.SellerName,
		Items:           items,
		TotalAmount:     o.TotalAmount.InexactFloat64(),
		Status:          string(o.Status),
		DeliveryAddress: o.DeliveryAddress,
		ContactPhone:    o.ContactPhone,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func toOrders(orders []order.Order) []Order {
	out := make([]Order, len(orders))
	for i, o := range orders {
		out[i] = toOrder(o)
	}
	return out
}

type checkoutRequest struct {
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// FailedSeller names a seller whose order was not created.
type FailedSeller struct {
	SellerID   string `json:"sellerId"`
	SellerName string `json:"sellerName"`
}

// CheckoutResult is the response of a checkout that passed the availability
// check.
type CheckoutResult struct {
	Message  string         `json:"message"`
	OrderIDs []string       `json:"orderIds"`
	Orders   []Order        `json:"orders"`
	Failed   []FailedSeller `json:"failed,omitempty"`
	Partial  bool           `json:"partial"`
	Cart     Cart           `json:"cart"`
}

// Checkout places the caller's cart. The body may override the delivery
// address and phone of the profile.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	buyer, err := h.caller(r.Context())
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	if a := strings.TrimSpace(req.Address); a != "" {
		buyer.Address = a
	}
	if p := strings.TrimSpace(req.Phone); p != "" {
		buyer.Phone = p
	}

	c, ok := h.sessionCart(w, r)
	if !ok {
		return
	}
	summary, err := h.checkout.Checkout(r.Context(), c, buyer)
	if summary == nil {
		fail(r.Context(), w, err)
		return
	}

	res := CheckoutResult{
		Message:  summary.Message(),
		OrderIDs: summary.OrderIDs(),
		Orders:   toOrders(summary.Orders),
		Partial:  summary.Partial(),
		Cart:     h.toCart(c.Snapshot()),
	}
	for _, f := range summary.Failed {
		res.Failed = append(res.Failed, FailedSeller{SellerID: f.SellerID, SellerName: f.SellerName})
	}

	code := http.StatusCreated
	if errors.Is(err, checkout.ErrNoOrdersPlaced) {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

// ListOrders returns the orders the caller placed.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListForBuyer(r.Context(), h.callerID(r))
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrders(orders))
}

// ListIncomingOrders returns the orders the caller received as a seller.
func (h *Handler) ListIncomingOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListForSeller(r.Context(), h.callerID(r))
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrders(orders))
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateOrderStatus moves an order along its lifecycle.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.orders.UpdateStatus(r.Context(), h.callerID(r), chi.URLParam(r, "id"), order.Status(req.Status))
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(*o))
}
