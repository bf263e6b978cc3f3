// Package handler serves the marketplace HTTP API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/xenking/organic-market/internal/domain/cart"
	"github.com/xenking/organic-market/internal/domain/checkout"
	"github.com/xenking/organic-market/internal/domain/notification"
	"github.com/xenking/organic-market/internal/domain/order"
	"github.com/xenking/organic-market/internal/domain/product"
	"github.com/xenking/organic-market/internal/domain/user"
	"github.com/xenking/organic-market/pkg/httpmiddleware"
)

// Config holds non-dependency settings of the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in responses.
	ImageBaseURL string
	// InboxLimit caps how many notifications are listed and streamed.
	InboxLimit int
	// AllowedOrigins are accepted on websocket handshakes. Empty accepts any.
	AllowedOrigins []string
	// Timeout bounds requests other than the websocket feed and checkout.
	// Checkout must not answer before placement has finished.
	Timeout time.Duration
}

// Deps are the domain collaborators of the Handler.
type Deps struct {
	Products product.Repository
	Users    user.Repository
	Carts    *cart.Sessions
	Checkout *checkout.Service
	Orders   *order.Service
	Inbox    notification.Inbox
}

// Handler serves the HTTP API.
type Handler struct {
	products product.Repository
	users    user.Repository
	carts    *cart.Sessions
	checkout *checkout.Service
	orders   *order.Service
	inbox    notification.Inbox

	imageBaseURL string
	inboxLimit   int
	timeout      time.Duration
	upgrader     websocket.Upgrader

	streams     context.Context
	stopStreams context.CancelFunc
}

// New creates a Handler.
func New(cfg Config, deps Deps) *Handler {
	if cfg.InboxLimit <= 0 {
		cfg.InboxLimit = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	streams, stop := context.WithCancel(context.Background())
	return &Handler{
		streams:      streams,
		stopStreams:  stop,
		products:     deps.Products,
		users:        deps.Users,
		carts:        deps.Carts,
		checkout:     deps.Checkout,
		orders:       deps.Orders,
		inbox:        deps.Inbox,
		imageBaseURL: cfg.ImageBaseURL,
		inboxLimit:   cfg.InboxLimit,
		timeout:      cfg.Timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// Router mounts the API. Catalog reads are public; everything else goes
// through auth.
func (h *Handler) Router(auth httpmiddleware.Middleware) chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.withTimeout)
			r.Get("/products", h.ListProducts)
			r.Get("/products/{id}", h.GetProduct)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.Get("/notifications/ws", h.StreamNotifications)
			r.Post("/checkout", h.Checkout)

			r.Group(func(r chi.Router) {
				r.Use(h.withTimeout)

				r.Get("/cart", h.GetCart)
				r.Delete("/cart", h.ClearCart)
				r.Post("/cart/items", h.AddCartItem)
				r.Put("/cart/items/{productId}", h.UpdateCartItem)
				r.Delete("/cart/items/{productId}", h.RemoveCartItem)

				r.Get("/orders", h.ListOrders)
				r.Get("/orders/incoming", h.ListIncomingOrders)
				r.Patch("/orders/{id}/status", h.UpdateOrderStatus)

				r.Get("/notifications", h.ListNotifications)
				r.Get("/notifications/unread-count", h.UnreadCount)
				r.Post("/notifications/read-all", h.MarkAllRead)
				r.Post("/notifications/{id}/read", h.MarkRead)
			})
		})
	})
	return r
}

func (h *Handler) withTimeout(next http.Handler) http.Handler {
	return http.TimeoutHandler(next, h.timeout, `{"code":503,"message":"request timed out"}`)
}
