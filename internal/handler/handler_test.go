package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/docstore/memory"
	"github.com/xenking/organic-market/internal/domain/cart"
	"github.com/xenking/organic-market/internal/domain/checkout"
	"github.com/xenking/organic-market/internal/domain/notification"
	"github.com/xenking/organic-market/internal/domain/order"
	"github.com/xenking/organic-market/internal/domain/product"
	"github.com/xenking/organic-market/internal/domain/stock"
	"github.com/xenking/organic-market/internal/domain/user"
	"github.com/xenking/organic-market/internal/repository"
	"github.com/xenking/organic-market/pkg/httpmiddleware"
)

var secret = []byte("test-secret")

// --- Mock implementations ---

// slowOrders delays every Create.
type slowOrders struct {
	checkout.Orders
	delay time.Duration
}

func (s *slowOrders) Create(ctx context.Context, o *order.Order) error {
	time.Sleep(s.delay)
	return s.Orders.Create(ctx, o)
}

// --- Helpers ---

type testAPI struct {
	h        *Handler
	server   http.Handler
	products *repository.ProductRepository
	users    *repository.UserRepository
	inbox    *repository.NotificationRepository
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWith(t, Config{ImageBaseURL: "https://cdn.example.com/"}, nil)
}

// newTestAPIWith builds the API with cfg. wrap, when set, decorates the order
// repository used by checkout.
func newTestAPIWith(t *testing.T, cfg Config, wrap func(checkout.Orders) checkout.Orders) *testAPI {
	t.Helper()
	store := memory.New()
	products := repository.NewProductRepository(store)
	users := repository.NewUserRepository(store)
	orders := repository.NewOrderRepository(store)
	inbox := repository.NewNotificationRepository(store)

	var placed checkout.Orders = orders
	if wrap != nil {
		placed = wrap(orders)
	}
	svc, err := checkout.NewService(products, placed, stock.NewReserver(store), inbox, zap.NewNop(), checkout.Options{})
	require.NoError(t, err)

	h := New(cfg, Deps{
		Products: products,
		Users:    users,
		Carts:    cart.NewSessions(nil, zap.NewNop()),
		Checkout: svc,
		Orders:   order.NewService(orders, inbox, zap.NewNop()),
		Inbox:    inbox,
	})
	auth := httpmiddleware.Auth(httpmiddleware.AuthConfig{Secret: secret, QueryParam: "access_token"})
	return &testAPI{h: h, server: h.Router(auth), products: products, users: users, inbox: inbox}
}

func (a *testAPI) addProduct(t *testing.T, name, sellerID string, stock int) product.Product {
	t.Helper()
	p := &product.Product{
		Name:        name,
		Price:       decimal.RequireFromString("2.50"),
		Category:    "vegetables",
		SellerID:    sellerID,
		SellerName:  "Farm " + sellerID,
		Stock:       stock,
		Images:      []string{"img/" + name + ".jpg"},
		IsAvailable: true,
	}
	require.NoError(t, a.products.Save(context.Background(), p))
	return *p
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := httpmiddleware.IssueToken(secret, userID, "customer", time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as userID. An empty userID sends no token.
func (a *testAPI) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	a.server.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

// --- Tests ---

func TestProducts(t *testing.T) {
	api := newTestAPI(t)
	tomato := api.addProduct(t, "tomato", "s1", 5)
	api.addProduct(t, "kale", "s2", 5)

	w := api.do(t, http.MethodGet, "/api/products?seller=s1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[[]Product](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "tomato", list[0].Name)
	assert.Equal(t, []string{"https://cdn.example.com/img/tomato.jpg"}, list[0].Images)
	assert.Equal(t, 2.5, list[0].Price)

	w = api.do(t, http.MethodGet, "/api/products/"+tomato.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tomato.ID, decodeBody[Product](t, w).ID)

	w = api.do(t, http.MethodGet, "/api/products/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/api/cart", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCart(t *testing.T) {
	api := newTestAPI(t)
	tomato := api.addProduct(t, "tomato", "s1", 5)
	own := api.addProduct(t, "honey", "buyer", 5)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantQty  int
	}{
		{name: "add", method: http.MethodPost, path: "/api/cart/items", body: addItemRequest{ProductID: tomato.ID, Quantity: 2}, wantCode: http.StatusOK, wantQty: 2},
		{name: "add again merges", method: http.MethodPost, path: "/api/cart/items", body: addItemRequest{ProductID: tomato.ID, Quantity: 1}, wantCode: http.StatusOK, wantQty: 3},
		{name: "zero quantity", method: http.MethodPost, path: "/api/cart/items", body: addItemRequest{ProductID: tomato.ID}, wantCode: http.StatusBadRequest},
		{name: "unknown product", method: http.MethodPost, path: "/api/cart/items", body: addItemRequest{ProductID: "nope", Quantity: 1}, wantCode: http.StatusNotFound},
		{name: "own product", method: http.MethodPost, path: "/api/cart/items", body: addItemRequest{ProductID: own.ID, Quantity: 1}, wantCode: http.StatusConflict},
		{name: "unknown field", method: http.MethodPost, path: "/api/cart/items", body: map[string]any{"sku": "x"}, wantCode: http.StatusBadRequest},
		{name: "set quantity", method: http.MethodPut, path: "/api/cart/items/" + tomato.ID, body: setQuantityRequest{Quantity: 4}, wantCode: http.StatusOK, wantQty: 4},
		{name: "set missing line", method: http.MethodPut, path: "/api/cart/items/nope", body: setQuantityRequest{Quantity: 1}, wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, tt.method, tt.path, "buyer", tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			c := decodeBody[Cart](t, w)
			require.Len(t, c.Lines, 1)
			assert.Equal(t, tt.wantQty, c.Lines[0].Quantity)
			assert.Equal(t, tt.wantQty, c.Count)
		})
	}

	w := api.do(t, http.MethodDelete, "/api/cart/items/"+tomato.ID, "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[Cart](t, w).Lines)
}

func TestCheckout(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, api.users.Save(ctx, &user.User{ID: "buyer", Name: "Karim", Role: user.RoleCustomer}))
	tomato := api.addProduct(t, "tomato", "s1", 5)
	kale := api.addProduct(t, "kale", "s2", 1)

	api.do(t, http.MethodPost, "/api/cart/items", "buyer", addItemRequest{ProductID: tomato.ID, Quantity: 2})
	api.do(t, http.MethodPost, "/api/cart/items", "buyer", addItemRequest{ProductID: kale.ID, Quantity: 1})

	w := api.do(t, http.MethodPost, "/api/checkout", "buyer", checkoutRequest{Address: "12 Lake Road"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[CheckoutResult](t, w)
	assert.False(t, res.Partial)
	assert.Equal(t, "Order placed successfully", res.Message)
	require.Len(t, res.Orders, 2)
	assert.Equal(t, "12 Lake Road", res.Orders[0].DeliveryAddress)
	assert.Equal(t, "No phone provided", res.Orders[0].ContactPhone)
	assert.Equal(t, 5.0, res.Orders[0].TotalAmount)
	assert.Empty(t, res.Cart.Lines)

	w = api.do(t, http.MethodGet, "/api/orders", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]Order](t, w), 2)

	w = api.do(t, http.MethodGet, "/api/orders/incoming", "s2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	incoming := decodeBody[[]Order](t, w)
	require.Len(t, incoming, 1)
	assert.Equal(t, "Karim", incoming[0].BuyerName)

	p, err := api.products.GetByID(ctx, kale.ID)
	require.NoError(t, err)
	assert.Zero(t, p.Stock)

	w = api.do(t, http.MethodGet, "/api/notifications/unread-count", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]int{"unread": 2}, decodeBody[map[string]int](t, w))
}

func TestCheckout_OutlivesRequestTimeout(t *testing.T) {
	api := newTestAPIWith(t, Config{Timeout: 20 * time.Millisecond}, func(o checkout.Orders) checkout.Orders {
		return &slowOrders{Orders: o, delay: 100 * time.Millisecond}
	})
	tomato := api.addProduct(t, "tomato", "s1", 5)

	w := api.do(t, http.MethodPost, "/api/cart/items", "buyer", addItemRequest{ProductID: tomato.ID, Quantity: 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodPost, "/api/checkout", "buyer", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[CheckoutResult](t, w)
	assert.Equal(t, "Order placed successfully", res.Message)
	require.Len(t, res.OrderIDs, 1)
	assert.Empty(t, res.Cart.Lines)

	w = api.do(t, http.MethodGet, "/api/orders", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]Order](t, w), 1)
}

func TestCheckout_Errors(t *testing.T) {
	api := newTestAPI(t)
	kale := api.addProduct(t, "kale", "s2", 1)

	w := api.do(t, http.MethodPost, "/api/checkout", "buyer", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	api.do(t, http.MethodPost, "/api/cart/items", "buyer", addItemRequest{ProductID: kale.ID, Quantity: 3})
	w = api.do(t, http.MethodPost, "/api/checkout", "buyer", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeBody[Error](t, w).Message, "kale")

	w = api.do(t, http.MethodGet, "/api/cart", "buyer", nil)
	assert.Len(t, decodeBody[Cart](t, w).Lines, 1)
}

func TestUpdateOrderStatus(t *testing.T) {
	api := newTestAPI(t)
	kale := api.addProduct(t, "kale", "s2", 3)
	api.do(t, http.MethodPost, "/api/cart/items", "buyer", addItemRequest{ProductID: kale.ID, Quantity: 1})
	w := api.do(t, http.MethodPost, "/api/checkout", "buyer", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody[CheckoutResult](t, w).OrderIDs[0]

	tests := []struct {
		name     string
		actor    string
		status   string
		wantCode int
	}{
		{name: "unknown status", actor: "s2", status: "lost", wantCode: http.StatusBadRequest},
		{name: "stranger", actor: "s9", status: "confirmed", wantCode: http.StatusForbidden},
		{name: "seller confirms", actor: "s2", status: "confirmed", wantCode: http.StatusOK},
		{name: "skip to delivered", actor: "s2", status: "delivered", wantCode: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, http.MethodPatch, "/api/orders/"+id+"/status", tt.actor, statusRequest{Status: tt.status})
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}

	w = api.do(t, http.MethodPatch, "/api/orders/missing/status", "s2", statusRequest{Status: "confirmed"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotifications(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	for _, title := range []string{"a", "b", "c"} {
		require.NoError(t, api.inbox.Send(ctx, notification.Notification{
			RecipientID: "buyer",
			Title:       title,
			Category:    notification.CategoryGeneral,
		}))
	}

	w := api.do(t, http.MethodGet, "/api/notifications?limit=2", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[[]Notification](t, w)
	require.Len(t, list, 2)

	w = api.do(t, http.MethodPost, "/api/notifications/"+list[0].ID+"/read", "buyer", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodPost, "/api/notifications/"+list[0].ID+"/read", "intruder", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodPost, "/api/notifications/read-all", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]int{"updated": 2}, decodeBody[map[string]int](t, w))
}

func TestStreamNotifications(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.server)
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/notifications/ws?access_token=" + token(t, "buyer")
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()

	read := func() InboxFrame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f InboxFrame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	assert.Empty(t, read().Notifications)

	require.NoError(t, api.inbox.Send(context.Background(), notification.Notification{
		RecipientID: "buyer",
		Title:       "Order Placed Successfully",
		Category:    notification.CategoryOrder,
	}))
	f := read()
	require.Len(t, f.Notifications, 1)
	assert.Equal(t, 1, f.Unread)
	assert.Equal(t, "Order Placed Successfully", f.Notifications[0].Title)
}

func TestCloseStreams(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.server)
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/notifications/ws?access_token=" + token(t, "buyer")
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()

	var f InboxFrame
	require.NoError(t, conn.ReadJSON(&f))

	api.h.CloseStreams()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "stream was not closed")
	}
}

func TestStreamNotifications_Unauthorized(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.server)
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/notifications/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "empty list", origin: "https://evil.example", want: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://evil.example", want: true},
		{name: "listed", allowed: []string{"https://shop.example/"}, origin: "https://SHOP.example", want: true},
		{name: "not listed", allowed: []string{"https://shop.example"}, origin: "https://evil.example", want: false},
		{name: "no origin header", allowed: []string{"https://shop.example"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}
