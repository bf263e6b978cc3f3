package checkout

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/docstore/memory"
	"github.com/xenking/organic-market/internal/domain/cart"
	"github.com/xenking/organic-market/internal/domain/notification"
	"github.com/xenking/organic-market/internal/domain/order"
	"github.com/xenking/organic-market/internal/domain/product"
	"github.com/xenking/organic-market/internal/domain/stock"
	"github.com/xenking/organic-market/internal/domain/user"
	"github.com/xenking/organic-market/internal/repository"
)

// --- Mock implementations ---

type recordingSender struct {
	mu   sync.Mutex
	sent []notification.Notification
	fail func(n notification.Notification) error
}

func (s *recordingSender) Send(_ context.Context, n notification.Notification) error {
	if s.fail != nil {
		if err := s.fail(n); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) titlesFor(recipientID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.sent {
		if n.RecipientID == recipientID {
			out = append(out, n.Title)
		}
	}
	slices.Sort(out)
	return out
}

// failingOrders fails Create for the listed sellers and delegates otherwise.
type failingOrders struct {
	Orders
	sellers map[string]bool
}

func (f *failingOrders) Create(ctx context.Context, o *order.Order) error {
	if f.sellers[o.SellerID] {
		return errors.New("write rejected")
	}
	return f.Orders.Create(ctx, o)
}

type failingReserver struct {
	Reserver
	product string
}

func (f *failingReserver) Reserve(ctx context.Context, productID string, qty int) (*stock.Reservation, error) {
	if productID == f.product {
		return nil, errors.New("transaction aborted")
	}
	return f.Reserver.Reserve(ctx, productID, qty)
}

// hookedOrders calls before ahead of every Create.
type hookedOrders struct {
	Orders
	before func()
}

func (h *hookedOrders) Create(ctx context.Context, o *order.Order) error {
	h.before()
	return h.Orders.Create(ctx, o)
}

// stalledProducts blocks until the caller's context ends.
type stalledProducts struct{}

func (stalledProducts) GetByIDs(ctx context.Context, _ []string) ([]product.Product, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type productsErr struct{}

func (productsErr) GetByIDs(context.Context, []string) ([]product.Product, error) {
	return nil, errors.New("store unavailable")
}

// --- Helpers ---

var fixedNow = time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

type env struct {
	products *repository.ProductRepository
	orders   *repository.OrderRepository
	reserver *stock.Reserver
	sender   *recordingSender
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	return &env{
		products: repository.NewProductRepository(store),
		orders:   repository.NewOrderRepository(store),
		reserver: stock.NewReserver(store),
		sender:   &recordingSender{},
	}
}

func (e *env) service(t *testing.T, orders Orders, reserver Reserver, opts Options) *Service {
	t.Helper()
	if orders == nil {
		orders = e.orders
	}
	if reserver == nil {
		reserver = e.reserver
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	s, err := NewService(e.products, orders, reserver, e.sender, zap.NewNop(), opts)
	require.NoError(t, err)
	return s
}

func (e *env) addProduct(t *testing.T, name, sellerID string, price string, stock int) product.Product {
	t.Helper()
	p := &product.Product{
		Name:        name,
		Price:       decimal.RequireFromString(price),
		SellerID:    sellerID,
		SellerName:  "Farm " + sellerID,
		Stock:       stock,
		IsAvailable: true,
	}
	require.NoError(t, e.products.Save(context.Background(), p))
	return *p
}

func (e *env) stockOf(t *testing.T, id string) int {
	t.Helper()
	p, err := e.products.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

var buyer = user.User{ID: "buyer", Name: "Karim", Address: "12 Lake Road", Phone: "0171"}

// --- Tests ---

func TestPlaceOrder_SplitsBySellerAndReservesStock(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 3)
	b := e.addProduct(t, "Honey", "s2", "550.00", 1)
	s := e.service(t, nil, nil, Options{})

	summary, err := s.PlaceOrder(context.Background(), []cart.Line{
		{Product: a, Quantity: 2},
		{Product: b, Quantity: 1},
	}, buyer)
	require.NoError(t, err)

	require.Len(t, summary.Orders, 2)
	assert.Empty(t, summary.Failed)
	assert.Empty(t, summary.Warnings)
	assert.False(t, summary.Partial())
	assert.Equal(t, "Order placed successfully", summary.Message())

	first, second := summary.Orders[0], summary.Orders[1]
	assert.Equal(t, "s1", first.SellerID)
	assert.True(t, first.TotalAmount.Equal(decimal.RequireFromString("80")))
	assert.Equal(t, "s2", second.SellerID)
	assert.True(t, second.TotalAmount.Equal(decimal.RequireFromString("550")))

	for _, id := range summary.OrderIDs() {
		stored, err := e.orders.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPending, stored.Status)
		assert.Equal(t, "buyer", stored.BuyerID)
		assert.Equal(t, "12 Lake Road", stored.DeliveryAddress)
		assert.Equal(t, fixedNow, stored.CreatedAt)
	}

	assert.Equal(t, 1, e.stockOf(t, a.ID))
	assert.Equal(t, 0, e.stockOf(t, b.ID))

	assert.Equal(t, []string{"Order Placed Successfully", "Order Placed Successfully"}, e.sender.titlesFor("buyer"))
	assert.Equal(t, []string{"Low Stock Alert", "New Order Received"}, e.sender.titlesFor("s1"))
	assert.Equal(t, []string{"New Order Received", "Product Out of Stock"}, e.sender.titlesFor("s2"))
}

func TestPlaceOrder_PreflightAbortsWithoutWrites(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 5)
	b := e.addProduct(t, "Honey", "s2", "550.00", 1)
	s := e.service(t, nil, nil, Options{})

	summary, err := s.PlaceOrder(context.Background(), []cart.Line{
		{Product: a, Quantity: 2},
		{Product: b, Quantity: 3},
	}, buyer)
	assert.Nil(t, summary)

	var stockErr *StockInsufficientError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, b.ID, stockErr.ProductID)
	assert.Equal(t, "Honey", stockErr.ProductName)
	assert.Equal(t, 3, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)

	assert.Equal(t, 5, e.stockOf(t, a.ID))
	assert.Equal(t, 1, e.stockOf(t, b.ID))
	orders, err := e.orders.ListByBuyer(context.Background(), "buyer")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, e.sender.titlesFor("s1"))
}

func TestPlaceOrder_PreflightSumsQuantityPerProduct(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 3)
	s := e.service(t, nil, nil, Options{})

	_, err := s.PlaceOrder(context.Background(), []cart.Line{
		{Product: a, Quantity: 2},
		{Product: a, Quantity: 2},
	}, buyer)

	var stockErr *StockInsufficientError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 4, stockErr.Requested)
	assert.Equal(t, 3, e.stockOf(t, a.ID))
}

func TestPlaceOrder_OneSellerFails(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)
	b := e.addProduct(t, "Honey", "s2", "550.00", 10)
	s := e.service(t, &failingOrders{Orders: e.orders, sellers: map[string]bool{"s2": true}}, nil, Options{})

	summary, err := s.PlaceOrder(context.Background(), []cart.Line{
		{Product: a, Quantity: 1},
		{Product: b, Quantity: 4},
	}, buyer)
	require.NoError(t, err)

	require.Len(t, summary.Orders, 1)
	assert.Equal(t, "s1", summary.Orders[0].SellerID)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "s2", summary.Failed[0].SellerID)
	assert.Equal(t, "Farm s2", summary.Failed[0].SellerName)
	assert.True(t, summary.Partial())
	assert.Equal(t, "Placed 1 of 2 orders; orders for Farm s2 failed", summary.Message())

	assert.Equal(t, 9, e.stockOf(t, a.ID))
	assert.Equal(t, 10, e.stockOf(t, b.ID))
	assert.Empty(t, e.sender.titlesFor("s2"))
	assert.Equal(t, []string{"Order Placed Successfully"}, e.sender.titlesFor("buyer"))
}

func TestPlaceOrder_AllSellersFail(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)
	b := e.addProduct(t, "Honey", "s2", "550.00", 10)
	s := e.service(t, &failingOrders{Orders: e.orders, sellers: map[string]bool{"s1": true, "s2": true}}, nil, Options{})

	summary, err := s.PlaceOrder(context.Background(), []cart.Line{
		{Product: a, Quantity: 1},
		{Product: b, Quantity: 1},
	}, buyer)
	require.Error(t, err)
	require.NotNil(t, summary)

	assert.ErrorIs(t, err, ErrNoOrdersPlaced)
	var placement *PlacementError
	require.ErrorAs(t, err, &placement)
	assert.Len(t, placement.Failed, 2)
	var persistence *OrderPersistenceError
	assert.ErrorAs(t, err, &persistence)

	assert.Empty(t, summary.Orders)
	assert.Equal(t, "Could not place orders for Farm s1, Farm s2", summary.Message())
	assert.Equal(t, 10, e.stockOf(t, a.ID))
}

func TestPlaceOrder_ReservationFailureIsWarning(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)
	b := e.addProduct(t, "Rice", "s1", "80.00", 10)
	s := e.service(t, nil, &failingReserver{Reserver: e.reserver, product: a.ID}, Options{})

	summary, err := s.PlaceOrder(context.Background(), []cart.Line{
		{Product: a, Quantity: 1},
		{Product: b, Quantity: 2},
	}, buyer)
	require.NoError(t, err)

	require.Len(t, summary.Orders, 1)
	require.Len(t, summary.Warnings, 1)
	var resErr *StockReservationError
	require.ErrorAs(t, summary.Warnings[0], &resErr)
	assert.Equal(t, a.ID, resErr.ProductID)
	assert.Equal(t, summary.Orders[0].ID, resErr.OrderID)

	assert.Equal(t, 10, e.stockOf(t, a.ID))
	assert.Equal(t, 8, e.stockOf(t, b.ID))
}

func TestPlaceOrder_NotificationFailureIsWarning(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)
	e.sender.fail = func(n notification.Notification) error {
		if n.RecipientID == "s1" {
			return errors.New("inbox down")
		}
		return nil
	}
	s := e.service(t, nil, nil, Options{})

	summary, err := s.PlaceOrder(context.Background(), []cart.Line{{Product: a, Quantity: 1}}, buyer)
	require.NoError(t, err)

	require.Len(t, summary.Orders, 1)
	require.Len(t, summary.Warnings, 1)
	var notifyErr *NotificationError
	require.ErrorAs(t, summary.Warnings[0], &notifyErr)
	assert.Equal(t, "s1", notifyErr.RecipientID)
	assert.Equal(t, "New Order Received", notifyErr.Title)
	assert.Equal(t, "Order placed successfully", summary.Message())
	assert.Equal(t, 9, e.stockOf(t, a.ID))
}

func TestPlaceOrder_LowStockThreshold(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 20)
	s := e.service(t, nil, nil, Options{LowStockThreshold: 15})

	_, err := s.PlaceOrder(context.Background(), []cart.Line{{Product: a, Quantity: 6}}, buyer)
	require.NoError(t, err)
	assert.Equal(t, []string{"Low Stock Alert", "New Order Received"}, e.sender.titlesFor("s1"))
}

func TestPlaceOrder_Validation(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)
	own := e.addProduct(t, "Own", "buyer", "1.00", 10)
	s := e.service(t, nil, nil, Options{})

	tests := []struct {
		name   string
		lines  []cart.Line
		target any
		is     error
	}{
		{name: "empty cart", is: ErrEmptyCart},
		{
			name:   "zero quantity",
			lines:  []cart.Line{{Product: a, Quantity: 0}},
			target: new(*InvalidQuantityError),
		},
		{
			name:   "own product",
			lines:  []cart.Line{{Product: own, Quantity: 1}},
			target: new(*SelfPurchaseError),
		},
		{
			name:   "deleted product",
			lines:  []cart.Line{{Product: product.Product{ID: "gone", SellerID: "s9"}, Quantity: 1}},
			target: new(*ProductNotFoundError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := s.PlaceOrder(context.Background(), tt.lines, buyer)
			assert.Nil(t, summary)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			if tt.target != nil {
				assert.ErrorAs(t, err, tt.target)
			}
		})
	}
	assert.Equal(t, 10, e.stockOf(t, a.ID))
}

func TestPlaceOrder_PreflightReadError(t *testing.T) {
	e := newEnv(t)
	s, err := NewService(productsErr{}, e.orders, e.reserver, e.sender, zap.NewNop(), Options{})
	require.NoError(t, err)

	_, err = s.PlaceOrder(context.Background(), []cart.Line{
		{Product: product.Product{ID: "p1", SellerID: "s1"}, Quantity: 1},
	}, buyer)
	assert.ErrorContains(t, err, "store unavailable")
}

func TestPlaceOrder_IgnoresCancellationAfterPreflight(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancelling := &cancelOnGet{Products: e.products, cancel: cancel}
	s, err := NewService(cancelling, e.orders, e.reserver, e.sender, zap.NewNop(), Options{})
	require.NoError(t, err)

	summary, err := s.PlaceOrder(ctx, []cart.Line{{Product: a, Quantity: 3}}, buyer)
	require.NoError(t, err)
	require.Len(t, summary.Orders, 1)
	assert.Equal(t, 7, e.stockOf(t, a.ID))
}

// cancelOnGet cancels the caller's context right after the preflight read.
type cancelOnGet struct {
	Products
	cancel context.CancelFunc
}

func (c *cancelOnGet) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	out, err := c.Products.GetByIDs(ctx, ids)
	c.cancel()
	return out, err
}

func TestPlaceOrder_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)
	s := e.service(t, nil, nil, Options{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := user.User{ID: "buyer-" + string(rune('a'+i))}
			_, _ = s.PlaceOrder(context.Background(), []cart.Line{{Product: a, Quantity: 3}}, b)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, e.stockOf(t, a.ID), 0)
}

func TestPlaceOrder_Metrics(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)
	b := e.addProduct(t, "Honey", "s2", "550.00", 10)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	s := e.service(t, &failingOrders{Orders: e.orders, sellers: map[string]bool{"s2": true}}, nil, Options{MeterProvider: mp})

	_, err := s.PlaceOrder(context.Background(), []cart.Line{
		{Product: a, Quantity: 1},
		{Product: b, Quantity: 1},
	}, buyer)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					counts[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), counts["checkout.orders.created"])
	assert.Equal(t, int64(1), counts["checkout.orders.failed"])
}

func TestCheckout_ClearsPlacedLines(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)
	b := e.addProduct(t, "Honey", "s2", "550.00", 10)

	t.Run("all placed", func(t *testing.T) {
		s := e.service(t, nil, nil, Options{})
		c := cart.New("buyer", cart.Line{Product: a, Quantity: 1}, cart.Line{Product: b, Quantity: 1})

		_, err := s.Checkout(context.Background(), c, buyer)
		require.NoError(t, err)
		assert.Empty(t, c.Lines())
	})

	t.Run("failed seller stays", func(t *testing.T) {
		s := e.service(t, &failingOrders{Orders: e.orders, sellers: map[string]bool{"s2": true}}, nil, Options{})
		c := cart.New("buyer", cart.Line{Product: a, Quantity: 1}, cart.Line{Product: b, Quantity: 1})

		summary, err := s.Checkout(context.Background(), c, buyer)
		require.NoError(t, err)
		assert.True(t, summary.Partial())
		lines := c.Lines()
		require.Len(t, lines, 1)
		assert.Equal(t, b.ID, lines[0].Product.ID)
	})

	t.Run("line added during placement stays", func(t *testing.T) {
		c := cart.New("buyer", cart.Line{Product: a, Quantity: 1})
		s := e.service(t, &hookedOrders{Orders: e.orders, before: func() {
			c.Add(b, 2)
		}}, nil, Options{})

		summary, err := s.Checkout(context.Background(), c, buyer)
		require.NoError(t, err)
		require.Len(t, summary.Orders, 1)
		lines := c.Lines()
		require.Len(t, lines, 1)
		assert.Equal(t, b.ID, lines[0].Product.ID)
		assert.Equal(t, 2, lines[0].Quantity)
	})

	t.Run("preflight failure keeps cart", func(t *testing.T) {
		s := e.service(t, nil, nil, Options{})
		c := cart.New("buyer", cart.Line{Product: a, Quantity: 100})

		summary, err := s.Checkout(context.Background(), c, buyer)
		assert.Nil(t, summary)
		assert.Error(t, err)
		assert.Len(t, c.Lines(), 1)
	})
}

func TestPlaceOrder_PreflightTimeout(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Tomato", "s1", "40.00", 10)
	s, err := NewService(stalledProducts{}, e.orders, e.reserver, e.sender, zap.NewNop(), Options{
		PreflightTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	summary, err := s.PlaceOrder(context.Background(), []cart.Line{{Product: a, Quantity: 1}}, buyer)
	assert.Nil(t, summary)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	orders, err := e.orders.ListByBuyer(context.Background(), "buyer")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 10, e.stockOf(t, a.ID))
}

func TestPlaceOrder_SubCentTotals(t *testing.T) {
	e := newEnv(t)
	a := e.addProduct(t, "Basil", "s1", "0.333", 10)
	b := e.addProduct(t, "Mint", "s2", "0.333", 10)
	s := e.service(t, nil, nil, Options{})
	c := cart.New("buyer", cart.Line{Product: a, Quantity: 1}, cart.Line{Product: b, Quantity: 1})

	summary, err := s.PlaceOrder(context.Background(), c.Lines(), buyer)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, o := range summary.Orders {
		sum = sum.Add(o.TotalAmount)
	}
	assert.True(t, c.Total().Equal(sum), "want %s, got %s", c.Total(), sum)
}
