// Package checkout turns a cart into orders: one order per seller, stock
// reserved per line item, and buyer and seller notified.
package checkout

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/organic-market/internal/domain/cart"
	"github.com/xenking/organic-market/internal/domain/notification"
	"github.com/xenking/organic-market/internal/domain/order"
	"github.com/xenking/organic-market/internal/domain/product"
	"github.com/xenking/organic-market/internal/domain/stock"
	"github.com/xenking/organic-market/internal/domain/user"
)

const instrumentation = "github.com/xenking/organic-market/internal/domain/checkout"

// Products reads current catalog state for the availability preflight.
type Products interface {
	GetByIDs(ctx context.Context, ids []string) ([]product.Product, error)
}

// Orders creates orders.
type Orders interface {
	Create(ctx context.Context, o *order.Order) error
}

// Reserver decrements stock.
type Reserver interface {
	Reserve(ctx context.Context, productID string, qty int) (*stock.Reservation, error)
}

// Options tunes a Service. Zero values select defaults.
type Options struct {
	// LowStockThreshold is the remaining stock at or below which sellers are
	// alerted.
	LowStockThreshold int
	// Parallelism bounds how many seller groups are placed at once.
	Parallelism int
	// PreflightTimeout bounds the availability check. Placement after it has
	// no deadline.
	PreflightTimeout time.Duration
	TracerProvider   trace.TracerProvider
	MeterProvider    metric.MeterProvider
	Now              func() time.Time
}

// Service places orders.
type Service struct {
	products Products
	orders   Orders
	reserver Reserver
	sender   notification.Sender
	lg       *zap.Logger

	threshold        int
	parallelism      int
	preflightTimeout time.Duration
	now              func() time.Time

	tracer               trace.Tracer
	ordersCreated        metric.Int64Counter
	ordersFailed         metric.Int64Counter
	reservationFailures  metric.Int64Counter
	notificationFailures metric.Int64Counter
}

// NewService creates a checkout Service.
func NewService(
	products Products,
	orders Orders,
	reserver Reserver,
	sender notification.Sender,
	lg *zap.Logger,
	opts Options,
) (*Service, error) {
	if opts.LowStockThreshold <= 0 {
		opts.LowStockThreshold = notification.DefaultLowStockThreshold
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.PreflightTimeout <= 0 {
		opts.PreflightTimeout = 10 * time.Second
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = metricnoop.NewMeterProvider()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		products:    products,
		orders:      orders,
		reserver:    reserver,
		sender:      sender,
		lg:          lg,
		threshold:        opts.LowStockThreshold,
		parallelism:      opts.Parallelism,
		preflightTimeout: opts.PreflightTimeout,
		now:              opts.Now,
		tracer:           opts.TracerProvider.Tracer(instrumentation),
	}

	meter := opts.MeterProvider.Meter(instrumentation)
	var err error
	if s.ordersCreated, err = meter.Int64Counter("checkout.orders.created",
		metric.WithDescription("Orders created by checkout")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if s.ordersFailed, err = meter.Int64Counter("checkout.orders.failed",
		metric.WithDescription("Seller orders that could not be created")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if s.reservationFailures, err = meter.Int64Counter("checkout.stock.reservation_failures",
		metric.WithDescription("Line items whose stock was not decremented")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if s.notificationFailures, err = meter.Int64Counter("checkout.notifications.failed",
		metric.WithDescription("Checkout notifications that were not delivered")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	return s, nil
}

// PlaceOrder checks availability of every product, then creates one order per
// seller, reserves stock for each of its items and notifies buyer and seller.
//
// A preflight failure returns an error and writes nothing. After the preflight
// the work is not cancellable and failures stay local to their seller group:
// the summary lists the created orders, the failed sellers and non-fatal
// warnings. When no order could be created the summary is returned together
// with a *PlacementError.
func (s *Service) PlaceOrder(ctx context.Context, lines []cart.Line, buyer user.User) (*Summary, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.PlaceOrder", trace.WithAttributes(
		attribute.String("buyer.id", buyer.ID),
		attribute.Int("cart.lines", len(lines)),
	))
	defer span.End()

	if err := validate(lines, buyer); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	preflightCtx, cancel := context.WithTimeout(ctx, s.preflightTimeout)
	err := s.preflight(preflightCtx, lines)
	cancel()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	groups := order.Split(lines)
	results := make([]groupResult, len(groups))

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, grp := range groups {
		g.Go(func() error {
			results[i] = s.placeGroup(ctx, grp, buyer)
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{}
	for _, r := range results {
		if r.failure != nil {
			summary.Failed = append(summary.Failed, r.failure)
			continue
		}
		summary.Orders = append(summary.Orders, *r.order)
		summary.Warnings = append(summary.Warnings, r.warnings...)
	}
	span.SetAttributes(
		attribute.Int("orders.created", len(summary.Orders)),
		attribute.Int("orders.failed", len(summary.Failed)),
	)

	if len(summary.Orders) == 0 {
		err := &PlacementError{Failed: summary.Failed}
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}
	return summary, nil
}

// Checkout places the lines of c. Lines of sellers whose order was created
// leave the cart; lines of failed sellers stay for a retry, as do lines added
// while the orders were being placed.
func (s *Service) Checkout(ctx context.Context, c *cart.Cart, buyer user.User) (*Summary, error) {
	summary, err := s.PlaceOrder(ctx, c.Lines(), buyer)
	if summary == nil {
		return nil, err
	}

	var placed []string
	for _, o := range summary.Orders {
		for _, item := range o.Items {
			placed = append(placed, item.ProductID)
		}
	}
	c.Remove(placed...)
	return summary, err
}

func validate(lines []cart.Line, buyer user.User) error {
	if len(lines) == 0 {
		return ErrEmptyCart
	}
	for _, l := range lines {
		if l.Quantity < 1 {
			return &InvalidQuantityError{ProductID: l.Product.ID}
		}
		if l.Product.SellerID == buyer.ID {
			return &SelfPurchaseError{ProductID: l.Product.ID}
		}
	}
	return nil
}

// preflight reads current stock of every product once. It is advisory: a
// concurrent checkout may take the stock before it is reserved.
func (s *Service) preflight(ctx context.Context, lines []cart.Line) error {
	var ids []string
	requested := make(map[string]int, len(lines))
	for _, l := range lines {
		if _, ok := requested[l.Product.ID]; !ok {
			ids = append(ids, l.Product.ID)
		}
		requested[l.Product.ID] += l.Quantity
	}

	current, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}
	byID := make(map[string]product.Product, len(current))
	for _, p := range current {
		byID[p.ID] = p
	}

	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return &ProductNotFoundError{ProductID: id}
		}
		if p.Stock < requested[id] {
			return &StockInsufficientError{
				ProductID:   id,
				ProductName: p.Name,
				Requested:   requested[id],
				Available:   p.Stock,
			}
		}
	}
	return nil
}

type groupResult struct {
	order    *order.Order
	failure  *OrderPersistenceError
	warnings []error
}

// placeGroup runs create, reserve and notify for one seller.
func (s *Service) placeGroup(ctx context.Context, grp order.Group, buyer user.User) groupResult {
	ctx, span := s.tracer.Start(ctx, "checkout.placeGroup", trace.WithAttributes(
		attribute.String("seller.id", grp.SellerID),
		attribute.Int("order.items", len(grp.Lines)),
	))
	defer span.End()

	o := order.Build(grp, buyer, s.now())
	if err := s.orders.Create(ctx, o); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create order")
		s.ordersFailed.Add(ctx, 1)
		s.lg.Error("Create order",
			zap.String("seller_id", grp.SellerID),
			zap.String("buyer_id", buyer.ID),
			zap.Error(err),
		)
		return groupResult{failure: &OrderPersistenceError{
			SellerID:   grp.SellerID,
			SellerName: o.SellerName,
			Err:        err,
		}}
	}
	s.ordersCreated.Add(ctx, 1)
	span.SetAttributes(attribute.String("order.id", o.ID))

	res := groupResult{order: o}
	var reservations []*stock.Reservation
	for _, item := range o.Items {
		r, err := s.reserver.Reserve(ctx, item.ProductID, item.Quantity)
		if err != nil {
			s.reservationFailures.Add(ctx, 1)
			s.lg.Warn("Reserve stock",
				zap.String("order_id", o.ID),
				zap.String("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err),
			)
			res.warnings = append(res.warnings, &StockReservationError{
				OrderID:   o.ID,
				ProductID: item.ProductID,
				Err:       err,
			})
			continue
		}
		reservations = append(reservations, r)
	}

	notes := []notification.Notification{
		notification.OrderPlaced(buyer.ID, o.ID, o.TotalAmount),
		notification.NewOrder(o.SellerID, buyer.Name, o.ID, o.TotalAmount),
	}
	for _, r := range reservations {
		sellerID := r.SellerID
		if sellerID == "" {
			sellerID = o.SellerID
		}
		if n, ok := notification.StockAlert(sellerID, r.ProductID, r.ProductName, r.Remaining, s.threshold); ok {
			notes = append(notes, n)
		}
	}
	for _, n := range notes {
		if err := s.sender.Send(ctx, n); err != nil {
			s.notificationFailures.Add(ctx, 1)
			s.lg.Warn("Send notification",
				zap.String("order_id", o.ID),
				zap.String("recipient_id", n.RecipientID),
				zap.String("title", n.Title),
				zap.Error(err),
			)
			res.warnings = append(res.warnings, &NotificationError{
				RecipientID: n.RecipientID,
				Title:       n.Title,
				Err:         err,
			})
		}
	}
	return res
}
