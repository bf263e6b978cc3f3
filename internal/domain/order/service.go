package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/domain/notification"
)

// Sentinel errors for order status changes.
var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidStatus     = errors.New("invalid order status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbidden         = errors.New("not allowed to change this order")
)

// Service handles orders after checkout.
type Service struct {
	orders Repository
	sender notification.Sender
	lg     *zap.Logger
	now    func() time.Time
}

// NewService creates an order Service.
func NewService(orders Repository, sender notification.Sender, lg *zap.Logger) *Service {
	return &Service{
		orders: orders,
		sender: sender,
		lg:     lg,
		now:    time.Now,
	}
}

// ListForBuyer returns the orders placed by buyerID.
func (s *Service) ListForBuyer(ctx context.Context, buyerID string) ([]Order, error) {
	orders, err := s.orders.ListByBuyer(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("list orders of buyer %s: %w", buyerID, err)
	}
	return orders, nil
}

// ListForSeller returns the orders received by sellerID.
func (s *Service) ListForSeller(ctx context.Context, sellerID string) ([]Order, error) {
	orders, err := s.orders.ListBySeller(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list orders of seller %s: %w", sellerID, err)
	}
	return orders, nil
}

// UpdateStatus moves an order to status on behalf of actorID. The seller
// drives the order; the buyer may only cancel it while it is pending. The
// buyer is notified of every accepted change.
func (s *Service) UpdateStatus(ctx context.Context, actorID, orderID string, status Status) (*Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}

	switch {
	case actorID == o.SellerID:
	case actorID == o.BuyerID && o.Status == StatusPending && status == StatusCancelled:
	default:
		return nil, ErrForbidden
	}
	if !o.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, o.Status, status)
	}

	now := s.now()
	if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, status, now); err != nil {
		return nil, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	o.Status = status
	o.UpdatedAt = now

	n := notification.StatusChanged(o.BuyerID, o.ID, string(status))
	if err := s.sender.Send(ctx, n); err != nil {
		s.lg.Warn("Send status notification",
			zap.String("order_id", o.ID),
			zap.String("recipient_id", o.BuyerID),
			zap.Error(err),
		)
	}
	return o, nil
}
