// Package redis persists shopping carts in Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xenking/organic-market/internal/domain/cart"
	"github.com/xenking/organic-market/internal/domain/product"
)

// DefaultTTL is how long an untouched cart is kept.
const DefaultTTL = 30 * 24 * time.Hour

var _ cart.Store = (*CartStore)(nil)

type lineDTO struct {
	ProductID  string          `json:"productId"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	SellerID   string          `json:"sellerId"`
	SellerName string          `json:"sellerName"`
	Unit       string          `json:"unit,omitempty"`
	Image      string          `json:"image,omitempty"`
	Stock      int             `json:"stock"`
	Quantity   int             `json:"quantity"`
}

// CartStore implements cart.Store. Each cart is one JSON value under
// "cart:<owner>" with a sliding TTL.
type CartStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCartStore returns a CartStore. A non-positive ttl selects DefaultTTL.
func NewCartStore(client *redis.Client, ttl time.Duration) *CartStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CartStore{client: client, ttl: ttl}
}

func cartKey(ownerID string) string {
	return "cart:" + ownerID
}

// Load returns the saved lines of ownerID. A missing cart is empty.
func (s *CartStore) Load(ctx context.Context, ownerID string) ([]cart.Line, error) {
	data, err := s.client.Get(ctx, cartKey(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var dtos []lineDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	lines := make([]cart.Line, len(dtos))
	for i, d := range dtos {
		p := product.Product{
			ID:          d.ProductID,
			Name:        d.Name,
			Price:       d.Price,
			SellerID:    d.SellerID,
			SellerName:  d.SellerName,
			Unit:        d.Unit,
			Stock:       d.Stock,
			IsAvailable: true,
		}
		if d.Image != "" {
			p.Images = []string{d.Image}
		}
		lines[i] = cart.Line{Product: p, Quantity: d.Quantity}
	}
	return lines, nil
}

// Save replaces the cart of ownerID and refreshes its TTL.
func (s *CartStore) Save(ctx context.Context, ownerID string, lines []cart.Line) error {
	dtos := make([]lineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = lineDTO{
			ProductID:  l.Product.ID,
			Name:       l.Product.Name,
			Price:      l.Product.Price,
			SellerID:   l.Product.SellerID,
			SellerName: l.Product.SellerName,
			Unit:       l.Product.Unit,
			Stock:      l.Product.Stock,
			Quantity:   l.Quantity,
		}
		if len(l.Product.Images) > 0 {
			dtos[i].Image = l.Product.Images[0]
		}
	}
	data, err := json.Marshal(dtos)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	if err := s.client.Set(ctx, cartKey(ownerID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the cart of ownerID.
func (s *CartStore) Delete(ctx context.Context, ownerID string) error {
	if err := s.client.Del(ctx, cartKey(ownerID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *CartStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
