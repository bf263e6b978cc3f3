package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/domain/cart"
	"github.com/xenking/organic-market/internal/domain/product"
)

func setup(t *testing.T, ttl time.Duration) (*CartStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCartStore(client, ttl), mr
}

func sampleLines() []cart.Line {
	return []cart.Line{
		{
			Product: product.Product{
				ID:         "p1",
				Name:       "Tomato",
				Price:      decimal.RequireFromString("40.50"),
				SellerID:   "s1",
				SellerName: "Green Farm",
				Unit:       "kg",
				Images:     []string{"tomato.jpg", "tomato-2.jpg"},
				Stock:      12,
			},
			Quantity: 2,
		},
		{
			Product:  product.Product{ID: "p2", Name: "Honey", Price: decimal.RequireFromString("550"), SellerID: "s2"},
			Quantity: 1,
		},
	}
}

func TestCartStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s, mr := setup(t, time.Hour)

	require.NoError(t, s.Save(ctx, "u1", sampleLines()))
	assert.True(t, mr.Exists("cart:u1"))
	assert.Equal(t, time.Hour, mr.TTL("cart:u1"))

	lines, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "Tomato", lines[0].Product.Name)
	assert.True(t, lines[0].Product.Price.Equal(decimal.RequireFromString("40.5")))
	assert.Equal(t, []string{"tomato.jpg"}, lines[0].Product.Images)
	assert.Equal(t, "Green Farm", lines[0].Product.SellerName)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.Equal(t, "s2", lines[1].Product.SellerID)
	assert.Nil(t, lines[1].Product.Images)
}

func TestCartStore_LoadMissing(t *testing.T) {
	s, _ := setup(t, 0)

	lines, err := s.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCartStore_LoadCorrupt(t *testing.T) {
	s, mr := setup(t, 0)
	require.NoError(t, mr.Set("cart:u1", "{not json"))

	_, err := s.Load(context.Background(), "u1")
	assert.ErrorContains(t, err, "decode cart")
}

func TestCartStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, mr := setup(t, 0)

	require.NoError(t, s.Save(ctx, "u1", sampleLines()))
	assert.Equal(t, DefaultTTL, mr.TTL("cart:u1"))
	require.NoError(t, s.Delete(ctx, "u1"))
	assert.False(t, mr.Exists("cart:u1"))
	require.NoError(t, s.Delete(ctx, "u1"))
}

func TestCartStore_ConnectionError(t *testing.T) {
	s, mr := setup(t, 0)
	mr.Close()

	_, err := s.Load(context.Background(), "u1")
	assert.Error(t, err)
	assert.Error(t, s.Ping(context.Background()))
}

func TestCartStore_PersistsSessionCarts(t *testing.T) {
	ctx := context.Background()
	s, _ := setup(t, 0)

	sessions := cart.NewSessions(s, zap.NewNop())
	c, err := sessions.Get(ctx, "u1")
	require.NoError(t, err)
	lines := sampleLines()
	c.Add(lines[0].Product, 3)

	stored, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 3, stored[0].Quantity)

	sessions.Evict("u1")
	restored, err := sessions.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Count())

	restored.Clear()
	stored, err = s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}
