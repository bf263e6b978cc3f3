package cart

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/domain/product"
)

func newTestProduct(id, sellerID, price string) product.Product {
	return product.Product{
		ID:         id,
		Name:       "Product " + id,
		Price:      decimal.RequireFromString(price),
		SellerID:   sellerID,
		SellerName: "Farmer " + sellerID,
		Stock:      10,
	}
}

func TestCart_Add(t *testing.T) {
	c := New("buyer")

	assert.True(t, c.Add(newTestProduct("p1", "s1", "10.00"), 1))
	assert.True(t, c.Add(newTestProduct("p1", "s1", "10.00"), 2))
	assert.True(t, c.Add(newTestProduct("p2", "s2", "2.50"), 4))

	lines := c.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "p1", lines[0].Product.ID)
	assert.Equal(t, 3, lines[0].Quantity)
	assert.Equal(t, 4, lines[1].Quantity)
	assert.Equal(t, 7, c.Count())
	assert.True(t, decimal.RequireFromString("40.00").Equal(c.Total()))
}

func TestCart_AddOwnProduct(t *testing.T) {
	c := New("farmer")
	require.True(t, c.Add(newTestProduct("p1", "s1", "1"), 1))

	var calls int
	c.Subscribe(func(Snapshot) { calls++ })

	before := c.Snapshot()
	assert.False(t, c.Add(newTestProduct("own", "farmer", "5"), 1))
	assert.Equal(t, before, c.Snapshot())
	assert.Zero(t, calls)
}

func TestCart_AddNonPositive(t *testing.T) {
	c := New("buyer")
	assert.False(t, c.Add(newTestProduct("p1", "s1", "1"), 0))
	assert.False(t, c.Add(newTestProduct("p1", "s1", "1"), -2))
	assert.Empty(t, c.Lines())
}

func TestCart_SetQuantityFloor(t *testing.T) {
	tests := []struct {
		name string
		qty  int
		want int
	}{
		{"zero", 0, 2},
		{"negative", -5, 2},
		{"one", 1, 1},
		{"more", 9, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New("buyer")
			c.Add(newTestProduct("p1", "s1", "1"), 2)

			c.SetQuantity("p1", tt.qty)
			assert.Equal(t, tt.want, c.Lines()[0].Quantity)
		})
	}
}

func TestCart_SetQuantityUnknown(t *testing.T) {
	c := New("buyer")
	var calls int
	c.Subscribe(func(Snapshot) { calls++ })

	c.SetQuantity("missing", 3)
	assert.Empty(t, c.Lines())
	assert.Zero(t, calls)
}

func TestCart_RemoveAndClear(t *testing.T) {
	c := New("buyer")
	c.Add(newTestProduct("p1", "s1", "1"), 1)
	c.Add(newTestProduct("p2", "s1", "1"), 1)
	c.Add(newTestProduct("p3", "s2", "1"), 1)

	c.Remove("p2", "missing")
	assert.Equal(t, 2, c.Count())

	c.Clear()
	assert.Empty(t, c.Lines())
	assert.True(t, decimal.Zero.Equal(c.Total()))
}

func TestCart_ObserversSeeEveryChange(t *testing.T) {
	c := New("buyer")

	var snaps []Snapshot
	unsubscribe := c.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })

	c.Add(newTestProduct("p1", "s1", "3.00"), 1)
	c.SetQuantity("p1", 2)
	c.SetQuantity("p1", 2) // unchanged
	c.Remove("p1")
	c.Remove("p1") // already gone
	c.Clear()      // already empty

	require.Len(t, snaps, 3)
	assert.Equal(t, 1, snaps[0].Count)
	assert.True(t, decimal.RequireFromString("6.00").Equal(snaps[1].Total))
	assert.Equal(t, 0, snaps[2].Count)
	assert.Less(t, snaps[0].Version, snaps[1].Version)

	unsubscribe()
	c.Add(newTestProduct("p1", "s1", "3.00"), 1)
	assert.Len(t, snaps, 3)
}

func TestCart_ObserverCanReadCart(t *testing.T) {
	c := New("buyer")
	var count int
	c.Subscribe(func(Snapshot) { count = c.Count() })

	c.Add(newTestProduct("p1", "s1", "1"), 5)
	assert.Equal(t, 5, count)
}

func TestNew_DropsInvalidLines(t *testing.T) {
	c := New("buyer",
		Line{Product: newTestProduct("p1", "s1", "1"), Quantity: 1},
		Line{Product: newTestProduct("own", "buyer", "1"), Quantity: 1},
		Line{Product: newTestProduct("p2", "s1", "1"), Quantity: 0},
		Line{Product: newTestProduct("p1", "s1", "1"), Quantity: 2},
	)
	lines := c.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].Quantity)
}

type memStore struct {
	mu      sync.Mutex
	lines   map[string][]Line
	saves   int
	deletes int
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{lines: make(map[string][]Line)}
}

func (m *memStore) Load(_ context.Context, ownerID string) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.lines[ownerID], nil
}

func (m *memStore) Save(_ context.Context, ownerID string, lines []Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.lines[ownerID] = lines
	return nil
}

func (m *memStore) Delete(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.lines, ownerID)
	return nil
}

func TestSessions_LoadAndPersist(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.lines["buyer"] = []Line{{Product: newTestProduct("p1", "s1", "2"), Quantity: 2}}

	s := NewSessions(store, zap.NewNop())
	c, err := s.Get(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Count())

	again, err := s.Get(ctx, "buyer")
	require.NoError(t, err)
	assert.Same(t, c, again)

	c.Add(newTestProduct("p2", "s2", "1"), 1)
	assert.Len(t, store.lines["buyer"], 2)

	c.Clear()
	assert.Equal(t, 1, store.deletes)
	assert.NotContains(t, store.lines, "buyer")

	s.Evict("buyer")
	c.Add(newTestProduct("p3", "s2", "1"), 1)
	assert.Equal(t, 1, store.saves)
}

func TestSessions_LoadError(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("redis down")

	_, err := NewSessions(store, zap.NewNop()).Get(context.Background(), "buyer")
	require.ErrorIs(t, err, store.loadErr)
}

func TestSessions_MemoryOnly(t *testing.T) {
	s := NewSessions(nil, zap.NewNop())
	c, err := s.Get(context.Background(), "buyer")
	require.NoError(t, err)
	assert.True(t, c.Add(newTestProduct("p1", "s1", "1"), 1))
}

// gatedStore blocks Load of one owner until release is closed.
type gatedStore struct {
	*memStore
	owner   string
	started chan struct{}
	release chan struct{}
	loads   atomic.Int32
}

func (g *gatedStore) Load(ctx context.Context, ownerID string) ([]Line, error) {
	if ownerID == g.owner {
		g.loads.Add(1)
		g.started <- struct{}{}
		<-g.release
	}
	return g.memStore.Load(ctx, ownerID)
}

func newGatedStore(owner string) *gatedStore {
	return &gatedStore{
		memStore: newMemStore(),
		owner:    owner,
		started:  make(chan struct{}, 16),
		release:  make(chan struct{}),
	}
}

func TestSessions_SlowLoadDoesNotBlockOthers(t *testing.T) {
	store := newGatedStore("slow")
	store.lines["fast"] = []Line{{Product: newTestProduct("p1", "s1", "2"), Quantity: 3}}
	s := NewSessions(store, zap.NewNop())

	slow := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background(), "slow")
		slow <- err
	}()
	<-store.started

	fast := make(chan *Cart, 1)
	go func() {
		c, err := s.Get(context.Background(), "fast")
		assert.NoError(t, err)
		fast <- c
	}()
	select {
	case c := <-fast:
		assert.Equal(t, 3, c.Count())
	case <-time.After(2 * time.Second):
		t.Fatal("Get of another owner waited for a pending load")
	}

	close(store.release)
	require.NoError(t, <-slow)
}

func TestSessions_ConcurrentGetLoadsOnce(t *testing.T) {
	store := newGatedStore("buyer")
	s := NewSessions(store, zap.NewNop())

	const callers = 5
	carts := make(chan *Cart, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Go(func() {
			c, err := s.Get(context.Background(), "buyer")
			assert.NoError(t, err)
			carts <- c
		})
	}
	<-store.started
	close(store.release)
	wg.Wait()
	close(carts)

	first := <-carts
	for c := range carts {
		assert.Same(t, first, c)
	}
	assert.Equal(t, int32(1), store.loads.Load())
}

func TestSessions_GetHonoursCallerContext(t *testing.T) {
	store := newGatedStore("buyer")
	s := NewSessions(store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Get(ctx, "buyer")
		done <- err
	}()
	<-store.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(store.release)
	assert.Eventually(t, func() bool {
		_, ok := s.cached("buyer")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestPersister_SkipsStaleSnapshots(t *testing.T) {
	store := newMemStore()
	p := &persister{store: store, lg: zap.NewNop()}

	p.save(Snapshot{OwnerID: "b", Version: 2, Lines: []Line{{Quantity: 2}}})
	p.save(Snapshot{OwnerID: "b", Version: 1, Lines: []Line{{Quantity: 1}}})

	assert.Equal(t, 1, store.saves)
	assert.Equal(t, 2, store.lines["b"][0].Quantity)
}
