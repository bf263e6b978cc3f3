package cart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	loadTimeout = 5 * time.Second
	saveTimeout = 5 * time.Second
)

// Store persists cart lines between process restarts.
type Store interface {
	// Load returns the saved lines of ownerID, or none.
	Load(ctx context.Context, ownerID string) ([]Line, error)
	Save(ctx context.Context, ownerID string, lines []Line) error
	Delete(ctx context.Context, ownerID string) error
}

// Sessions keeps one Cart per buyer. Carts are loaded from the Store on first
// use and written back after every change. A nil Store keeps carts in memory
// only.
type Sessions struct {
	store Store
	lg    *zap.Logger
	loads singleflight.Group

	mu    sync.Mutex
	carts map[string]*session
}

type session struct {
	cart        *Cart
	unsubscribe func()
}

// NewSessions creates a registry backed by store.
func NewSessions(store Store, lg *zap.Logger) *Sessions {
	return &Sessions{
		store: store,
		lg:    lg,
		carts: make(map[string]*session),
	}
}

// Get returns the cart of ownerID, loading it if needed. Concurrent first
// calls for one owner share a single load; loads never block other owners.
func (s *Sessions) Get(ctx context.Context, ownerID string) (*Cart, error) {
	if c, ok := s.cached(ownerID); ok {
		return c, nil
	}

	ch := s.loads.DoChan(ownerID, func() (any, error) {
		if c, ok := s.cached(ownerID); ok {
			return c, nil
		}
		lines, err := s.load(context.WithoutCancel(ctx), ownerID)
		if err != nil {
			return nil, err
		}
		return s.insert(ownerID, lines), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Cart), nil
	}
}

func (s *Sessions) cached(ownerID string) (*Cart, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.carts[ownerID]
	if !ok {
		return nil, false
	}
	return sess.cart, true
}

func (s *Sessions) load(ctx context.Context, ownerID string) ([]Line, error) {
	if s.store == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	lines, err := s.store.Load(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load cart of %s: %w", ownerID, err)
	}
	return lines, nil
}

// insert registers a cart built from lines unless one appeared meanwhile.
func (s *Sessions) insert(ownerID string, lines []Line) *Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.carts[ownerID]; ok {
		return sess.cart
	}

	c := New(ownerID, lines...)
	sess := &session{cart: c, unsubscribe: func() {}}
	if s.store != nil {
		p := &persister{store: s.store, lg: s.lg}
		sess.unsubscribe = c.Subscribe(p.save)
	}
	s.carts[ownerID] = sess
	return c
}

// Evict forgets the in-memory cart of ownerID. The persisted copy stays.
func (s *Sessions) Evict(ownerID string) {
	s.mu.Lock()
	sess, ok := s.carts[ownerID]
	delete(s.carts, ownerID)
	s.mu.Unlock()

	if ok {
		sess.unsubscribe()
	}
}

// persister writes snapshots in version order and drops stale ones.
type persister struct {
	store Store
	lg    *zap.Logger

	mu    sync.Mutex
	saved uint64
}

func (p *persister) save(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Version <= p.saved {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	var err error
	if len(snap.Lines) == 0 {
		err = p.store.Delete(ctx, snap.OwnerID)
	} else {
		err = p.store.Save(ctx, snap.OwnerID, snap.Lines)
	}
	if err != nil {
		p.lg.Warn("Persist cart",
			zap.String("owner_id", snap.OwnerID),
			zap.Uint64("version", snap.Version),
			zap.Error(err),
		)
		return
	}
	p.saved = snap.Version
}
