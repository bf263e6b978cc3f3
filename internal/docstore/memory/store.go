// Package memory is an in-process docstore engine. Transactions are
// optimistic: reads record document versions, and commit fails and retries
// when any of them changed in the meantime.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/organic-market/internal/docstore"
)

const defaultMaxAttempts = 5

var _ docstore.Store = (*Store)(nil)

type key struct {
	collection string
	id         string
}

type record struct {
	data    json.RawMessage
	version uint64
	created time.Time
	updated time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAttempts bounds how many times RunTransaction runs its body.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps documents in memory.
type Store struct {
	maxAttempts int
	now         func() time.Time

	mu       sync.RWMutex
	seq      uint64
	docs     map[key]*record
	watchers map[string]map[uint64]chan struct{}
	watchSeq uint64
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		docs:        make(map[key]*record),
		watchers:    make(map[string]map[uint64]chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) snapshot(k key, r *record) *docstore.Document {
	return &docstore.Document{
		Collection: k.collection,
		ID:         k.id,
		Data:       slices.Clone(r.data),
		CreateTime: r.created,
		UpdateTime: r.updated,
	}
}

// Get returns a document.
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := key{collection, id}
	r, ok := s.docs[k]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return s.snapshot(k, r), nil
}

// Create stores data under a new UUID.
func (s *Store) Create(ctx context.Context, collection string, data any) (string, error) {
	id := uuid.New().String()
	raw, err := docstore.Encode(data)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	k := key{collection, id}
	if _, ok := s.docs[k]; ok {
		s.mu.Unlock()
		return "", docstore.ErrAlreadyExists
	}
	s.put(k, raw)
	s.mu.Unlock()

	s.notify(collection)
	return id, nil
}

// Set creates or replaces a document.
func (s *Store) Set(ctx context.Context, collection, id string, data any) error {
	raw, err := docstore.Encode(data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.put(key{collection, id}, raw)
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// Update merges fields into an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	k := key{collection, id}
	r, ok := s.docs[k]
	if !ok {
		s.mu.Unlock()
		return docstore.ErrNotFound
	}
	merged, err := docstore.Merge(r.data, fields)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.put(k, merged)
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.docs, key{collection, id})
	s.seq++
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// put writes data under k. Caller holds s.mu.
func (s *Store) put(k key, data json.RawMessage) {
	now := s.now()
	s.seq++
	r, ok := s.docs[k]
	if !ok {
		s.docs[k] = &record{data: data, version: s.seq, created: now, updated: now}
		return
	}
	r.data = data
	r.version = s.seq
	r.updated = now
}

// Query returns the documents matching q.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	docs := make([]docstore.Document, 0)
	for k, r := range s.docs {
		if k.collection == q.Collection {
			docs = append(docs, *s.snapshot(k, r))
		}
	}
	s.mu.RUnlock()

	return docstore.Apply(q, docs)
}

// Watch subscribes to q. Snapshots are re-read whenever the collection
// changes.
func (s *Store) Watch(ctx context.Context, q docstore.Query) (*docstore.Subscription, error) {
	fetch := func(ctx context.Context) ([]docstore.Document, error) {
		return s.Query(ctx, q)
	}
	trigger := func(ctx context.Context) <-chan struct{} {
		ch, unregister := s.register(q.Collection)
		go func() {
			<-ctx.Done()
			unregister()
		}()
		return ch
	}
	return docstore.NewSubscription(ctx, fetch, trigger), nil
}

func (s *Store) register(collection string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.watchSeq++
	id := s.watchSeq
	if s.watchers[collection] == nil {
		s.watchers[collection] = make(map[uint64]chan struct{})
	}
	s.watchers[collection][id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.watchers[collection], id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(collections ...string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range collections {
		for _, ch := range s.watchers[c] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// RunTransaction runs fn until it commits without conflicts or the attempt
// budget is spent.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		t := &tx{
			s:      s,
			reads:  make(map[key]uint64),
			writes: make(map[key]json.RawMessage),
		}
		if err := fn(ctx, t); err != nil {
			return err
		}

		committed, changed := s.commit(t)
		if committed {
			s.notify(changed...)
			return nil
		}
	}
	return docstore.ErrTooMuchContention
}

// commit validates read versions and applies writes atomically.
func (s *Store) commit(t *tx) (bool, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, seen := range t.reads {
		var current uint64
		if r, ok := s.docs[k]; ok {
			current = r.version
		}
		if current != seen {
			return false, nil
		}
	}

	changed := make([]string, 0, len(t.order))
	for _, k := range t.order {
		s.put(k, t.writes[k])
		if !slices.Contains(changed, k.collection) {
			changed = append(changed, k.collection)
		}
	}
	return true, changed
}

type tx struct {
	s      *Store
	reads  map[key]uint64
	writes map[key]json.RawMessage
	order  []key
}

func (t *tx) Get(collection, id string) (*docstore.Document, error) {
	k := key{collection, id}
	if data, ok := t.writes[k]; ok {
		return &docstore.Document{Collection: collection, ID: id, Data: slices.Clone(data)}, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	r, ok := t.s.docs[k]
	if !ok {
		t.reads[k] = 0
		return nil, docstore.ErrNotFound
	}
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = r.version
	}
	return t.s.snapshot(k, r), nil
}

func (t *tx) Set(collection, id string, data any) error {
	raw, err := docstore.Encode(data)
	if err != nil {
		return err
	}
	t.write(key{collection, id}, raw)
	return nil
}

func (t *tx) Update(collection, id string, fields map[string]any) error {
	doc, err := t.Get(collection, id)
	if err != nil {
		return errors.Wrapf(err, "update %s/%s", collection, id)
	}
	merged, err := docstore.Merge(doc.Data, fields)
	if err != nil {
		return err
	}
	t.write(key{collection, id}, merged)
	return nil
}

func (t *tx) write(k key, data json.RawMessage) {
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = data
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }
