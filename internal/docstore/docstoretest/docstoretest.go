// Package docstoretest holds behavioural tests shared by every docstore
// engine.
package docstoretest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/organic-market/internal/docstore"
)

type counter struct {
	Name  string `json:"name"`
	Group string `json:"group"`
	Value int    `json:"value"`
}

// Run exercises an engine. newStore must return an empty store; the tests use
// collection names unique to each subtest so a shared database is fine.
func Run(t *testing.T, newStore func(t *testing.T) docstore.Store) {
	t.Run("GetSetUpdateDelete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		const c = "crud"

		_, err := s.Get(ctx, c, "a")
		require.ErrorIs(t, err, docstore.ErrNotFound)

		require.NoError(t, s.Set(ctx, c, "a", counter{Name: "a", Value: 1}))
		require.NoError(t, s.Update(ctx, c, "a", map[string]any{"value": 7}))

		got := read(t, s, c, "a")
		assert.Equal(t, counter{Name: "a", Value: 7}, got)

		err = s.Update(ctx, c, "missing", map[string]any{"value": 1})
		require.ErrorIs(t, err, docstore.ErrNotFound)

		require.NoError(t, s.Delete(ctx, c, "a"))
		_, err = s.Get(ctx, c, "a")
		require.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("Create", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		id1, err := s.Create(ctx, "create", counter{Name: "x"})
		require.NoError(t, err)
		id2, err := s.Create(ctx, "create", counter{Name: "y"})
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)

		doc, err := s.Get(ctx, "create", id1)
		require.NoError(t, err)
		assert.False(t, doc.CreateTime.IsZero())
	})

	t.Run("Query", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		const c = "query"

		require.NoError(t, s.Set(ctx, c, "1", counter{Name: "one", Group: "odd", Value: 1}))
		require.NoError(t, s.Set(ctx, c, "2", counter{Name: "two", Group: "even", Value: 2}))
		require.NoError(t, s.Set(ctx, c, "3", counter{Name: "three", Group: "odd", Value: 3}))

		docs, err := s.Query(ctx, docstore.Query{
			Collection: c,
			Filters:    []docstore.Filter{docstore.Where("group", "odd")},
			OrderBy:    "value",
			Desc:       true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "1"}, ids(docs))

		docs, err = s.Query(ctx, docstore.Query{Collection: c, OrderBy: "value", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, ids(docs))
	})

	t.Run("TransactionNoLostUpdates", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		const c = "tx"
		require.NoError(t, s.Set(ctx, c, "n", counter{Value: 20}))

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := s.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
						doc, err := tx.Get(c, "n")
						if err != nil {
							return err
						}
						var v counter
						if err := doc.DataTo(&v); err != nil {
							return err
						}
						return tx.Update(c, "n", map[string]any{"value": v.Value - 1})
					})
					if errors.Is(err, docstore.ErrTooMuchContention) {
						continue
					}
					assert.NoError(t, err)
					return
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, read(t, s, c, "n").Value)
	})

	t.Run("Watch", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s := newStore(t)
		const c = "watch"
		require.NoError(t, s.Set(ctx, c, "a", counter{Value: 1}))

		sub, err := s.Watch(ctx, docstore.Query{Collection: c})
		require.NoError(t, err)
		defer sub.Stop()

		var seen []int
		for docs, err := range sub.Snapshots() {
			require.NoError(t, err)
			seen = append(seen, len(docs))
			if len(seen) == 1 {
				require.NoError(t, s.Set(ctx, c, "b", counter{Value: 2}))
				continue
			}
			break
		}
		assert.Equal(t, []int{1, 2}, seen)
	})
}

func read(t *testing.T, s docstore.Store, collection, id string) counter {
	t.Helper()
	doc, err := s.Get(context.Background(), collection, id)
	require.NoError(t, err)
	var v counter
	require.NoError(t, doc.DataTo(&v))
	return v
}

func ids(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
