package docstore

import (
	"bytes"
	"context"
	"iter"
	"slices"
	"time"
)

// Fetcher runs the subscribed query once.
type Fetcher func(ctx context.Context) ([]Document, error)

// Trigger returns a channel that receives a value whenever the subscribed
// results may have changed. The channel is closed or abandoned once ctx is
// done.
type Trigger func(ctx context.Context) <-chan struct{}

// Subscription is a live query handle. Snapshots yields the current result
// set and then every changed result set until Stop is called or the context
// passed to Watch is cancelled.
type Subscription struct {
	ctx     context.Context
	cancel  context.CancelFunc
	fetch   Fetcher
	trigger Trigger
}

// NewSubscription builds a subscription from a query runner and a change
// trigger. Engines call it from Watch.
func NewSubscription(ctx context.Context, fetch Fetcher, trigger Trigger) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	return &Subscription{
		ctx:     ctx,
		cancel:  cancel,
		fetch:   fetch,
		trigger: trigger,
	}
}

// PollTrigger fires every interval. Engines without change feeds use it.
func PollTrigger(interval time.Duration) Trigger {
	return func(ctx context.Context) <-chan struct{} {
		ch := make(chan struct{}, 1)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
		}()
		return ch
	}
}

// Snapshots returns a lazy sequence of result sets. Nothing is read until the
// sequence is ranged over. Every range starts over with the current result
// set, so the sequence can be consumed again after a break. Unchanged result
// sets are not repeated. Query errors are yielded and the sequence keeps
// going until the consumer stops.
func (s *Subscription) Snapshots() iter.Seq2[[]Document, error] {
	return func(yield func([]Document, error) bool) {
		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()

		changes := s.trigger(ctx)
		var (
			last  []Document
			first = true
		)
		for {
			docs, err := s.fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !yield(nil, err) {
					return
				}
			} else if first || !sameDocuments(last, docs) {
				first, last = false, docs
				if !yield(docs, nil) {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			}
		}
	}
}

// Stop ends every running Snapshots sequence of this subscription.
func (s *Subscription) Stop() {
	s.cancel()
}

// Done is closed after Stop.
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

func sameDocuments(a, b []Document) bool {
	return slices.EqualFunc(a, b, func(x, y Document) bool {
		return x.Collection == y.Collection && x.ID == y.ID && bytes.Equal(x.Data, y.Data)
	})
}
