package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/lalith-99/partyhub/internal/observ"
)

const memoryQueueSize = 64

// MemoryBroker is an in-process Feed. It serves single-instance deployments
// without Redis and the tests.
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
}

type memorySub struct {
	collection string
	filter     string
	fn         Handler
	queue      chan Change
	done       chan struct{}
	once       sync.Once
	broker     *MemoryBroker
	id         int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]*memorySub)}
}

func (b *MemoryBroker) Publish(ctx context.Context, change Change) error {
	if change.Collection == "" {
		return fmt.Errorf("publish change: empty collection")
	}

	// Snapshot under the read lock so a handler that unsubscribes cannot
	// deadlock against a blocked send.
	b.mu.RLock()
	targets := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		if matches(change, s.collection, s.filter) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.queue <- change:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, collection, filter string, fn Handler) (Subscription, error) {
	if collection == "" || fn == nil {
		return nil, fmt.Errorf("subscribe: collection and handler are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	s := &memorySub{
		collection: collection,
		filter:     filter,
		fn:         fn,
		queue:      make(chan Change, memoryQueueSize),
		done:       make(chan struct{}),
		broker:     b,
		id:         b.nextID,
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	observ.ActiveSubscriptions.Inc()
	go s.run(ctx)
	return s, nil
}

// Len reports the number of live subscriptions.
func (b *MemoryBroker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *memorySub) run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Unsubscribe()
			return
		case change := <-s.queue:
			s.fn(change)
		}
	}
}

func (s *memorySub) Unsubscribe() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
		close(s.done)
		observ.ActiveSubscriptions.Dec()
	})
}
