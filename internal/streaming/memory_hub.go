package streaming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// ErrHubClosed is returned by Subscribe and Publish after Close.
var ErrHubClosed = errors.New("event hub closed")

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
	once   sync.Once
}

// MemoryHub is an in-process EventHub.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	closed bool
	buffer int

	seq     atomic.Uint64
	dropped atomic.Int64
}

// NewMemoryHub creates a hub whose subscriber channels hold buffer events.
// A buffer <= 0 uses the default of 64.
func NewMemoryHub(buffer ...int) *MemoryHub {
	h := &MemoryHub{subs: make(map[uint64]*subscriber), buffer: defaultChannelBuffer}
	if len(buffer) > 0 && buffer[0] > 0 {
		h.buffer = buffer[0]
	}
	return h
}

// Publish delivers event to every matching subscriber without blocking.
// Events for a full subscriber are dropped and counted.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}

	for _, sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The subscription ends, and its
// channel is closed, on cancel or when ctx is done.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan StreamEvent, h.buffer), filter: filter}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	stop := context.AfterFunc(ctx, cancel)

	return sub.ch, func() {
		stop()
		cancel()
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}

// Close ends every subscription. Later Publish and Subscribe calls fail.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}
