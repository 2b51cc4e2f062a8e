package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/atniptw/stepflow/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.Event
	filter Filter
}

// MemoryHub is an in-memory Hub backed by channels. Optional sinks
// receive every event before fan-out; sink failures are logged, never
// propagated, so a broken archive cannot stall a workflow.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	sinks  []Sink
	logger *slog.Logger
}

// NewMemoryHub creates a hub that fans events out to subscribers and the
// given sinks.
func NewMemoryHub(logger *slog.Logger, sinks ...Sink) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		sinks:  sinks,
		logger: logger,
	}
}

// Publish sends an event to the sinks and all matching subscribers.
// Non-blocking toward subscribers: a full channel drops the event.
func (h *MemoryHub) Publish(ctx context.Context, event schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, sink := range h.sinks {
		if err := sink.Record(ctx, event); err != nil {
			h.logger.Warn("event sink rejected event",
				"event_type", event.Type, "session_id", event.SessionID, "error", err)
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel
// function removes the subscription; the channel is never closed by the
// hub.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.Event, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

func matchFilter(f Filter, e schema.Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
