// Package events provides pub/sub for workflow lifecycle events.
package events

import (
	"context"

	"github.com/atniptw/stepflow/pkg/schema"
)

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	SessionID string   `json:"session_id,omitempty"`
	Types     []string `json:"types,omitempty"`
}

// Hub provides pub/sub for workflow lifecycle events.
type Hub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error)
}

// Sink receives every published event, typically for durable storage.
// Sinks run synchronously on the publish path and must be fast.
type Sink interface {
	Record(ctx context.Context, event schema.Event) error
}
