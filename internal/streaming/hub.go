// Package streaming fans execution events out to live subscribers, e.g. a
// CLI following a run.
package streaming

import (
	"context"
	"time"
)

// Event is one execution lifecycle event. Type is one of the schema.Event*
// constants.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	Ensemble    string         `json:"ensemble"`
	Step        string         `json:"step,omitempty"`
	Type        string         `json:"type"`
	Time        time.Time      `json:"time"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Filter selects the events a subscriber receives. Empty fields match all.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Ensemble    string   `json:"ensemble,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Publisher is the producing side of a Hub.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Hub provides pub/sub for execution events.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
