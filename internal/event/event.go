// Package event carries post-commit notifications out of the dispatcher and
// the enrichment pipeline. Publishers run after the state change is durable;
// a failing publisher never rolls anything back.
package event

import (
	"context"
	"errors"
	"time"
)

// Type names what happened.
type Type string

const (
	ExecutionCompleted Type = "execution.completed"
	FeedSyncFailed     Type = "feed.sync_failed"
	IOCStatusChanged   Type = "ioc.status_changed"
)

// Event is one committed state transition.
type Event struct {
	Type     Type           `json:"type"`
	TenantID string         `json:"tenant_id"`
	Subject  string         `json:"subject"`
	From     string         `json:"from,omitempty"`
	To       string         `json:"to"`
	At       time.Time      `json:"at"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Publisher receives committed events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

type nop struct{}

func (nop) Publish(context.Context, Event) error { return nil }

// Nop discards events.
func Nop() Publisher { return nop{} }

// Multi fans an event out to every publisher and joins their errors.
func Multi(ps ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, e Event) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Publish(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
