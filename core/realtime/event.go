package realtime

import (
	"context"

	"github.com/pkg/errors"
)

// OperationKind is the kind of mutation observed on the change feed.
type OperationKind string

const (
	Insert OperationKind = "insert"
	Update OperationKind = "update"
	Delete OperationKind = "delete"
)

// AllOperations is the default subscription filter.
var AllOperations = []OperationKind{Insert, Update, Delete}

// Valid reports whether op is one of the observed mutation kinds.
func (op OperationKind) Valid() bool {
	switch op {
	case Insert, Update, Delete:
		return true
	}
	return false
}

var (
	ErrNoSource = errors.New("change feed source is required")
	ErrNoSink   = errors.New("broadcast sink is required")
)

type (
	// ChangeEvent is one mutation observed on the change feed.
	// RoutingKey is the collection name; it may be empty.
	// Payload is passed through to subscribers untouched.
	ChangeEvent struct {
		RoutingKey string
		Operation  OperationKind
		Payload    interface{}
	}

	// Filter restricts the mutation kinds delivered by a Subscription.
	Filter struct {
		Operations []OperationKind
	}

	// Subscription is a single, non-restartable view of the change feed.
	// Changes is closed when the feed ends; Err then tells an error (non-nil) from a close (nil).
	Subscription interface {
		Changes() <-chan ChangeEvent
		Err() error
		Close() error
	}

	// Source opens fresh subscriptions to the change feed.
	Source interface {
		Subscribe(ctx context.Context, filter Filter) (Subscription, error)
	}

	// Broadcaster delivers a payload to every subscriber of channel. Fire and forget.
	Broadcaster interface {
		Broadcast(channel string, payload interface{})
	}
)

// Allows reports whether the filter lets op through. An empty filter allows nothing.
func (f Filter) Allows(op OperationKind) bool {
	for _, o := range f.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Names returns the operation kinds as strings, in filter order.
func (f Filter) Names() []string {
	names := make([]string, len(f.Operations))
	for i, op := range f.Operations {
		names[i] = string(op)
	}
	return names
}
