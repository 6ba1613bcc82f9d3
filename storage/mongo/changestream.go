package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/trezcool/masomo-realtime/core"
	"github.com/trezcool/masomo-realtime/core/realtime"
)

// ChangeStreamSource opens database-wide change streams.
type ChangeStreamSource struct {
	db     *mongo.Database
	logger core.Logger
}

var _ realtime.Source = (*ChangeStreamSource)(nil)

func NewChangeStreamSource(db *mongo.Database, logger core.Logger) *ChangeStreamSource {
	return &ChangeStreamSource{db: db, logger: logger}
}

// Subscribe watches every collection of the database for the filtered operation kinds.
func (s *ChangeStreamSource) Subscribe(ctx context.Context, filter realtime.Filter) (realtime.Subscription, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.db.Watch(ctx, matchOperations(filter), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "watching database %q", s.db.Name())
	}
	return newSubscription(ctx, changeStream{cs}, s.logger), nil
}

// matchOperations builds the $match stage restricting the stream to the filter's operation kinds.
func matchOperations(filter realtime.Filter) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: filter.Names()}}},
		}}},
	}
}

// decodeChange maps a change stream document to a ChangeEvent.
// The payload is the whole change document as relaxed extended JSON.
func decodeChange(doc bson.Raw) (realtime.ChangeEvent, error) {
	var ev realtime.ChangeEvent

	opVal, err := doc.LookupErr("operationType")
	if err != nil {
		return ev, errors.Wrap(err, "looking up operationType")
	}
	op, ok := opVal.StringValueOK()
	if !ok {
		return ev, errors.Errorf("operationType is a %v, not a string", opVal.Type)
	}
	ev.Operation = realtime.OperationKind(op)

	if collVal, err := doc.LookupErr("ns", "coll"); err == nil {
		ev.RoutingKey, _ = collVal.StringValueOK()
	}

	payload, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return ev, errors.Wrap(err, "encoding change document")
	}
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}

// stream is the part of *mongo.ChangeStream a subscription consumes.
type stream interface {
	Next(ctx context.Context) bool
	Raw() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

type changeStream struct {
	*mongo.ChangeStream
}

func (cs changeStream) Raw() bson.Raw { return cs.Current }

type subscription struct {
	stream  stream
	changes chan realtime.ChangeEvent
	cancel  context.CancelFunc
	logger  core.Logger

	mu      sync.Mutex
	err     error
	closing bool
}

var _ realtime.Subscription = (*subscription)(nil)

func newSubscription(ctx context.Context, st stream, logger core.Logger) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		stream:  st,
		changes: make(chan realtime.ChangeEvent),
		cancel:  cancel,
		logger:  logger,
	}
	go sub.run(ctx)
	return sub
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.changes)
	defer func() { _ = s.stream.Close(context.Background()) }()

	for s.stream.Next(ctx) {
		ev, err := decodeChange(s.stream.Raw())
		if err != nil {
			s.logger.Warn(fmt.Sprintf("skipping change document: %v", err), err)
			continue
		}
		select {
		case s.changes <- ev:
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		}
	}
	s.finish(s.stream.Err())
}

func (s *subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		err = nil
	}
	s.err = err
}

func (s *subscription) Changes() <-chan realtime.ChangeEvent { return s.changes }

// Err is meaningful once Changes is closed. Closing the subscription is not an error.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	return nil
}
