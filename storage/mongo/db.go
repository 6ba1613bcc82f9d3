// Package mongostore holds the MongoDB storage: the client and the change feed.
package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/trezcool/masomo-realtime/core"
)

// Open connects to the configured deployment and waits for it to answer.
// Change streams need a replica set (or a sharded cluster).
func Open(ctx context.Context, conf core.MongoConfig) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(conf.URI).SetAppName("masomo-realtime")
	if conf.ConnectTimeout > 0 {
		opts.SetConnectTimeout(conf.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongo")
	}
	if err = ping(ctx, client); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(ctx context.Context, client *mongo.Client) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = client.Ping(ctx, readpref.Primary())
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "DB ping cancelled")
		case <-time.After(time.Duration(attempts) * 100 * time.Millisecond):
		}
	}

	if err != nil {
		return errors.Wrap(err, "DB ping timeout")
	}
	return nil
}

// Touch inserts a heartbeat document in collection, which makes the change feed emit an insert.
func Touch(ctx context.Context, db *mongo.Database, collection string) (interface{}, error) {
	res, err := db.Collection(collection).InsertOne(ctx, bson.M{
		"kind": "heartbeat",
		"at":   time.Now().UTC(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "inserting heartbeat into %q", collection)
	}
	return res.InsertedID, nil
}
