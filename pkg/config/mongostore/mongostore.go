package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/config/configstore"
	"github.com/andrej220/fleetexec/pkg/lg"
)

// Ensure MongoStore implements the ConfigStore interface
var _ configstore.ConfigStore = (*MongoStore)(nil)

const opTimeout = 10 * time.Second

type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string // document id, usually the service name
	logger     lg.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(uri, dbName, collName, id string, logger lg.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = lg.Discard
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}

	//  ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "failed to ping MongoDB")
	}

	watchCtx, stop := context.WithCancel(context.Background())
	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
		logger:     logger,
		ctx:        watchCtx,
		cancel:     stop,
	}, nil
}

func (m *MongoStore) Load(out any) error {
	if out == nil {
		return errors.New("Load: output parameter must not be nil")
	}
	ctx, cancel := context.WithTimeout(m.ctx, opTimeout)
	defer cancel()

	res := m.Collection.FindOne(ctx, bson.M{"_id": m.ID})
	if err := res.Err(); err != nil {
		if err == mongo.ErrNoDocuments {
			return errors.Newf("document with ID %q not found", m.ID)
		}
		return errors.Wrap(err, "MongoDB FindOne failed")
	}
	if err := res.Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode document")
	}
	return nil
}

func (m *MongoStore) Save(in any) error {
	if in == nil {
		return errors.New("Save: input parameter must not be nil")
	}
	ctx, cancel := context.WithTimeout(m.ctx, opTimeout)
	defer cancel()

	_, err := m.Collection.ReplaceOne(ctx, bson.M{"_id": m.ID}, in, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "Save: MongoDB ReplaceOne failed")
	}
	return nil
}

// Watch follows a change stream on the document. Change streams need a
// replica set; on a standalone server Watch returns the driver error.
func (m *MongoStore) Watch(onChange func()) error {
	if onChange == nil {
		return errors.New("onChange callback cannot be nil")
	}
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": m.ID}}}}
	stream, err := m.Collection.Watch(m.ctx, pipeline)
	if err != nil {
		return errors.Wrapf(err, "watch config document %q", m.ID)
	}
	go func() {
		defer stream.Close(context.Background())
		for stream.Next(m.ctx) {
			m.logger.Debug("config document changed", lg.String("id", m.ID))
			onChange()
		}
		if err := stream.Err(); err != nil && m.ctx.Err() == nil {
			m.logger.Warn("config change stream ended", lg.String("id", m.ID), lg.Err(err))
		}
	}()
	return nil
}

func (m *MongoStore) Close() error {
	m.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return m.Client.Disconnect(ctx)
}
