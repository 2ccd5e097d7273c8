package storage

import (
	"context"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBlobStore keeps one document per key: {_id: key, data, updatedAt, createdAt}.
type MongoBlobStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoBlobStore(ctx context.Context, uri, dbName, collName string) (*MongoBlobStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to mongo")
	}
	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, errors.Wrap(err, "cannot ping mongo")
	}

	return &MongoBlobStore{client: cli, coll: cli.Database(dbName).Collection(collName)}, nil
}

func (m *MongoBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	now := time.Now()
	_, err := m.coll.UpdateByID(
		ctx,
		key,
		bson.M{
			"$set": bson.M{
				"data":      data,
				"updatedAt": now,
			},
			"$setOnInsert": bson.M{
				"createdAt": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	return errors.Wrapf(err, "cannot upsert %q", key)
}

func (m *MongoBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	var doc struct {
		Data []byte `bson:"data"`
	}
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q", key)
	}
	return doc.Data, nil
}

func (m *MongoBlobStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": key})
	return errors.Wrapf(err, "cannot delete %q", key)
}

func (m *MongoBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "cannot list keys")
	}
	defer cur.Close(ctx)

	var keys []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "cannot decode key")
		}
		keys = append(keys, doc.ID)
	}
	return keys, cur.Err()
}

func (m *MongoBlobStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
