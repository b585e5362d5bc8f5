package secretstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoBlobBackend struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// newMongoBlobBackend connects to uri and pings it before returning, the
// same fail-fast-at-construction shape the teacher uses for its Mongo blob
// store — a bad URI or unreachable cluster surfaces at startup, not on the
// first request.
func newMongoBlobBackend(ctx context.Context, uri, dbName, collName string) (*mongoBlobBackend, error) {
	if uri == "" {
		return nil, errors.New("secretstore: mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}

	coll := cli.Database(dbName).Collection(collName)
	_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return &mongoBlobBackend{client: cli, coll: coll}, nil
}

func (m *mongoBlobBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := m.coll.UpdateByID(
		ctx,
		key,
		bson.M{
			"$set":         bson.M{"data": data, "updatedAt": time.Now()},
			"$setOnInsert": bson.M{"createdAt": time.Now()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *mongoBlobBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var doc struct {
		Data []byte `bson:"data"`
	}
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	return doc.Data, err
}

func (m *mongoBlobBackend) Delete(ctx context.Context, key string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (m *mongoBlobBackend) All(ctx context.Context) (map[string][]byte, error) {
	cur, err := m.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make(map[string][]byte)
	for cur.Next(ctx) {
		var doc struct {
			ID   string `bson:"_id"`
			Data []byte `bson:"data"`
		}
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		out[doc.ID] = doc.Data
	}
	return out, cur.Err()
}

func (m *mongoBlobBackend) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
