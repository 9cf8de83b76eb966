package msgstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/repository"
	"go.relaykit.dev/internal/message"
)

// MongoStore persists messages in a MongoDB collection keyed by message id.
type MongoStore struct {
	collection *mongo.Collection
	clk        clock.Clock
}

type mongoDoc struct {
	ID       string            `bson:"_id"`
	Env      *message.Envelope `bson:"message"`
	StoredAt time.Time         `bson:"storedAt"`
	Tags     map[string]string `bson:"tags,omitempty"`
}

// NewMongoStore creates a MongoDB-backed message store. A nil clock uses
// the system clock.
func NewMongoStore(db *mongo.Database, collectionName string, clk clock.Clock) *MongoStore {
	if collectionName == "" {
		collectionName = "messages"
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MongoStore{
		collection: db.Collection(collectionName),
		clk:        clk,
	}
}

// EnsureIndexes creates the query indexes. Call once at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message.kind", Value: 1}, {Key: "message.name", Value: 1}}},
		{Keys: bson.D{{Key: "storedAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("msgstore: create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Store(ctx context.Context, env *message.Envelope, opts StoreOptions) (string, error) {
	return repository.Instrument(ctx, s.collection.Name(), "store", func() (string, error) {
		doc := mongoDoc{
			ID:       env.ID,
			Env:      env,
			StoredAt: s.clk.Now(),
			Tags:     opts.Tags,
		}
		_, err := s.collection.ReplaceOne(ctx,
			bson.M{"_id": env.ID}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return "", fmt.Errorf("msgstore: store message: %w", err)
		}
		return env.ID, nil
	})
}

func (s *MongoStore) Retrieve(ctx context.Context, id string) (*message.Envelope, error) {
	return repository.Instrument(ctx, s.collection.Name(), "retrieve", func() (*message.Envelope, error) {
		var doc mongoDoc
		err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("msgstore: retrieve message: %w", err)
		}
		return doc.Env, nil
	})
}

func (s *MongoStore) Delete(ctx context.Context, id string) (bool, error) {
	return repository.Instrument(ctx, s.collection.Name(), "delete", func() (bool, error) {
		res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
		if err != nil {
			return false, fmt.Errorf("msgstore: delete message: %w", err)
		}
		return res.DeletedCount > 0, nil
	})
}

func (s *MongoStore) Exists(ctx context.Context, id string) (bool, error) {
	return repository.Instrument(ctx, s.collection.Name(), "exists", func() (bool, error) {
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
		if err != nil {
			return false, fmt.Errorf("msgstore: check message: %w", err)
		}
		return count > 0, nil
	})
}

func (s *MongoStore) Query(ctx context.Context, f Filter) ([]*Stored, error) {
	return repository.Instrument(ctx, s.collection.Name(), "query", func() ([]*Stored, error) {
		cursor, err := s.collection.Find(ctx, mongoFilter(f),
			options.Find().SetSort(bson.D{{Key: "storedAt", Value: 1}}))
		if err != nil {
			return nil, fmt.Errorf("msgstore: query messages: %w", err)
		}
		defer cursor.Close(ctx)

		var docs []mongoDoc
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, fmt.Errorf("msgstore: decode messages: %w", err)
		}
		stored := make([]*Stored, len(docs))
		for i, doc := range docs {
			stored[i] = &Stored{Env: doc.Env, StoredAt: doc.StoredAt, Tags: doc.Tags}
		}
		return stored, nil
	})
}

func (s *MongoStore) Update(ctx context.Context, id string, env *message.Envelope) (bool, error) {
	return repository.Instrument(ctx, s.collection.Name(), "update", func() (bool, error) {
		res, err := s.collection.UpdateOne(ctx,
			bson.M{"_id": id}, bson.M{"$set": bson.M{"message": env}})
		if err != nil {
			return false, fmt.Errorf("msgstore: update message: %w", err)
		}
		return res.MatchedCount > 0, nil
	})
}

func (s *MongoStore) Count(ctx context.Context, f Filter) (int64, error) {
	return repository.Instrument(ctx, s.collection.Name(), "count", func() (int64, error) {
		count, err := s.collection.CountDocuments(ctx, mongoFilter(f))
		if err != nil {
			return 0, fmt.Errorf("msgstore: count messages: %w", err)
		}
		return count, nil
	})
}

func (s *MongoStore) Clear(ctx context.Context) error {
	return repository.InstrumentVoid(ctx, s.collection.Name(), "clear", func() error {
		if _, err := s.collection.DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("msgstore: clear messages: %w", err)
		}
		return nil
	})
}

func mongoFilter(f Filter) bson.M {
	filter := bson.M{}
	if f.Kind != "" {
		filter["message.kind"] = f.Kind
	}
	if f.Name != "" {
		filter["message.name"] = f.Name
	}
	if !f.After.IsZero() {
		filter["storedAt"] = bson.M{"$gt": f.After}
	}
	for k, v := range f.Tags {
		filter["tags."+k] = v
	}
	return filter
}
