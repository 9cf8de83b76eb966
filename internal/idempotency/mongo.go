package idempotency

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists idempotency records in a MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed store on the given collection.
func NewMongoStore(db *mongo.Database, collectionName string) *MongoStore {
	if collectionName == "" {
		collectionName = "idempotency_records"
	}
	return &MongoStore{collection: db.Collection(collectionName)}
}

// EnsureIndexes creates the TTL index used for expiry. Call once at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("idempotency: create ttl index: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: find record: %w", err)
	}
	// The TTL monitor runs on a coarse interval; treat stale rows as absent.
	if rec.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *MongoStore) upsert(ctx context.Context, rec *Record) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": rec.Key},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("idempotency: upsert record: %w", err)
	}
	return nil
}

func (s *MongoStore) StoreSuccess(ctx context.Context, key string, value any, ttl time.Duration) error {
	now := time.Now().UTC()
	return s.upsert(ctx, &Record{
		Key:        key,
		Success:    true,
		Value:      value,
		RecordedAt: now,
		ExpiresAt:  now.Add(ttl),
	})
}

func (s *MongoStore) StoreFailure(ctx context.Context, key string, kind, message string, ttl time.Duration) error {
	now := time.Now().UTC()
	return s.upsert(ctx, &Record{
		Key:            key,
		Success:        false,
		FailureKind:    kind,
		FailureMessage: message,
		RecordedAt:     now,
		ExpiresAt:      now.Add(ttl),
	})
}

func (s *MongoStore) Exists(ctx context.Context, key string) (bool, error) {
	rec, err := s.Get(ctx, key)
	return rec != nil, err
}

func (s *MongoStore) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"expiresAt": bson.M{"$lte": time.Now().UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup: %w", err)
	}
	return res.DeletedCount, nil
}
