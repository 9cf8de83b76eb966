package inbox

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/message"
)

// MongoStore persists inbox entries in a MongoDB collection. The dedupe
// key is the document _id, so racing inserts resolve on the unique index.
type MongoStore struct {
	collection *mongo.Collection
	clk        clock.Clock
}

// NewMongoStore creates a MongoDB-backed inbox store.
func NewMongoStore(db *mongo.Database, collectionName string, clk clock.Clock) *MongoStore {
	if collectionName == "" {
		collectionName = "inbox_entries"
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MongoStore{collection: db.Collection(collectionName), clk: clk}
}

// EnsureIndexes creates the status and cleanup indexes. Call once at
// startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "receivedAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("inbox: create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Add(ctx context.Context, env *message.Envelope, opts Options) (*Entry, bool, error) {
	key := opts.DedupeKey(env.ID)
	entry := &Entry{
		Key:        key,
		MessageID:  env.ID,
		Source:     opts.Source,
		Env:        env,
		Status:     StatusPending,
		ReceivedAt: s.clk.Now(),
	}

	_, err := s.collection.InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		existing, getErr := s.Get(ctx, key)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inbox: insert entry: %w", err)
	}
	return entry, true, nil
}

func (s *MongoStore) Get(ctx context.Context, key string) (*Entry, error) {
	var entry Entry
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: find entry: %w", err)
	}
	return &entry, nil
}

func (s *MongoStore) IsDuplicate(ctx context.Context, key string, window time.Duration) (bool, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return countsAsSeen(entry, s.clk.Now(), window), nil
}

func (s *MongoStore) MarkProcessed(ctx context.Context, key string) (bool, error) {
	now := s.clk.Now()
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"status": StatusProcessed, "processedAt": now}},
	)
	if err != nil {
		return false, fmt.Errorf("inbox: mark processed: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) MarkFailed(ctx context.Context, key string, processErr string) (bool, error) {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"status": StatusFailed, "error": processErr}},
	)
	if err != nil {
		return false, fmt.Errorf("inbox: mark failed: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) GetUnprocessed(ctx context.Context, limit int) ([]*Entry, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "receivedAt", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.M{"status": StatusPending}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("inbox: find unprocessed: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("inbox: decode entries: %w", err)
	}
	return entries, nil
}

func (s *MongoStore) GetUnprocessedCount(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": StatusPending})
	if err != nil {
		return 0, fmt.Errorf("inbox: count unprocessed: %w", err)
	}
	return count, nil
}

func (s *MongoStore) CleanupOldEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"status":     StatusProcessed,
		"receivedAt": bson.M{"$lt": olderThan},
	})
	if err != nil {
		return 0, fmt.Errorf("inbox: cleanup: %w", err)
	}
	return res.DeletedCount, nil
}
