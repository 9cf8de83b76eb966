package outbox

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/tsid"
	"go.relaykit.dev/internal/message"
)

// MongoStore persists outbox entries in a MongoDB collection. Claims use
// findAndModify so each entry is won by exactly one worker.
type MongoStore struct {
	collection *mongo.Collection
	clk        clock.Clock
	ids        *tsid.Generator
}

// NewMongoStore creates a MongoDB-backed outbox store.
func NewMongoStore(db *mongo.Database, collectionName string, clk clock.Clock) *MongoStore {
	if collectionName == "" {
		collectionName = "outbox_entries"
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MongoStore{
		collection: db.Collection(collectionName),
		clk:        clk,
		ids:        tsid.NewGenerator(clk),
	}
}

// EnsureIndexes creates the poll and reclaim indexes. Call once at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextRetryAt", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "claimedAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("outbox: create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Add(ctx context.Context, env *message.Envelope, opts AddOptions) (*Entry, error) {
	now := s.clk.Now()
	entry := &Entry{
		ID:          s.ids.Generate(),
		Env:         env,
		Destination: opts.Destination,
		Status:      StatusPending,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.MaxRetries > 0 {
		entry.MaxRetries = opts.MaxRetries
	}
	if opts.Delay > 0 {
		entry.NextRetryAt = now.Add(opts.Delay)
	}

	if _, err := s.collection.InsertOne(ctx, entry); err != nil {
		return nil, fmt.Errorf("outbox: insert entry: %w", err)
	}
	return entry, nil
}

func (s *MongoStore) ClaimPending(ctx context.Context, limit int, owner string) ([]*Entry, error) {
	now := s.clk.Now()
	filter := bson.M{
		"status": StatusPending,
		"$or": []bson.M{
			{"nextRetryAt": bson.M{"$exists": false}},
			{"nextRetryAt": bson.M{"$lte": now}},
		},
	}
	update := bson.M{"$set": bson.M{
		"status":    StatusProcessing,
		"claimedBy": owner,
		"claimedAt": now,
		"updatedAt": now,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var claimed []*Entry
	for len(claimed) < limit {
		var entry Entry
		err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&entry)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("outbox: claim entry: %w", err)
		}
		claimed = append(claimed, &entry)
	}
	return claimed, nil
}

func (s *MongoStore) ReclaimExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.collection.UpdateMany(ctx,
		bson.M{"status": StatusProcessing, "claimedAt": bson.M{"$lt": olderThan}},
		bson.M{
			"$set":   bson.M{"status": StatusPending, "updatedAt": s.clk.Now()},
			"$unset": bson.M{"claimedBy": "", "claimedAt": ""},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: reclaim expired: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) MarkProcessed(ctx context.Context, id string) (bool, error) {
	return s.update(ctx, id, bson.M{
		"$set":   bson.M{"status": StatusProcessed, "updatedAt": s.clk.Now()},
		"$unset": bson.M{"claimedBy": ""},
	})
}

func (s *MongoStore) MarkFailed(ctx context.Context, id string, lastError string) (bool, error) {
	return s.update(ctx, id, bson.M{
		"$set":   bson.M{"status": StatusFailed, "lastError": lastError, "updatedAt": s.clk.Now()},
		"$unset": bson.M{"claimedBy": ""},
	})
}

func (s *MongoStore) UpdateRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) (bool, error) {
	return s.update(ctx, id, bson.M{
		"$set": bson.M{
			"status":      StatusPending,
			"retryCount":  retryCount,
			"nextRetryAt": nextRetryAt,
			"lastError":   lastError,
			"updatedAt":   s.clk.Now(),
		},
		"$unset": bson.M{"claimedBy": "", "claimedAt": ""},
	})
}

func (s *MongoStore) update(ctx context.Context, id string, update bson.M) (bool, error) {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return false, fmt.Errorf("outbox: update entry %s: %w", id, err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) GetPending(ctx context.Context, limit int) ([]*Entry, error) {
	return s.find(ctx, bson.M{"status": StatusPending}, limit, 1)
}

func (s *MongoStore) GetFailed(ctx context.Context, limit int) ([]*Entry, error) {
	return s.find(ctx, bson.M{"status": StatusFailed}, limit, -1)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, limit int, sortDir int) ([]*Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: sortDir}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("outbox: find entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("outbox: decode entries: %w", err)
	}
	return entries, nil
}

func (s *MongoStore) GetPendingCount(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": StatusPending})
	if err != nil {
		return 0, fmt.Errorf("outbox: count pending: %w", err)
	}
	return count, nil
}
