package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.relaykit.dev/internal/common/clock"
)

// MongoStore persists scheduled messages in a MongoDB collection. Claims
// use per-document FindOneAndUpdate, so concurrent pollers never deliver
// the same message twice.
type MongoStore struct {
	collection *mongo.Collection
	clk        clock.Clock
}

// NewMongoStore creates a MongoDB-backed scheduled-message store.
func NewMongoStore(db *mongo.Database, collectionName string, clk clock.Clock) *MongoStore {
	if collectionName == "" {
		collectionName = "scheduled_messages"
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MongoStore{collection: db.Collection(collectionName), clk: clk}
}

// EnsureIndexes creates the due-time and reclaim indexes. Call once at
// startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduledFor", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "claimedAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("scheduler: create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Add(ctx context.Context, msg *ScheduledMessage) error {
	if _, err := s.collection.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("scheduler: insert message: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*ScheduledMessage, error) {
	var msg ScheduledMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: find message: %w", err)
	}
	return &msg, nil
}

func (s *MongoStore) ClaimDue(ctx context.Context, deadline time.Time, limit int, owner string) ([]*ScheduledMessage, error) {
	now := s.clk.Now()
	claimed := make([]*ScheduledMessage, 0, limit)

	// Claim one document at a time: FindOneAndUpdate is atomic per entry,
	// which is all the exclusivity the claim needs.
	for len(claimed) < limit {
		filter := bson.M{
			"status":       StatusScheduled,
			"scheduledFor": bson.M{"$lte": deadline},
		}
		update := bson.M{"$set": bson.M{
			"status":    StatusDelivering,
			"owner":     owner,
			"claimedAt": now,
		}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "scheduledFor", Value: 1}}).
			SetReturnDocument(options.After)

		var msg ScheduledMessage
		err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&msg)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("scheduler: claim message: %w", err)
		}
		claimed = append(claimed, &msg)
	}
	return claimed, nil
}

func (s *MongoStore) MarkDelivered(ctx context.Context, id string) (bool, error) {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusDelivering},
		bson.M{"$set": bson.M{
			"status":      StatusDelivered,
			"deliveredAt": s.clk.Now(),
		}, "$unset": bson.M{"owner": "", "claimedAt": ""}},
	)
	if err != nil {
		return false, fmt.Errorf("scheduler: mark delivered: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) MarkFailed(ctx context.Context, id string, lastError string) (bool, error) {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusDelivering},
		bson.M{"$set": bson.M{
			"status":    StatusFailed,
			"lastError": lastError,
		}, "$unset": bson.M{"owner": "", "claimedAt": ""}},
	)
	if err != nil {
		return false, fmt.Errorf("scheduler: mark failed: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) Reschedule(ctx context.Context, id string, nextAt time.Time) (bool, error) {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusDelivering},
		bson.M{"$set": bson.M{
			"status":       StatusScheduled,
			"scheduledFor": nextAt,
		}, "$unset": bson.M{"owner": "", "claimedAt": ""}},
	)
	if err != nil {
		return false, fmt.Errorf("scheduler: reschedule: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusScheduled},
		bson.M{"$set": bson.M{"status": StatusCancelled}},
	)
	if err != nil {
		return false, fmt.Errorf("scheduler: cancel: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) ReclaimExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.collection.UpdateMany(ctx,
		bson.M{"status": StatusDelivering, "claimedAt": bson.M{"$lt": olderThan}},
		bson.M{"$set": bson.M{"status": StatusScheduled},
			"$unset": bson.M{"owner": "", "claimedAt": ""}},
	)
	if err != nil {
		return 0, fmt.Errorf("scheduler: reclaim expired: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) GetScheduledCount(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": StatusScheduled})
	if err != nil {
		return 0, fmt.Errorf("scheduler: count scheduled: %w", err)
	}
	return count, nil
}
