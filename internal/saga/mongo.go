package saga

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.relaykit.dev/internal/common/clock"
)

// MongoRepository persists saga instances in a MongoDB collection. The
// version check rides on a filtered UpdateOne, so concurrent saves resolve
// without transactions.
type MongoRepository struct {
	collection *mongo.Collection
	clk        clock.Clock
}

// NewMongoRepository creates a MongoDB-backed saga repository.
func NewMongoRepository(db *mongo.Database, collectionName string, clk clock.Clock) *MongoRepository {
	if collectionName == "" {
		collectionName = "saga_instances"
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MongoRepository{collection: db.Collection(collectionName), clk: clk}
}

// EnsureIndexes creates the timeout poller index. Call once at startup.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "isCompleted", Value: 1}, {Key: "timeoutAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("saga: create indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository) Load(ctx context.Context, sagaType, correlationID string) (*Instance, error) {
	var inst Instance
	err := r.collection.FindOne(ctx, bson.M{"_id": InstanceKey(sagaType, correlationID)}).Decode(&inst)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("saga: load instance: %w", err)
	}
	return &inst, nil
}

func (r *MongoRepository) Save(ctx context.Context, inst *Instance, expectedVersion int64) (bool, error) {
	now := r.clk.Now()

	if expectedVersion == 0 {
		inst.Version = 1
		inst.UpdatedAt = now
		_, err := r.collection.InsertOne(ctx, inst)
		if mongo.IsDuplicateKeyError(err) {
			inst.Version = 0
			return false, nil
		}
		if err != nil {
			inst.Version = 0
			return false, fmt.Errorf("saga: insert instance: %w", err)
		}
		return true, nil
	}

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": inst.Key, "version": expectedVersion},
		bson.M{"$set": bson.M{
			"currentState":      inst.CurrentState,
			"data":              inst.Data,
			"version":           expectedVersion + 1,
			"isCompleted":       inst.IsCompleted,
			"compensatedReason": inst.CompensatedReason,
			"timeoutAt":         inst.TimeoutAt,
			"updatedAt":         now,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("saga: save instance: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, nil
	}
	inst.Version = expectedVersion + 1
	inst.UpdatedAt = now
	return true, nil
}

func (r *MongoRepository) GetExpired(ctx context.Context, now time.Time, limit int) ([]*Instance, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "timeoutAt", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := r.collection.Find(ctx, bson.M{
		"isCompleted": false,
		"timeoutAt":   bson.M{"$ne": nil, "$lte": now},
	}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("saga: find expired: %w", err)
	}
	defer cursor.Close(ctx)

	var instances []*Instance
	if err := cursor.All(ctx, &instances); err != nil {
		return nil, fmt.Errorf("saga: decode instances: %w", err)
	}
	return instances, nil
}
