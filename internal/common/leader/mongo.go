package leader

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Lock is the lock document. The TTL index on expiresAt reaps abandoned
// locks so a crashed leader never blocks the next election.
type Lock struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// MongoElector elects a leader through an atomic findAndModify on a lock
// document in the leader_locks collection.
type MongoElector struct {
	*loop
	lk *mongoLock
}

// NewMongoElector creates a MongoDB-backed elector.
func NewMongoElector(db *mongo.Database, cfg Config) *MongoElector {
	lk := &mongoLock{collection: db.Collection("leader_locks"), cfg: cfg}
	return &MongoElector{loop: newLoop(cfg, lk), lk: lk}
}

// Start creates the TTL index and launches the election loop.
func (e *MongoElector) Start(ctx context.Context) error {
	_, err := e.lk.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	})
	if err != nil {
		slog.Debug("Could not create lock TTL index", "error", err)
	}
	return e.loop.Start(ctx)
}

type mongoLock struct {
	collection *mongo.Collection
	cfg        Config
}

func (l *mongoLock) acquire(ctx context.Context) bool {
	now := time.Now()

	// Upsert wins the lock when it is free, expired, or already ours.
	// A concurrent winner surfaces as a duplicate key on the upsert.
	filter := bson.M{
		"_id": l.cfg.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": l.cfg.InstanceID},
		},
	}
	update := bson.M{"$set": bson.M{
		"instanceId": l.cfg.InstanceID,
		"acquiredAt": now,
		"expiresAt":  now.Add(l.cfg.TTL),
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result Lock
	err := l.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if err != nil {
		if !mongo.IsDuplicateKeyError(err) && err != mongo.ErrNoDocuments {
			slog.Error("Failed to acquire leader lock",
				"error", err, "lockName", l.cfg.LockName)
		}
		return false
	}
	return result.InstanceID == l.cfg.InstanceID
}

func (l *mongoLock) refresh(ctx context.Context) bool {
	res, err := l.collection.UpdateOne(ctx,
		bson.M{"_id": l.cfg.LockName, "instanceId": l.cfg.InstanceID},
		bson.M{"$set": bson.M{"expiresAt": time.Now().Add(l.cfg.TTL)}})
	if err != nil {
		slog.Error("Failed to refresh leader lock",
			"error", err, "lockName", l.cfg.LockName)
		return false
	}
	return res.MatchedCount > 0
}

func (l *mongoLock) release(ctx context.Context) bool {
	res, err := l.collection.DeleteOne(ctx,
		bson.M{"_id": l.cfg.LockName, "instanceId": l.cfg.InstanceID})
	if err != nil {
		slog.Error("Failed to release leader lock",
			"error", err, "lockName", l.cfg.LockName)
		return false
	}
	return res.DeletedCount > 0
}

func (l *mongoLock) holder(ctx context.Context) (string, error) {
	var current Lock
	err := l.collection.FindOne(ctx, bson.M{
		"_id":       l.cfg.LockName,
		"expiresAt": bson.M{"$gt": time.Now()},
	}).Decode(&current)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return current.InstanceID, nil
}
