// Package mongo wraps the MongoDB driver with connection setup and a
// session-backed unit of work used by the transaction decorator.
package mongo

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"go.relaykit.dev/internal/config"
	"go.relaykit.dev/internal/pipeline"
)

// Client wraps the MongoDB client with helper methods.
type Client struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// Connect establishes a connection to MongoDB and verifies it with a ping.
func Connect(ctx context.Context, cfg config.MongoDBConfig) (*Client, error) {
	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(100).
		SetMinPoolSize(10).
		SetMaxConnIdleTime(5 * time.Minute).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, err
	}

	slog.Info("Connected to MongoDB", "database", cfg.Database)

	return &Client{
		client:   client,
		database: client.Database(cfg.Database),
		dbName:   cfg.Database,
	}, nil
}

// Database returns the default database.
func (c *Client) Database() *mongo.Database {
	return c.database
}

// Collection returns a collection from the default database.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.database.Collection(name)
}

// Ping checks if the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Disconnect closes the MongoDB connection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// WithTransaction executes a function within a MongoDB transaction.
func (c *Client) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	session, err := c.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})

	return err
}

// UnitOfWork is a session-backed transaction handle. Commit and Rollback
// both end the session.
type UnitOfWork struct {
	session mongo.Session
}

// Commit commits the transaction and ends the session.
func (uow *UnitOfWork) Commit(ctx context.Context) error {
	defer uow.session.EndSession(ctx)
	return uow.session.CommitTransaction(ctx)
}

// Rollback aborts the transaction and ends the session.
func (uow *UnitOfWork) Rollback(ctx context.Context) error {
	defer uow.session.EndSession(ctx)
	return uow.session.AbortTransaction(ctx)
}

// Begin opens a unit of work. MongoDB transactions run at snapshot
// isolation regardless of the requested level, so the level is accepted
// and ignored.
func (c *Client) Begin(ctx context.Context, _ pipeline.IsolationLevel) (pipeline.UnitOfWork, error) {
	session, err := c.client.StartSession()
	if err != nil {
		return nil, err
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, err
	}
	return &UnitOfWork{session: session}, nil
}
