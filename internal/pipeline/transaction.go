package pipeline

import (
	"context"
	"log/slog"

	"go.relaykit.dev/internal/message"
)

// IsolationLevel selects the transaction isolation requested from the
// storage provider. Providers map levels they do not support to the
// nearest stronger level.
type IsolationLevel string

const (
	IsolationDefault        IsolationLevel = "DEFAULT"
	IsolationReadCommitted  IsolationLevel = "READ_COMMITTED"
	IsolationRepeatableRead IsolationLevel = "REPEATABLE_READ"
	IsolationSerializable   IsolationLevel = "SERIALIZABLE"
)

// UnitOfWork is a transaction handle. Commit is called exactly once on
// success; Rollback exactly once on failure. Implementations are supplied
// by storage adapter packages.
type UnitOfWork interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UnitOfWorkFactory opens transactions on the underlying storage provider.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context, isolation IsolationLevel) (UnitOfWork, error)
}

// transactionDecorator opens a unit of work around the inner processor,
// committing on Success and rolling back on Failure. A nested invocation
// joins the ambient transaction instead of opening a second one.
type transactionDecorator struct {
	factory   UnitOfWorkFactory
	isolation IsolationLevel
	inner     Processor
}

func newTransactionDecorator(factory UnitOfWorkFactory, isolation IsolationLevel, inner Processor) *transactionDecorator {
	if isolation == "" {
		isolation = IsolationDefault
	}
	return &transactionDecorator{factory: factory, isolation: isolation, inner: inner}
}

func (d *transactionDecorator) Process(ctx context.Context, env *message.Envelope, pc *Context) Outcome {
	if out, done := cancelledOutcome(ctx); done {
		return out
	}

	// Join the ambient transaction when one is already open.
	if pc.UnitOfWorkOf() != nil {
		return d.inner.Process(ctx, env, pc)
	}

	tx, err := d.factory.Begin(ctx, d.isolation)
	if err != nil {
		return FromError(err, FailureTransient)
	}

	restore := pc.setUnitOfWork(tx)
	defer restore()

	outcome := d.inner.Process(ctx, env, pc)

	if outcome.IsFailure() {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.Error("Transaction rollback failed", "error", rbErr, "messageId", env.ID)
		}
		return outcome
	}

	if err := tx.Commit(ctx); err != nil {
		return FromError(err, FailureTransient)
	}
	return outcome
}
