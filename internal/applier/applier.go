// Package applier turns an ordered stream of transaction batches into
// writes against the local table store. Dirty batches are applied directly
// against the pool with no isolation, while transactional batches get a
// dedicated transaction run on its own ephemeral goroutine; Apply still
// waits for that commit (or for ctx to end) before it returns.
package applier

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/internal/store"
)

// Applier applies batches to the local table store.
type Applier struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	pending sync.WaitGroup
}

// New creates an Applier writing to pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Applier {
	return &Applier{
		pool:   pool,
		logger: logger.With().Str("component", "applier").Logger(),
	}
}

// Apply applies one batch and returns once it is durable (or has failed).
// Dirty batches are applied synchronously and inline; transactional batches
// run in their own transaction on a dedicated goroutine. Apply mode is
// chosen per batch, not per shard.
func (a *Applier) Apply(ctx context.Context, b rlogtypes.Batch) error {
	switch b.Kind {
	case rlogtypes.TxDirty:
		return a.applyDirty(ctx, b)
	case rlogtypes.TxTransactional:
		return a.applyTransactional(ctx, b)
	default:
		return fmt.Errorf("applier: unknown batch kind %v for tx %s", b.Kind, b.TxID)
	}
}

func (a *Applier) applyDirty(ctx context.Context, b rlogtypes.Batch) error {
	if err := store.ApplyOps(ctx, a.pool, b.Ops); err != nil {
		return fmt.Errorf("apply dirty batch %s: %w", b.TxID, err)
	}
	return nil
}

// applyTransactional runs the batch's ops inside a dedicated transaction on
// its own goroutine. It still blocks the caller until the commit completes
// or ctx is done: per-shard ordering requires the ingestion loop to wait for
// one batch to land before admitting the next, so the replica's event loop
// handles no other event in the meantime. If ctx ends first, Apply returns
// ctx.Err() while the commit goroutine runs on; Wait covers that goroutine.
func (a *Applier) applyTransactional(ctx context.Context, b rlogtypes.Batch) error {
	errCh := make(chan error, 1)

	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		errCh <- a.runTx(ctx, b)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("apply transactional batch %s: %w", b.TxID, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Applier) runTx(ctx context.Context, b rlogtypes.Batch) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := store.ApplyOps(ctx, tx, b.Ops); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Wait blocks until every in-flight transactional apply has completed,
// including one whose Apply call already returned because ctx was done.
func (a *Applier) Wait() {
	a.pending.Wait()
}
