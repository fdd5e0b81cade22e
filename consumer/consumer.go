package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/thefabric-io/redisstream"
	"github.com/thefabric-io/transactional"
)

// Handler processes a single entry. Returning nil acknowledges the entry (or
// advances the cursor in non-group mode); returning an error stops the
// current batch and surfaces the failure to the Consume caller. Handlers are
// called synchronously, at most once per delivered id, never concurrently
// with themselves.
type Handler func(id string, entry redisstream.Entry) error

// Consumer reads entries from one stream and dispatches them to a handler in
// id order, individually or as a member of a consumer group. A Consumer owns
// its store connection exclusively and runs no internal concurrency: the only
// suspension points are the blocking read and the handler itself.
type Consumer struct {
	store   Store
	stream  string
	handler Handler
	opts    Opts
	cur     cursor
	handled atomic.Int64
	stopped atomic.Bool
}

// Init constructs a Consumer after validating opts. In group mode it ensures
// the stream and group exist, failing with an ErrGroupSetup-wrapped error
// when the stream is missing and auto-creation is disabled. With
// checkpointing configured, the persisted position is loaded so the consumer
// resumes after the last entry it fully processed.
func Init(ctx context.Context, store Store, stream string, handler Handler, opts Opts) (*Consumer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", redisstream.ErrConfig)
	}

	if stream == "" {
		return nil, fmt.Errorf("%w: stream name is required", redisstream.ErrConfig)
	}

	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", redisstream.ErrConfig)
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := Consumer{
		store:   store,
		stream:  stream,
		handler: handler,
		opts:    opts,
		cur:     newCursor(opts),
	}

	if opts.groupMode() {
		if err := store.GroupCreate(ctx, stream, opts.group, opts.groupCreatePos(), opts.createStream); err != nil {
			return nil, fmt.Errorf("%w: ensure group %q on stream %q: %v", redisstream.ErrGroupSetup, opts.group, stream, err)
		}
	}

	if opts.checkpoints != nil {
		if err := c.loadCheckpoint(ctx); err != nil {
			return nil, err
		}
	}

	return &c, nil
}

// Consume runs one step of the poll, dispatch, acknowledge cycle. It blocks
// for at most the configured block timeout when no entries are available and
// returns nil on an empty batch. Entries are dispatched in increasing id
// order; a handler failure stops the batch immediately and is returned as a
// *redisstream.HandlerError, with everything dispatched before it already
// acknowledged or advanced. Transport and decode failures surface unchanged;
// the caller owns the retry policy.
func (c *Consumer) Consume(ctx context.Context) error {
	if c.stopped.Load() {
		return redisstream.ErrStopped
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if c.opts.groupMode() {
		if err := c.maybeReclaim(ctx); err != nil {
			return err
		}
	}

	batch, err := c.poll(ctx)
	if err != nil {
		return err
	}

	if len(batch) == 0 {
		return nil
	}

	// The store replies in ascending id order already; sorting keeps the
	// in-order dispatch guarantee independent of the backend.
	sort.Slice(batch, func(i, j int) bool {
		return batch[i].ID.Before(batch[j].ID)
	})

	for _, entry := range batch {
		if c.stopped.Load() {
			return redisstream.ErrStopped
		}

		if err := c.dispatch(ctx, entry); err != nil {
			return err
		}
	}

	if c.opts.checkpoints != nil {
		if err := c.saveCheckpoint(ctx); err != nil {
			return err
		}
	}

	return nil
}

// poll issues the next read. When a pending replay comes back empty, the
// consumer's own backlog is drained: the cursor flips to new entries and the
// poll is reissued within the same step.
func (c *Consumer) poll(ctx context.Context) ([]redisstream.Entry, error) {
	for {
		req := nextRequest(&c.cur, c.stream, c.opts)

		var (
			batch []redisstream.Entry
			err   error
		)

		if c.opts.groupMode() {
			batch, err = c.store.GroupRead(ctx, req)
		} else {
			batch, err = c.store.Read(ctx, req)
		}

		if err != nil {
			return nil, err
		}

		if len(batch) == 0 && c.cur.pendingReplay {
			c.cur.endPendingReplay()
			continue
		}

		return batch, nil
	}
}

func (c *Consumer) dispatch(ctx context.Context, entry redisstream.Entry) error {
	if err := c.handler(entry.ID.String(), entry); err != nil {
		return &redisstream.HandlerError{ID: entry.ID, Err: err}
	}

	c.handled.Add(1)

	if c.opts.groupMode() {
		if err := c.store.GroupAck(ctx, c.stream, c.opts.group, entry.ID); err != nil {
			// The entry stays pending on the server; a later pending replay
			// or reclaim redelivers it.
			return fmt.Errorf("acknowledge entry %s: %w", entry.ID, err)
		}

		return nil
	}

	c.cur.advance(entry.ID)

	return nil
}

// Run calls Consume until the context is cancelled, Stop is requested or a
// step fails. It adds no retry or backoff policy of its own: any error,
// including a handler failure, is returned to the caller.
func (c *Consumer) Run(ctx context.Context) error {
	c.log().WithFields(logrus.Fields{
		"stream":   c.stream,
		"group":    c.opts.group,
		"consumer": c.opts.consumerName,
	}).Info("consumer started")

	for {
		err := c.Consume(ctx)

		switch {
		case err == nil:
			continue
		case err == redisstream.ErrStopped:
			c.log().Info("consumer stopped")
			return nil
		case ctx.Err() != nil:
			c.log().Info("consumer context cancelled")
			return ctx.Err()
		default:
			c.log().WithError(err).Error("consume step failed")
			return err
		}
	}
}

// Stop requests a cooperative stop. It is checked at the start of each step
// and between entries; an in-flight handler call is never interrupted.
// Already-acknowledged progress stays valid: a new Consumer against the same
// cursor or group resumes where this one stopped.
func (c *Consumer) Stop() {
	c.stopped.Store(true)
}

// HandledCount returns how many entries the handler has processed
// successfully over the consumer's lifetime.
func (c *Consumer) HandledCount() int64 {
	return c.handled.Load()
}

// LastSeenID returns the non-group cursor: the id of the last successfully
// dispatched entry, if any.
func (c *Consumer) LastSeenID() (redisstream.StreamID, bool) {
	return c.cur.lastID, c.cur.hasLast
}

func (c *Consumer) log() *logrus.Logger {
	return c.opts.logger
}

func (c *Consumer) loadCheckpoint(ctx context.Context) error {
	tx, err := c.opts.transactional.BeginTransaction(ctx, transactional.BeginTransactionOptions{
		AccessMode:     transactional.ReadWrite,
		IsolationLevel: transactional.Serializable,
		DeferrableMode: transactional.NotDeferrable,
	})
	if err != nil {
		return err
	}

	id, found, err := c.opts.checkpoints.Load(ctx, tx, c.opts.consumerName)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return err
	}

	if found {
		c.cur.resumeAt(id)
	}

	return nil
}

func (c *Consumer) saveCheckpoint(ctx context.Context) error {
	if !c.cur.hasLast {
		return nil
	}

	tx, err := c.opts.transactional.BeginTransaction(ctx, transactional.BeginTransactionOptions{
		AccessMode:     transactional.ReadWrite,
		IsolationLevel: transactional.Serializable,
		DeferrableMode: transactional.NotDeferrable,
	})
	if err != nil {
		return err
	}

	if err := c.opts.checkpoints.Save(ctx, tx, c.opts.consumerName, c.cur.lastID); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return err
	}

	return nil
}
