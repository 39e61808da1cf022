// Copyright 2024 The VaultLog authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vaultlog

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Engine is the transaction engine (C4) and the top-level object personality
// code constructs to get at every engine-facing operation: Submit,
// SubmitBatch, QueryTransactionLog, QueryDbState, AcquireBundleLock,
// ReleaseBundleLock and UploadBundle.
type Engine struct {
	opts *Options

	memcache *Memcache
	lock     *BundleLock
	store    DurableStore
	users    UserStore

	bgCtx      context.Context
	bgCancel   context.CancelFunc
	rollbackCh chan Transaction
}

// New constructs an Engine wired over the given DurableStore and UserStore.
//
// The returned Engine owns background goroutines (fire-and-forget rollback
// workers) that run for the lifetime of the process; call Close to stop
// them.
func New(store DurableStore, users UserStore, opts ...func(*Options)) *Engine {
	o := resolveOptions(opts...)
	bgCtx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		opts:       o,
		store:      store,
		users:      users,
		lock:       NewBundleLock(o.BundleLockLease),
		bgCtx:      bgCtx,
		bgCancel:   cancel,
		rollbackCh: make(chan Transaction, o.RollbackQueueCap),
	}
	e.memcache = NewMemcache(func(ctx context.Context, userID string) ([]Transaction, error) {
		return store.QueryUserTransactions(ctx, userID)
	})

	for i := 0; i < o.RollbackWorkers; i++ {
		go e.rollbackWorker()
	}
	return e
}

// Close stops the Engine's background rollback workers. Any rollbacks
// already enqueued are still attempted before the workers exit.
func (e *Engine) Close() {
	close(e.rollbackCh)
	e.bgCancel()
}

// rollbackWorker drains rollbackCh until it is closed, processing each
// rollback in turn. Background rollback deliberately uses the Engine's own
// long-lived context rather than the context of the request that triggered
// it: the transport layer may abandon the caller's response, but a started
// transaction must still be driven to a terminal state (spec.md §5).
func (e *Engine) rollbackWorker() {
	for tx := range e.rollbackCh {
		e.processRollback(e.bgCtx, tx)
	}
}

// scheduleRollback enqueues tx for background rollback without blocking the
// caller on its outcome. If the queue is saturated, a dedicated goroutine is
// spun up so the rollback is never silently dropped (spec.md §9).
func (e *Engine) scheduleRollback(tx Transaction) {
	select {
	case e.rollbackCh <- tx:
	default:
		klog.Warningf("engine: rollback queue saturated, spawning dedicated goroutine for %s/%d", tx.UserID, tx.SequenceNo)
		go e.processRollback(e.bgCtx, tx)
	}
}

// Submit validates and writes a single transaction, returning its assigned
// sequence number.
func (e *Engine) Submit(ctx context.Context, userID, itemID string, command Command, record []byte) (uint64, error) {
	sub := Submission{UserID: userID, ItemID: itemID, Command: command, Record: record}
	if err := e.validateSubmission(sub); err != nil {
		return 0, err
	}
	return e.submitOne(ctx, sub)
}

// SubmitBatch initiates all submissions concurrently, awaits all of them,
// and returns their sequence numbers in input order.
//
// Partial failure: writes are per-transaction atomic, not per-batch. If any
// submission fails, the overall call returns an error, but submissions that
// already succeeded remain committed; the caller must inspect which items
// need retrying. The engine does not deduplicate by ItemID: a re-issued
// submission is written as a new transaction at a new sequence number.
func (e *Engine) SubmitBatch(ctx context.Context, subs []Submission) ([]uint64, error) {
	if err := e.validateBatch(subs); err != nil {
		return nil, err
	}

	results := make([]uint64, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			seq, err := e.submitOne(gctx, sub)
			if err != nil {
				return err
			}
			results[i] = seq
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// validateSubmission applies the per-item validation rules of spec.md §4.4.
func (e *Engine) validateSubmission(sub Submission) error {
	if sub.ItemID == "" {
		return fmt.Errorf("%w: itemId must be non-empty", ErrBadInput)
	}
	if len(sub.Record) > e.opts.MaxItemBytes {
		return fmt.Errorf("%w: record of %d bytes exceeds max of %d", ErrBadInput, len(sub.Record), e.opts.MaxItemBytes)
	}
	switch sub.Command {
	case Insert, Update, Delete:
	default:
		return fmt.Errorf("%w: unsupported command %q", ErrBadInput, sub.Command)
	}
	return nil
}

// validateBatch applies the per-item rules to every submission plus the
// batch-wide total-bytes and delete-count caps.
func (e *Engine) validateBatch(subs []Submission) error {
	totalBytes := 0
	deletes := 0
	for _, sub := range subs {
		if err := e.validateSubmission(sub); err != nil {
			return err
		}
		totalBytes += len(sub.Record)
		if sub.Command == Delete {
			deletes++
		}
	}
	if totalBytes > e.opts.MaxBatchBytes {
		return fmt.Errorf("%w: batch of %d bytes exceeds max of %d", ErrBadInput, totalBytes, e.opts.MaxBatchBytes)
	}
	if deletes > e.opts.MaxBatchDeletes {
		return fmt.Errorf("%w: batch has %d deletes, exceeds max of %d", ErrBadInput, deletes, e.opts.MaxBatchDeletes)
	}
	return nil
}

// submitOne runs the write algorithm of spec.md §4.4 for a single,
// already-validated submission.
func (e *Engine) submitOne(ctx context.Context, sub Submission) (uint64, error) {
	tx, err := e.memcache.PushTransaction(ctx, sub)
	if err != nil {
		return 0, fmt.Errorf("%w: pushTransaction: %v", ErrInternal, err)
	}

	err = e.store.PutTransaction(ctx, tx, InsertIfAbsent)
	if err == nil {
		if err := e.memcache.TransactionPersistedToDdb(ctx, tx); err != nil {
			klog.Errorf("engine: transactionPersistedToDdb(%s/%d): %v", tx.UserID, tx.SequenceNo, err)
		}
		return tx.SequenceNo, nil
	}

	// The write did not (as far as this call knows) durably land. Schedule
	// a rollback attempt in the background and do not let its outcome
	// affect the caller's error.
	e.scheduleRollback(tx)
	return 0, fmt.Errorf("%w: putTransaction(%s/%d): %v", ErrTransient, tx.UserID, tx.SequenceNo, err)
}

// processRollback runs the rollback algorithm of spec.md §4.4, invoked only
// after a failed durable insert.
func (e *Engine) processRollback(ctx context.Context, tx Transaction) {
	rb := Transaction{
		UserID:     tx.UserID,
		SequenceNo: tx.SequenceNo,
		ItemID:     tx.ItemID,
		Command:    Rollback,
	}

	err := e.store.PutTransaction(ctx, rb, InsertOrOverwriteIfRollback)
	switch {
	case err == nil:
		if err := e.memcache.TransactionRolledBack(ctx, rb); err != nil {
			klog.Errorf("engine: transactionRolledBack(%s/%d): %v", tx.UserID, tx.SequenceNo, err)
		}
	case errors.Is(err, ErrConflict):
		// The conditional rewrite was rejected because the existing
		// record's command is not Rollback: the original insert did
		// durably land. Treat the transaction as committed.
		klog.Infof("engine: rollback conflict for %s/%d, original insert was durable", tx.UserID, tx.SequenceNo)
		if err := e.memcache.TransactionPersistedToDdb(ctx, tx); err != nil {
			klog.Errorf("engine: transactionPersistedToDdb(%s/%d): %v", tx.UserID, tx.SequenceNo, err)
		}
	case errors.Is(err, ErrTransient):
		// The slot remains Pending in memory; a future process restart
		// (which rebuilds the Memcache from the durable store) will
		// resolve it. Never propagate this failure to the original caller.
		klog.Warningf("engine: rollback transiently failed for %s/%d, leaving Pending: %v", tx.UserID, tx.SequenceNo, err)
	default:
		klog.Errorf("engine: rollback failed unexpectedly for %s/%d: %v", tx.UserID, tx.SequenceNo, err)
	}
}
