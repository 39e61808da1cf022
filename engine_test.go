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

package vaultlog_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	vaultlog "github.com/vaultlog/core"
	"github.com/vaultlog/core/storage/memory"
)

// flakyOnceStore wraps a *memory.Store so that the first PutTransaction call
// matching predicate actually writes through to the backing store, but
// reports ErrTransient to the caller regardless: this reproduces the "write
// lands but the durable-store call is reported as failed" race from spec.md
// §8 scenario 3.
type flakyOnceStore struct {
	*memory.Store

	mu        sync.Mutex
	triggered bool
	predicate vaultlog.Predicate
}

func (f *flakyOnceStore) PutTransaction(ctx context.Context, tx vaultlog.Transaction, pred vaultlog.Predicate) error {
	f.mu.Lock()
	fire := !f.triggered && pred == f.predicate
	if fire {
		f.triggered = true
	}
	f.mu.Unlock()

	if err := f.Store.PutTransaction(ctx, tx, pred); err != nil {
		return err
	}
	if fire {
		return fmt.Errorf("%w: simulated failure reported to caller after a successful write", vaultlog.ErrTransient)
	}
	return nil
}

func newTestEngine(t *testing.T, store *memory.Store) *vaultlog.Engine {
	t.Helper()
	e := vaultlog.New(store, store)
	t.Cleanup(e.Close)
	return e
}

func TestEngineInsertThenRead(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	seq, err := e.Submit(ctx, "alice", "item-1", vaultlog.Insert, []byte("payload"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if seq != 0 {
		t.Fatalf("first sequence number = %d, want 0", seq)
	}

	log, err := e.QueryTransactionLog(ctx, "alice")
	if err != nil {
		t.Fatalf("QueryTransactionLog: %v", err)
	}
	want := []vaultlog.Transaction{{UserID: "alice", SequenceNo: 0, ItemID: "item-1", Command: vaultlog.Insert, Record: []byte("payload")}}
	if diff := cmp.Diff(want, log.Transactions); diff != "" {
		t.Fatalf("transactions mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineSubmitBatchPreservesOrderOfSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store)

	subs := []vaultlog.Submission{
		{UserID: "bob", ItemID: "a", Command: vaultlog.Insert, Record: []byte("1")},
		{UserID: "bob", ItemID: "b", Command: vaultlog.Insert, Record: []byte("2")},
		{UserID: "bob", ItemID: "c", Command: vaultlog.Insert, Record: []byte("3")},
	}
	seqs, err := e.SubmitBatch(ctx, subs)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if diff := cmp.Diff([]uint64{0, 1, 2}, seqs); diff != "" {
		t.Fatalf("sequence numbers mismatch (-want +got):\n%s", diff)
	}

	log, err := e.QueryTransactionLog(ctx, "bob")
	if err != nil {
		t.Fatalf("QueryTransactionLog: %v", err)
	}
	if len(log.Transactions) != 3 {
		t.Fatalf("got %d transactions, want 3", len(log.Transactions))
	}
	for i, tx := range log.Transactions {
		if tx.ItemID != subs[i].ItemID {
			t.Fatalf("transaction %d has ItemID %q, want %q (order must match submission order)", i, tx.ItemID, subs[i].ItemID)
		}
	}
}

func TestEngineOversizeRecordRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := vaultlog.New(store, store, vaultlog.WithMaxItemBytes(8))
	defer e.Close()

	_, err := e.Submit(ctx, "carol", "item-1", vaultlog.Insert, []byte("this record is definitely too big"))
	if !errors.Is(err, vaultlog.ErrBadInput) {
		t.Fatalf("Submit with oversize record: err = %v, want ErrBadInput", err)
	}

	log, err := e.QueryTransactionLog(ctx, "carol")
	if err != nil {
		t.Fatalf("QueryTransactionLog: %v", err)
	}
	if len(log.Transactions) != 0 {
		t.Fatalf("got %d transactions after rejected submission, want 0", len(log.Transactions))
	}
}

func TestEngineOversizeBatchRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := vaultlog.New(store, store, vaultlog.WithMaxBatchDeletes(1))
	defer e.Close()

	subs := []vaultlog.Submission{
		{UserID: "dave", ItemID: "a", Command: vaultlog.Delete},
		{UserID: "dave", ItemID: "b", Command: vaultlog.Delete},
	}
	_, err := e.SubmitBatch(ctx, subs)
	if !errors.Is(err, vaultlog.ErrBadInput) {
		t.Fatalf("SubmitBatch with too many deletes: err = %v, want ErrBadInput", err)
	}
}

// TestEngineTransientThenCommittedRace reproduces spec.md §8 scenario 3: the
// durable write actually succeeds but the call reports a transient failure
// to the caller. The engine must schedule a rollback, which then discovers
// the existing record is not a Rollback and so treats the transaction as
// committed rather than clobbering it.
func TestEngineTransientThenCommittedRace(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	flaky := &flakyOnceStore{Store: backing, predicate: vaultlog.InsertIfAbsent}
	e := vaultlog.New(flaky, backing)
	defer e.Close()

	_, err := e.Submit(ctx, "erin", "item-1", vaultlog.Insert, []byte("payload"))
	if !errors.Is(err, vaultlog.ErrTransient) {
		t.Fatalf("Submit: err = %v, want ErrTransient", err)
	}

	// The durable write actually landed.
	txs, err := backing.QueryUserTransactions(ctx, "erin")
	if err != nil {
		t.Fatalf("QueryUserTransactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Command != vaultlog.Insert {
		t.Fatalf("durable transactions = %+v, want a single durable Insert", txs)
	}

	// Give the background rollback worker a chance to run and discover the
	// conflict, resolving the slot to Committed.
	waitForCondition(t, func() bool {
		log, err := e.QueryTransactionLog(ctx, "erin")
		if err != nil {
			t.Fatalf("QueryTransactionLog: %v", err)
		}
		return len(log.Transactions) == 1
	})
}

// TestEngineRollbackActuallyRolledBack covers a genuine durable conflict at
// submission time (as opposed to TestEngineTransientThenCommittedRace's
// report-only failure): the very first conditional write is rejected
// because the slot already holds a Rollback record, so Submit must surface
// ErrTransient while the background rollback rewrite over that record runs.
func TestEngineRollbackActuallyRolledBack(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := vaultlog.New(store, store)
	defer e.Close()

	// Build "frank"'s Memcache projection while the durable store is still
	// empty, so it does not pick up the record seeded below. The engine then
	// allocates sequence 0, its own PutTransaction(InsertIfAbsent) genuinely
	// fails against the occupied slot, and the rollback rewrite succeeds
	// because the existing record is already a Rollback.
	if _, err := e.QueryTransactionLog(ctx, "frank"); err != nil {
		t.Fatalf("QueryTransactionLog: %v", err)
	}
	if err := store.PutTransaction(ctx, vaultlog.Transaction{UserID: "frank", SequenceNo: 0, ItemID: "other", Command: vaultlog.Rollback}, vaultlog.InsertIfAbsent); err != nil {
		t.Fatalf("seeding conflicting record: %v", err)
	}

	_, err := e.Submit(ctx, "frank", "item-1", vaultlog.Insert, []byte("payload"))
	if !errors.Is(err, vaultlog.ErrTransient) {
		t.Fatalf("Submit: err = %v, want ErrTransient", err)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
