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
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog/v2"
)

// ReconstructFunc knows how to rebuild a user's durable history, in
// SequenceNo order, for cold-start reconstruction of a Memcache projection.
type ReconstructFunc func(ctx context.Context, userID string) ([]Transaction, error)

// slot is a single entry in a userLog, carrying both the transaction data
// and its current lifecycle state.
type slot struct {
	tx    Transaction
	state State
}

// userLog is the per-user ordered projection described in SPEC_FULL.md §3.
// All access to a given userLog must hold mu: it is the single critical
// section per user required by spec.md §5.
type userLog struct {
	mu          sync.Mutex
	nextSeq     uint64
	slots       map[uint64]*slot
	bundleSeqNo uint64
}

// Memcache is the in-memory per-user log projection (C2 of SPEC_FULL.md).
// Different users' critical sections are independent: Memcache only takes
// its own top-level lock briefly, to find or create a userLog, and never
// holds it while touching slot state.
type Memcache struct {
	mu    sync.Mutex
	users map[string]*userLog

	reconstruct ReconstructFunc
}

// NewMemcache returns an empty Memcache. reconstruct, if non-nil, is called
// at most once per userID, the first time that user is referenced, to
// rebuild its log from the durable store (SPEC_FULL.md §3).
func NewMemcache(reconstruct ReconstructFunc) *Memcache {
	return &Memcache{
		users:       make(map[string]*userLog),
		reconstruct: reconstruct,
	}
}

// userLogFor returns the userLog for userID, lazily reconstructing it from
// the durable store on first access.
func (m *Memcache) userLogFor(ctx context.Context, userID string) (*userLog, error) {
	m.mu.Lock()
	ul, ok := m.users[userID]
	if ok {
		m.mu.Unlock()
		return ul, nil
	}
	ul = &userLog{slots: make(map[uint64]*slot)}
	// Lock ul.mu before publishing it into m.users and before releasing
	// m.mu, so a sibling goroutine that finds ul via the map above blocks
	// on ul.mu (every caller locks it immediately after userLogFor
	// returns) until reconstruction below has finished, instead of racing
	// it and allocating sequence numbers against a still-empty log.
	ul.mu.Lock()
	defer ul.mu.Unlock()
	m.users[userID] = ul
	m.mu.Unlock()

	if m.reconstruct == nil {
		return ul, nil
	}

	txs, err := m.reconstruct(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reconstruct(%q): %w", userID, err)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].SequenceNo < txs[j].SequenceNo })
	for _, tx := range txs {
		st := Committed
		if tx.Command == Rollback {
			st = RolledBack
		}
		ul.slots[tx.SequenceNo] = &slot{tx: tx, state: st}
		if tx.SequenceNo+1 > ul.nextSeq {
			ul.nextSeq = tx.SequenceNo + 1
		}
	}
	klog.V(1).Infof("memcache: reconstructed %d transactions for user %q", len(txs), userID)
	return ul, nil
}

// PushTransaction atomically allocates the next sequence number for userID
// and appends a Pending slot, returning the enriched transaction. Allocation
// and append are a single critical section per user (spec.md §4.2).
func (m *Memcache) PushTransaction(ctx context.Context, sub Submission) (Transaction, error) {
	ul, err := m.userLogFor(ctx, sub.UserID)
	if err != nil {
		return Transaction{}, err
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()

	seq := ul.nextSeq
	ul.nextSeq++
	tx := Transaction{
		UserID:     sub.UserID,
		SequenceNo: seq,
		ItemID:     sub.ItemID,
		Command:    sub.Command,
		Record:     sub.Record,
	}
	ul.slots[seq] = &slot{tx: tx, state: Pending}
	return tx, nil
}

// TransactionPersistedToDdb marks tx's slot Committed. Idempotent.
func (m *Memcache) TransactionPersistedToDdb(ctx context.Context, tx Transaction) error {
	ul, err := m.userLogFor(ctx, tx.UserID)
	if err != nil {
		return err
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()

	s, ok := ul.slots[tx.SequenceNo]
	if !ok {
		// Slot was evicted by a bundle truncation racing with a very
		// slow commit; nothing further to do.
		return nil
	}
	if s.state == RolledBack {
		return fmt.Errorf("%w: slot %d already RolledBack, cannot mark Committed", ErrInternal, tx.SequenceNo)
	}
	s.state = Committed
	return nil
}

// TransactionRolledBack marks tx's slot RolledBack, overwriting its Command
// to Rollback. Idempotent.
func (m *Memcache) TransactionRolledBack(ctx context.Context, tx Transaction) error {
	ul, err := m.userLogFor(ctx, tx.UserID)
	if err != nil {
		return err
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()

	s, ok := ul.slots[tx.SequenceNo]
	if !ok {
		return nil
	}
	s.tx.Command = Rollback
	s.state = RolledBack
	return nil
}

// GetBundleSeqNo returns the current watermark for userID, 0 if none.
func (m *Memcache) GetBundleSeqNo(ctx context.Context, userID string) (uint64, error) {
	ul, err := m.userLogFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()
	return ul.bundleSeqNo, nil
}

// GetStartingSeqNo returns bundleSeqNo+1, or 0 if bundleSeqNo is 0.
func GetStartingSeqNo(bundleSeqNo uint64) uint64 {
	if bundleSeqNo == 0 {
		return 0
	}
	return bundleSeqNo + 1
}

// GetTransactions returns a snapshot slice of userID's log from startingSeqNo
// onward, filtered to Committed entries only: Pending and RolledBack slots
// are skipped but do not shift the sequence numbers of the entries that
// follow them.
func (m *Memcache) GetTransactions(ctx context.Context, userID string, startingSeqNo uint64) ([]Transaction, error) {
	ul, err := m.userLogFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()
	return ul.committedFromLocked(startingSeqNo), nil
}

// committedFromLocked must be called with ul.mu held.
func (ul *userLog) committedFromLocked(startingSeqNo uint64) []Transaction {
	out := make([]Transaction, 0, len(ul.slots))
	for seq := startingSeqNo; seq < ul.nextSeq; seq++ {
		s, ok := ul.slots[seq]
		if !ok || s.state != Committed {
			continue
		}
		out = append(out, s.tx)
	}
	return out
}

// QueryLog atomically returns (bundleSeqNo, transactions) for userID, taken
// from the same snapshot: a reader must never observe a watermark update
// before the transaction list reflects it, or vice versa (spec.md §4.6).
func (m *Memcache) QueryLog(ctx context.Context, userID string) (uint64, []Transaction, error) {
	ul, err := m.userLogFor(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()
	bundleSeqNo := ul.bundleSeqNo
	txs := ul.committedFromLocked(GetStartingSeqNo(bundleSeqNo))
	return bundleSeqNo, txs, nil
}

// SetBundleSeqNo advances userID's watermark and evicts slots with
// SequenceNo <= bundleSeqNo from memory.
func (m *Memcache) SetBundleSeqNo(ctx context.Context, userID string, bundleSeqNo uint64) error {
	ul, err := m.userLogFor(ctx, userID)
	if err != nil {
		return err
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()

	if bundleSeqNo > ul.bundleSeqNo {
		ul.bundleSeqNo = bundleSeqNo
	}
	evicted := 0
	for seq := range ul.slots {
		if seq <= ul.bundleSeqNo {
			delete(ul.slots, seq)
			evicted++
		}
	}
	klog.V(2).Infof("memcache: user %q bundleSeqNo now %d, evicted %d slots", userID, ul.bundleSeqNo, evicted)
	return nil
}
