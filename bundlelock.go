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
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// heldLock is the live lock state for a single user.
type heldLock struct {
	lockID     string
	acquiredAt time.Time
}

// BundleLock is a per-user advisory cooperative lock with opaque lock
// identifiers and a bounded lease (C3 of SPEC_FULL.md).
//
// The lock is advisory: BundleCoordinator never assumes exclusivity from
// holding it. It re-checks ownership at critical points but tolerates
// concurrent uploads via the bundle-sequence-number monotonicity check in
// Engine.UploadBundle. Do not substitute a distributed mutual
// exclusion primitive here: correctness comes from that monotonicity check
// and from bundle uploads being idempotent, not from this lock.
type BundleLock struct {
	mu    sync.Mutex
	locks map[string]heldLock
	lease time.Duration
	now   func() time.Time
}

// NewBundleLock returns a BundleLock whose leases expire after lease.
func NewBundleLock(lease time.Duration) *BundleLock {
	return &BundleLock{
		locks: make(map[string]heldLock),
		lease: lease,
		now:   time.Now,
	}
}

// liveLocked reports whether userID currently has a non-expired lock.
// Must be called with bl.mu held.
func (bl *BundleLock) liveLocked(userID string) (heldLock, bool) {
	l, ok := bl.locks[userID]
	if !ok {
		return heldLock{}, false
	}
	if bl.now().Sub(l.acquiredAt) > bl.lease {
		return heldLock{}, false
	}
	return l, true
}

// AcquireLock attempts to acquire the lock for userID. If no live lock
// exists (or the existing lock's lease has expired), it generates a fresh
// unguessable lockID, stores it, and returns it with ok=true. Otherwise it
// returns ok=false.
func (bl *BundleLock) AcquireLock(userID string) (lockID string, ok bool) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if _, live := bl.liveLocked(userID); live {
		return "", false
	}
	id := uuid.NewString()
	bl.locks[userID] = heldLock{lockID: id, acquiredAt: bl.now()}
	klog.V(2).Infof("bundlelock: acquired for user %q", userID)
	return id, true
}

// CallerOwnsLock reports whether a live lock for userID exists with a
// matching lockID.
func (bl *BundleLock) CallerOwnsLock(userID, lockID string) bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	l, live := bl.liveLocked(userID)
	return live && l.lockID == lockID
}

// ReleaseLock clears the lock for userID iff CallerOwnsLock would have held,
// and reports whether it did.
func (bl *BundleLock) ReleaseLock(userID, lockID string) bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	l, live := bl.liveLocked(userID)
	if !live || l.lockID != lockID {
		return false
	}
	delete(bl.locks, userID)
	klog.V(2).Infof("bundlelock: released for user %q", userID)
	return true
}
