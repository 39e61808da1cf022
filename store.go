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
	"io"
)

// Predicate selects which conditional-write rule a DurableStore.PutTransaction
// call should apply.
type Predicate int

const (
	// InsertIfAbsent succeeds only if no item exists at (UserID, SequenceNo).
	// DynamoDB: attribute_not_exists(user-id).
	InsertIfAbsent Predicate = iota
	// InsertOrOverwriteIfRollback succeeds if no item exists at (UserID,
	// SequenceNo), or if the existing item's Command is already Rollback.
	// DynamoDB: attribute_not_exists(user-id) OR command = :rollback.
	InsertOrOverwriteIfRollback
)

// DurableStore is the external strongly-consistent key-value store plus
// blob store that TransactionEngine and BundleCoordinator persist through.
// It is the only component in this module that touches the network; every
// other component is pure logic over in-memory state plus these calls.
//
// Implementations must return an error wrapping ErrConflict when pred is
// violated, and an error wrapping ErrTransient for any other failure to
// write or read. PutTransaction must never return ErrNotFound.
type DurableStore interface {
	// PutTransaction attempts to durably write tx, gated by pred.
	PutTransaction(ctx context.Context, tx Transaction, pred Predicate) error

	// QueryUserTransactions returns all transactions durably stored for
	// userID, ordered by SequenceNo ascending. Used only to reconstruct a
	// Memcache projection after a process restart (§3 of SPEC_FULL.md).
	QueryUserTransactions(ctx context.Context, userID string) ([]Transaction, error)

	// GetObject streams the blob stored at bucket/key. Returns an error
	// wrapping ErrNotFound if it does not exist.
	GetObject(ctx context.Context, bucket, key string) (body io.ReadCloser, contentLength int64, contentType string, err error)

	// PutObjectStreaming stores body at bucket/key, preserving contType.
	// Implementations must not buffer the entire body in memory.
	PutObjectStreaming(ctx context.Context, bucket, key string, body io.Reader, contType string) error
}

// User is the subset of the externally-owned user record this module reads
// and writes.
type User struct {
	Username    string
	UserID      string
	BundleSeqNo uint64
}

// UserStore is the external collaborator owning user CRUD. This module only
// ever reads a user record and unconditionally updates its BundleSeqNo.
type UserStore interface {
	// GetUserByID returns the user record for userID.
	GetUserByID(ctx context.Context, userID string) (User, error)
	// UpdateUserBundleSeqNo unconditionally sets bundleSeqNo on the user
	// record identified by username.
	UpdateUserBundleSeqNo(ctx context.Context, username string, bundleSeqNo uint64) error
}
