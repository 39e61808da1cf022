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

import "errors"

// Error taxonomy surfaced to callers of the engine-facing operations.
//
// Conflict is internal to the engine: a DurableStore conditional-write
// predicate violation, always interpreted locally by TransactionEngine and
// never surfaced past it (see Submit's rollback handling).
var (
	// ErrBadInput indicates a request failed validation before touching
	// the Memcache or DurableStore. Never retried.
	ErrBadInput = errors.New("bad input")
	// ErrUnauthorized indicates a bundle lock was not owned by the caller.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound indicates a requested snapshot does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a conditional write's predicate was violated.
	ErrConflict = errors.New("conflict")
	// ErrTransient indicates a DurableStore/blob-store call failed for a
	// reason expected to be transient (network, throttling, ...).
	ErrTransient = errors.New("transient write failure")
	// ErrInternal indicates an invariant violation that should not occur
	// in steady state (unknown predicate, missing user record, ...).
	ErrInternal = errors.New("internal error")
)
