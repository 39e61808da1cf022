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

import "time"

const (
	// DefaultMaxItemBytes is used if no WithMaxItemBytes option is provided.
	DefaultMaxItemBytes = 400 * 1024
	// DefaultMaxBatchBytes is used if no WithMaxBatchBytes option is provided.
	DefaultMaxBatchBytes = 10 * 1024 * 1024
	// DefaultMaxBatchDeletes is used if no WithMaxBatchDeletes option is provided.
	DefaultMaxBatchDeletes = 100
	// DefaultBundleLockLeaseSeconds is used if no WithBundleLockLease option is provided.
	DefaultBundleLockLeaseSeconds = 30
	// defaultRollbackWorkers sizes the background fire-and-forget rollback pool.
	defaultRollbackWorkers = 8
	// defaultRollbackQueueSize bounds the number of rollbacks awaiting a worker.
	defaultRollbackQueueSize = 1024
)

// Options holds the construction-time configuration for an Engine.
type Options struct {
	MaxItemBytes     int
	MaxBatchBytes    int
	MaxBatchDeletes  int
	BundleLockLease  time.Duration
	RollbackWorkers  int
	RollbackQueueCap int

	// BlobBucketName is the bucket the engine passes to the DurableStore's
	// object calls. DurableTableName and UserTableName are recorded here but
	// not read by the engine; storage/dynamo takes its table names from
	// dynamo.Config.
	DurableTableName string
	BlobBucketName   string
	UserTableName    string
}

// resolveOptions turns a variadic array of options into a fully-populated
// Options instance, following the teacher's resolveAppendOptions pattern.
func resolveOptions(opts ...func(*Options)) *Options {
	o := &Options{
		MaxItemBytes:     DefaultMaxItemBytes,
		MaxBatchBytes:    DefaultMaxBatchBytes,
		MaxBatchDeletes:  DefaultMaxBatchDeletes,
		BundleLockLease:  DefaultBundleLockLeaseSeconds * time.Second,
		RollbackWorkers:  defaultRollbackWorkers,
		RollbackQueueCap: defaultRollbackQueueSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithMaxItemBytes overrides the per-record size cap (spec.md §4.4).
func WithMaxItemBytes(n int) func(*Options) {
	return func(o *Options) { o.MaxItemBytes = n }
}

// WithMaxBatchBytes overrides the per-batch total size cap.
func WithMaxBatchBytes(n int) func(*Options) {
	return func(o *Options) { o.MaxBatchBytes = n }
}

// WithMaxBatchDeletes overrides the per-batch delete count cap.
func WithMaxBatchDeletes(n int) func(*Options) {
	return func(o *Options) { o.MaxBatchDeletes = n }
}

// WithBundleLockLease overrides SECONDS_ALLOWED_TO_KEEP_BUNDLE_LOCK.
func WithBundleLockLease(d time.Duration) func(*Options) {
	return func(o *Options) { o.BundleLockLease = d }
}

// WithTableNames sets DurableTableName, BlobBucketName and UserTableName.
func WithTableNames(durableTable, blobBucket, userTable string) func(*Options) {
	return func(o *Options) {
		o.DurableTableName = durableTable
		o.BlobBucketName = blobBucket
		o.UserTableName = userTable
	}
}
