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
	"io"
)

// TransactionLog is the response shape for QueryTransactionLog.
type TransactionLog struct {
	BundleSeqNo  uint64
	Transactions []Transaction
}

// DbState is a streamed snapshot download, returned by QueryDbState.
type DbState struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
}

// QueryTransactionLog serves the transaction-log tail for userID (C6 of
// SPEC_FULL.md): the current bundle watermark and every Committed
// transaction after it, taken from a single Memcache snapshot.
func (e *Engine) QueryTransactionLog(ctx context.Context, userID string) (TransactionLog, error) {
	bundleSeqNo, txs, err := e.memcache.QueryLog(ctx, userID)
	if err != nil {
		return TransactionLog{}, fmt.Errorf("%w: queryLog(%q): %v", ErrInternal, userID, err)
	}
	return TransactionLog{BundleSeqNo: bundleSeqNo, Transactions: txs}, nil
}

// QueryDbState streams the snapshot blob for userID at bundleSeqNo.
func (e *Engine) QueryDbState(ctx context.Context, userID string, bundleSeqNo uint64) (DbState, error) {
	key := bundleKey(userID, bundleSeqNo)
	body, contentLength, contentType, err := e.store.GetObject(ctx, e.opts.BlobBucketName, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DbState{}, fmt.Errorf("%w: snapshot %q", ErrNotFound, key)
		}
		return DbState{}, fmt.Errorf("%w: getObject(%q): %v", ErrTransient, key, err)
	}
	return DbState{Body: body, ContentLength: contentLength, ContentType: contentType}, nil
}
