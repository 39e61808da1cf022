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
	"testing"

	vaultlog "github.com/vaultlog/core"
	"github.com/vaultlog/core/storage/memory"
)

func TestQueryDbStateNotFound(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := vaultlog.New(store, store)
	defer e.Close()

	_, err := e.QueryDbState(ctx, "nobody", 1)
	if !errors.Is(err, vaultlog.ErrNotFound) {
		t.Fatalf("QueryDbState for a missing snapshot: err = %v, want ErrNotFound", err)
	}
}

func TestQueryTransactionLogEmptyForUnknownUser(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := vaultlog.New(store, store)
	defer e.Close()

	log, err := e.QueryTransactionLog(ctx, "nobody")
	if err != nil {
		t.Fatalf("QueryTransactionLog: %v", err)
	}
	if log.BundleSeqNo != 0 || len(log.Transactions) != 0 {
		t.Fatalf("QueryTransactionLog for an unknown user = %+v, want zero value", log)
	}
}
