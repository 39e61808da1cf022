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

package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	vaultlog "github.com/vaultlog/core"
	"github.com/vaultlog/core/storage/memory"
)

func TestPutTransactionInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx := vaultlog.Transaction{UserID: "u", SequenceNo: 0, ItemID: "a", Command: vaultlog.Insert}
	if err := s.PutTransaction(ctx, tx, vaultlog.InsertIfAbsent); err != nil {
		t.Fatalf("first PutTransaction: %v", err)
	}
	if err := s.PutTransaction(ctx, tx, vaultlog.InsertIfAbsent); !errors.Is(err, vaultlog.ErrConflict) {
		t.Fatalf("second PutTransaction(InsertIfAbsent) at the same slot: err = %v, want ErrConflict", err)
	}
}

func TestPutTransactionInsertOrOverwriteIfRollback(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	insert := vaultlog.Transaction{UserID: "u", SequenceNo: 0, ItemID: "a", Command: vaultlog.Insert}
	if err := s.PutTransaction(ctx, insert, vaultlog.InsertIfAbsent); err != nil {
		t.Fatalf("seeding insert: %v", err)
	}

	rollback := vaultlog.Transaction{UserID: "u", SequenceNo: 0, ItemID: "a", Command: vaultlog.Rollback}
	if err := s.PutTransaction(ctx, rollback, vaultlog.InsertOrOverwriteIfRollback); !errors.Is(err, vaultlog.ErrConflict) {
		t.Fatalf("rollback over a non-Rollback existing record: err = %v, want ErrConflict", err)
	}

	// Once rolled back, the slot is rollback-overwritable.
	s2 := memory.New()
	if err := s2.PutTransaction(ctx, rollback, vaultlog.InsertOrOverwriteIfRollback); err != nil {
		t.Fatalf("InsertOrOverwriteIfRollback on an absent slot: %v", err)
	}
	again := vaultlog.Transaction{UserID: "u", SequenceNo: 0, ItemID: "a", Command: vaultlog.Rollback}
	if err := s2.PutTransaction(ctx, again, vaultlog.InsertOrOverwriteIfRollback); err != nil {
		t.Fatalf("InsertOrOverwriteIfRollback over an existing Rollback: %v", err)
	}
}

func TestGetObjectNotFound(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_, _, _, err := s.GetObject(ctx, "bucket", "missing-key")
	if !errors.Is(err, vaultlog.ErrNotFound) {
		t.Fatalf("GetObject on a missing key: err = %v, want ErrNotFound", err)
	}
}

func TestPutObjectStreamingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	body := strings.NewReader("hello snapshot")
	if err := s.PutObjectStreaming(ctx, "bucket", "key", body, "application/octet-stream"); err != nil {
		t.Fatalf("PutObjectStreaming: %v", err)
	}

	r, n, contType, err := s.GetObject(ctx, "bucket", "key")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer r.Close()
	if n != int64(len("hello snapshot")) {
		t.Fatalf("content length = %d, want %d", n, len("hello snapshot"))
	}
	if contType != "application/octet-stream" {
		t.Fatalf("content type = %q, want application/octet-stream", contType)
	}
}

func TestUpdateUserBundleSeqNo(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	s.PutUser(vaultlog.User{Username: "jill", UserID: "u-jill"})

	if err := s.UpdateUserBundleSeqNo(ctx, "jill", 7); err != nil {
		t.Fatalf("UpdateUserBundleSeqNo: %v", err)
	}
	u, err := s.GetUserByID(ctx, "u-jill")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if u.BundleSeqNo != 7 {
		t.Fatalf("BundleSeqNo = %d, want 7", u.BundleSeqNo)
	}
}
