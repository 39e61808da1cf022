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

// Package memory provides a dependency-free, in-process implementation of
// vaultlog.DurableStore and vaultlog.UserStore, grounded on the teacher's
// storage/posix package: a backend with no external service dependency,
// suitable for tests and local/dev wiring.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	vaultlog "github.com/vaultlog/core"
)

// object is a single stored blob.
type object struct {
	data     []byte
	contType string
}

// Store is an in-memory DurableStore and UserStore. All methods are safe
// for concurrent use.
type Store struct {
	mu sync.Mutex

	// txs[userID][sequenceNo] holds the durable record for that slot.
	txs map[string]map[uint64]vaultlog.Transaction

	// objects[bucket][key] holds a blob-store object.
	objects map[string]map[string]object

	users       map[string]vaultlog.User // by UserID
	usersByName map[string]string        // username -> UserID
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		txs:         make(map[string]map[uint64]vaultlog.Transaction),
		objects:     make(map[string]map[string]object),
		users:       make(map[string]vaultlog.User),
		usersByName: make(map[string]string),
	}
}

// PutUser registers a user record for later lookup by GetUserByID. It is a
// test/wiring helper standing in for the external user-CRUD collaborator.
func (s *Store) PutUser(u vaultlog.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u
	s.usersByName[u.Username] = u.UserID
}

// PutTransaction implements vaultlog.DurableStore.
func (s *Store) PutTransaction(_ context.Context, tx vaultlog.Transaction, pred vaultlog.Predicate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userTxs, ok := s.txs[tx.UserID]
	if !ok {
		userTxs = make(map[uint64]vaultlog.Transaction)
		s.txs[tx.UserID] = userTxs
	}

	existing, exists := userTxs[tx.SequenceNo]
	switch pred {
	case vaultlog.InsertIfAbsent:
		if exists {
			return fmt.Errorf("%w: item already exists at (%s, %d)", vaultlog.ErrConflict, tx.UserID, tx.SequenceNo)
		}
	case vaultlog.InsertOrOverwriteIfRollback:
		if exists && existing.Command != vaultlog.Rollback {
			return fmt.Errorf("%w: existing item at (%s, %d) is not a Rollback", vaultlog.ErrConflict, tx.UserID, tx.SequenceNo)
		}
	default:
		return fmt.Errorf("%w: unknown predicate %v", vaultlog.ErrInternal, pred)
	}

	userTxs[tx.SequenceNo] = tx
	return nil
}

// QueryUserTransactions implements vaultlog.DurableStore.
func (s *Store) QueryUserTransactions(_ context.Context, userID string) ([]vaultlog.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userTxs := s.txs[userID]
	out := make([]vaultlog.Transaction, 0, len(userTxs))
	for _, tx := range userTxs {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

// GetObject implements vaultlog.DurableStore.
func (s *Store) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bkt, ok := s.objects[bucket]
	if ok {
		if obj, ok := bkt[key]; ok {
			return io.NopCloser(bytes.NewReader(obj.data)), int64(len(obj.data)), obj.contType, nil
		}
	}
	return nil, 0, "", fmt.Errorf("%w: %s/%s", vaultlog.ErrNotFound, bucket, key)
}

// PutObjectStreaming implements vaultlog.DurableStore. Objects are held in
// memory, so body is read in full before it is stored.
func (s *Store) PutObjectStreaming(_ context.Context, bucket, key string, body io.Reader, contType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: reading body for %s/%s: %v", vaultlog.ErrTransient, bucket, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bkt, ok := s.objects[bucket]
	if !ok {
		bkt = make(map[string]object)
		s.objects[bucket] = bkt
	}
	bkt[key] = object{data: data, contType: contType}
	return nil
}

// GetUserByID implements vaultlog.UserStore.
func (s *Store) GetUserByID(_ context.Context, userID string) (vaultlog.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return vaultlog.User{}, fmt.Errorf("%w: user %q", vaultlog.ErrNotFound, userID)
	}
	return u, nil
}

// UpdateUserBundleSeqNo implements vaultlog.UserStore.
func (s *Store) UpdateUserBundleSeqNo(_ context.Context, username string, bundleSeqNo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.usersByName[username]
	if !ok {
		return fmt.Errorf("%w: username %q", vaultlog.ErrNotFound, username)
	}
	u := s.users[userID]
	u.BundleSeqNo = bundleSeqNo
	s.users[userID] = u
	return nil
}
