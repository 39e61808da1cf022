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
	"io"

	"k8s.io/klog/v2"
)

// bundleContentType is used for snapshot objects; the upload is an opaque
// client-encrypted blob, but the blob store still needs a content type, and
// the client is not expected to supply one at this layer.
const bundleContentType = "application/octet-stream"

// bundleKey returns the blob-store key for a user's snapshot at seqNo, per
// spec.md §6: "{userId}/{bundleSeqNo}".
func bundleKey(userID string, seqNo uint64) string {
	return fmt.Sprintf("%s/%d", userID, seqNo)
}

// AcquireBundleLock attempts to acquire the bundle upload lock for userID.
func (e *Engine) AcquireBundleLock(userID string) (lockID string, ok bool) {
	return e.lock.AcquireLock(userID)
}

// ReleaseBundleLock releases the bundle upload lock for userID iff lockID is
// the current holder.
func (e *Engine) ReleaseBundleLock(userID, lockID string) bool {
	return e.lock.ReleaseLock(userID, lockID)
}

// UploadBundle runs the bundle upload path (C5 of SPEC_FULL.md): it
// validates the lock and the proposed sequence number, streams body to the
// blob store, then advances the user record and the Memcache watermark.
//
// Two concurrent uploads at different sequence numbers are safe: the check
// against the user record admits both only if neither has yet updated it,
// and the final updates are last-write-wins, but any bundle at sequence S
// correctly reconstructs state up to S, so this is safe regardless of which
// update "wins" (spec.md §4.5).
func (e *Engine) UploadBundle(ctx context.Context, userID string, proposedBundleSeqNo uint64, lockID string, body io.Reader) error {
	if lockID == "" {
		return fmt.Errorf("%w: lockId must be provided", ErrBadInput)
	}

	if !e.lock.CallerOwnsLock(userID, lockID) {
		return fmt.Errorf("%w: caller does not hold the bundle lock for user %q", ErrUnauthorized, userID)
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: getUserByID(%q): %v", ErrInternal, userID, err)
	}
	if user.BundleSeqNo >= proposedBundleSeqNo {
		return fmt.Errorf("%w: proposedBundleSeqNo %d must be greater than current %d", ErrBadInput, proposedBundleSeqNo, user.BundleSeqNo)
	}

	key := bundleKey(userID, proposedBundleSeqNo)
	if err := e.store.PutObjectStreaming(ctx, e.opts.BlobBucketName, key, body, bundleContentType); err != nil {
		e.lock.ReleaseLock(userID, lockID)
		return fmt.Errorf("%w: putObjectStreaming(%q): %v", ErrTransient, key, err)
	}

	if err := e.users.UpdateUserBundleSeqNo(ctx, user.Username, proposedBundleSeqNo); err != nil {
		e.lock.ReleaseLock(userID, lockID)
		return fmt.Errorf("%w: updateUserBundleSeqNo(%q): %v", ErrTransient, user.Username, err)
	}
	if err := e.memcache.SetBundleSeqNo(ctx, userID, proposedBundleSeqNo); err != nil {
		klog.Errorf("bundle: setBundleSeqNo(%q, %d): %v", userID, proposedBundleSeqNo, err)
	}

	e.lock.ReleaseLock(userID, lockID)
	klog.Infof("bundle: uploaded snapshot for user %q at seq %d", userID, proposedBundleSeqNo)
	return nil
}
