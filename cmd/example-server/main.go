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

// example-server is a minimal personality showing how to wire the vaultlog
// engine over the AWS (DynamoDB + S3) storage driver. It is not a transport:
// HTTP/WebSocket routing, auth and session issuance are out of scope of this
// module (spec.md §1) and are left to the real personality binary that would
// embed this wiring.
package main

import (
	"context"
	"flag"

	"k8s.io/klog/v2"

	vaultlog "github.com/vaultlog/core"
	"github.com/vaultlog/core/storage/dynamo"
)

var (
	durableTable = flag.String("durable_table", "vaultlog-transactions", "DynamoDB table for the per-user transaction log")
	userTable    = flag.String("user_table", "vaultlog-users", "DynamoDB table for user records")
	bucket       = flag.String("bucket", "vaultlog-bundles", "S3 bucket for bundle snapshots")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	store, err := dynamo.New(ctx, dynamo.Config{
		DurableTable: *durableTable,
		UserTable:    *userTable,
		Bucket:       *bucket,
	})
	if err != nil {
		klog.Exitf("failed to create dynamo store: %v", err)
	}

	engine := vaultlog.New(store, store, vaultlog.WithTableNames(*durableTable, *bucket, *userTable))
	defer engine.Close()

	klog.Infof("vaultlog engine ready, durable table %q, user table %q, bucket %q", *durableTable, *userTable, *bucket)

	// A real personality would now register HTTP/WebSocket handlers that
	// call engine.Submit, engine.SubmitBatch, engine.QueryTransactionLog,
	// engine.QueryDbState, engine.AcquireBundleLock, engine.ReleaseBundleLock
	// and engine.UploadBundle in response to authenticated client requests.
	<-ctx.Done()
}
