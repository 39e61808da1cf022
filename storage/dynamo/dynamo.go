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

// Package dynamo is the AWS-based DurableStore (C1) implementation: DynamoDB
// for the per-user transaction log and conditional writes, and S3 for bundle
// snapshot storage. It is grounded on the teacher's storage/aws package,
// generalized from "tile store + MySQL sequencer" to "transaction log +
// DynamoDB conditional writes", and retargeted from MySQL to DynamoDB
// because spec.md §6 describes the durable record schema and its
// conditional-write rules in DynamoDB's own vocabulary.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"k8s.io/klog/v2"

	vaultlog "github.com/vaultlog/core"
)

// Attribute names of the durable record schema (spec.md §6).
const (
	attrUserID     = "user-id"
	attrSequenceNo = "sequence-no"
	attrItemID     = "item-id"
	attrCommand    = "command"
	attrRecord     = "record"

	attrUsername    = "username"
	attrBundleSeqNo = "bundle-seq-no"

	// userByIDIndex is a global secondary index on the user table keyed by
	// user-id, needed because the table's primary key is username but
	// BundleCoordinator looks users up by userId (spec.md §4.5 step 3).
	userByIDIndex = "user-id-index"
)

// Config holds AWS resource configuration for a Store.
type Config struct {
	// SDKConfig is an optional AWS config to use when configuring service
	// clients, e.g. to point at a local DynamoDB/S3-compatible endpoint
	// for testing. If nil, config.LoadDefaultConfig is used.
	SDKConfig *aws.Config
	// S3Options optionally customizes the S3 client.
	S3Options func(*s3.Options)
	// DynamoDBOptions optionally customizes the DynamoDB client.
	DynamoDBOptions func(*dynamodb.Options)

	// Bucket names the S3 bucket for bundle snapshots. Store does not read
	// it: GetObject and PutObjectStreaming use the bucket they are called
	// with.
	Bucket string
	// DurableTable is the DynamoDB table used for the transaction log.
	DurableTable string
	// UserTable is the DynamoDB table used for user records.
	UserTable string
}

// Store is the AWS-backed vaultlog.DurableStore and vaultlog.UserStore.
type Store struct {
	cfg Config
	ddb *dynamodb.Client
	s3  *s3.Client
}

// New creates a Store from cfg, loading default AWS credentials/region
// configuration if cfg.SDKConfig is nil.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.SDKConfig == nil {
		sdkConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load default AWS configuration: %v", err)
		}
		cfg.SDKConfig = &sdkConfig
	}
	if cfg.S3Options == nil {
		cfg.S3Options = func(_ *s3.Options) {}
	}
	if cfg.DynamoDBOptions == nil {
		cfg.DynamoDBOptions = func(_ *dynamodb.Options) {}
	}

	return &Store{
		cfg: cfg,
		ddb: dynamodb.NewFromConfig(*cfg.SDKConfig, cfg.DynamoDBOptions),
		s3:  s3.NewFromConfig(*cfg.SDKConfig, cfg.S3Options),
	}, nil
}

// conditionFor builds the DynamoDB condition expression corresponding to pred.
func conditionFor(pred vaultlog.Predicate) (expression.ConditionBuilder, error) {
	notExists := expression.AttributeNotExists(expression.Name(attrUserID))
	switch pred {
	case vaultlog.InsertIfAbsent:
		return notExists, nil
	case vaultlog.InsertOrOverwriteIfRollback:
		isRollback := expression.Name(attrCommand).Equal(expression.Value(string(vaultlog.Rollback)))
		return notExists.Or(isRollback), nil
	default:
		return expression.ConditionBuilder{}, fmt.Errorf("%w: unknown predicate %v", vaultlog.ErrInternal, pred)
	}
}

// PutTransaction implements vaultlog.DurableStore.
func (s *Store) PutTransaction(ctx context.Context, tx vaultlog.Transaction, pred vaultlog.Predicate) error {
	cond, err := conditionFor(pred)
	if err != nil {
		return err
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("%w: building expression: %v", vaultlog.ErrInternal, err)
	}

	item := map[string]types.AttributeValue{
		attrUserID:     &types.AttributeValueMemberS{Value: tx.UserID},
		attrSequenceNo: &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", tx.SequenceNo)},
		attrItemID:     &types.AttributeValueMemberS{Value: tx.ItemID},
		attrCommand:    &types.AttributeValueMemberS{Value: string(tx.Command)},
	}
	if len(tx.Record) > 0 {
		item[attrRecord] = &types.AttributeValueMemberB{Value: tx.Record}
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.cfg.DurableTable),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return fmt.Errorf("%w: %s/%d: %v", vaultlog.ErrConflict, tx.UserID, tx.SequenceNo, err)
		}
		return fmt.Errorf("%w: putItem(%s/%d): %v", vaultlog.ErrTransient, tx.UserID, tx.SequenceNo, err)
	}
	return nil
}

// QueryUserTransactions implements vaultlog.DurableStore.
func (s *Store) QueryUserTransactions(ctx context.Context, userID string) ([]vaultlog.Transaction, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(attrUserID).Equal(expression.Value(userID))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("%w: building query expression: %v", vaultlog.ErrInternal, err)
	}

	var out []vaultlog.Transaction
	paginator := dynamodb.NewQueryPaginator(s.ddb, &dynamodb.QueryInput{
		TableName:                 aws.String(s.cfg.DurableTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: query(%q): %v", vaultlog.ErrTransient, userID, err)
		}
		for _, item := range page.Items {
			tx, err := txFromItem(item)
			if err != nil {
				return nil, fmt.Errorf("%w: unmarshalling item: %v", vaultlog.ErrInternal, err)
			}
			out = append(out, tx)
		}
	}
	klog.V(1).Infof("dynamo: reconstructed %d transactions for user %q", len(out), userID)
	return out, nil
}

// txFromItem unmarshals a DynamoDB item into a Transaction.
func txFromItem(item map[string]types.AttributeValue) (vaultlog.Transaction, error) {
	userID, ok := item[attrUserID].(*types.AttributeValueMemberS)
	if !ok {
		return vaultlog.Transaction{}, fmt.Errorf("missing or malformed %s", attrUserID)
	}
	seqAttr, ok := item[attrSequenceNo].(*types.AttributeValueMemberN)
	if !ok {
		return vaultlog.Transaction{}, fmt.Errorf("missing or malformed %s", attrSequenceNo)
	}
	var seq uint64
	if _, err := fmt.Sscanf(seqAttr.Value, "%d", &seq); err != nil {
		return vaultlog.Transaction{}, fmt.Errorf("parsing %s: %v", attrSequenceNo, err)
	}
	itemIDAttr, _ := item[attrItemID].(*types.AttributeValueMemberS)
	cmdAttr, _ := item[attrCommand].(*types.AttributeValueMemberS)

	tx := vaultlog.Transaction{
		UserID:     userID.Value,
		SequenceNo: seq,
		Command:    vaultlog.Command(cmdAttr.Value),
	}
	if itemIDAttr != nil {
		tx.ItemID = itemIDAttr.Value
	}
	if recAttr, ok := item[attrRecord].(*types.AttributeValueMemberB); ok {
		tx.Record = recAttr.Value
	}
	return tx, nil
}

// GetObject implements vaultlog.DurableStore.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, "", fmt.Errorf("%w: %s/%s", vaultlog.ErrNotFound, bucket, key)
		}
		return nil, 0, "", fmt.Errorf("%w: getObject(%s/%s): %v", vaultlog.ErrTransient, bucket, key, err)
	}

	contentLength := int64(0)
	if out.ContentLength != nil {
		contentLength = *out.ContentLength
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return out.Body, contentLength, contentType, nil
}

// PutObjectStreaming implements vaultlog.DurableStore.
//
// body is passed straight through to the SDK as an io.Reader rather than
// buffered into memory first: PutObjectInput.Body accepts an io.Reader, and
// the SDK streams it onto the wire, satisfying spec.md §5's "bundle uploads
// must stream" requirement.
func (s *Store) PutObjectStreaming(ctx context.Context, bucket, key string, body io.Reader, contType string) error {
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contType),
	})
	if err != nil {
		return fmt.Errorf("%w: putObject(%s/%s): %v", vaultlog.ErrTransient, bucket, key, err)
	}
	return nil
}

// GetUserByID implements vaultlog.UserStore, querying the user-id GSI.
func (s *Store) GetUserByID(ctx context.Context, userID string) (vaultlog.User, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(attrUserID).Equal(expression.Value(userID))).
		Build()
	if err != nil {
		return vaultlog.User{}, fmt.Errorf("%w: building query expression: %v", vaultlog.ErrInternal, err)
	}

	out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.cfg.UserTable),
		IndexName:                 aws.String(userByIDIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return vaultlog.User{}, fmt.Errorf("%w: query(%q): %v", vaultlog.ErrTransient, userID, err)
	}
	if len(out.Items) == 0 {
		return vaultlog.User{}, fmt.Errorf("%w: user %q", vaultlog.ErrNotFound, userID)
	}
	return userFromItem(out.Items[0])
}

// UpdateUserBundleSeqNo implements vaultlog.UserStore: an unconditional set.
func (s *Store) UpdateUserBundleSeqNo(ctx context.Context, username string, bundleSeqNo uint64) error {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name(attrBundleSeqNo), expression.Value(bundleSeqNo))).
		Build()
	if err != nil {
		return fmt.Errorf("%w: building update expression: %v", vaultlog.ErrInternal, err)
	}

	_, err = s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.cfg.UserTable),
		Key: map[string]types.AttributeValue{
			attrUsername: &types.AttributeValueMemberS{Value: username},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("%w: updateItem(%q): %v", vaultlog.ErrTransient, username, err)
	}
	return nil
}

// userFromItem unmarshals a DynamoDB item into a User.
func userFromItem(item map[string]types.AttributeValue) (vaultlog.User, error) {
	username, _ := item[attrUsername].(*types.AttributeValueMemberS)
	userID, _ := item[attrUserID].(*types.AttributeValueMemberS)
	if username == nil || userID == nil {
		return vaultlog.User{}, fmt.Errorf("%w: user item missing %s/%s", vaultlog.ErrInternal, attrUsername, attrUserID)
	}
	u := vaultlog.User{Username: username.Value, UserID: userID.Value}
	if seqAttr, ok := item[attrBundleSeqNo].(*types.AttributeValueMemberN); ok {
		var seq uint64
		if _, err := fmt.Sscanf(seqAttr.Value, "%d", &seq); err == nil {
			u.BundleSeqNo = seq
		}
	}
	return u, nil
}
