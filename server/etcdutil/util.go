// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package etcdutil

import (
	"context"

	"github.com/CeresDB/ceresdb-catalog/pkg/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Get fetches a single value and fails if the key is missing or ambiguous.
func Get(ctx context.Context, kv clientv3.KV, key string) (string, error) {
	resp, err := kv.Get(ctx, key)
	if err != nil {
		return "", ErrEtcdKVGet.WithCause(err)
	}
	if n := len(resp.Kvs); n == 0 {
		return "", ErrEtcdKVGetNotFound
	} else if n > 1 {
		return "", ErrEtcdKVGetResponse.WithCausef("%v", resp.Kvs)
	}

	return string(resp.Kvs[0].Value), nil
}

// Scan iterates the keys in range [startKey, endKey) in batches of batchSize,
// invoking do for every key/value pair. The revision of the first batch is
// returned so callers can use it as a consistency cursor.
func Scan(ctx context.Context, kv clientv3.KV, startKey, endKey string, batchSize int, do func(key string, val []byte) error) (int64, error) {
	withRange := clientv3.WithRange(endKey)
	withLimit := clientv3.WithLimit(int64(batchSize))

	// Take a special process for the first batch.
	resp, err := kv.Get(ctx, startKey, withRange, withLimit)
	if err != nil {
		return 0, ErrEtcdKVGet.WithCause(err)
	}
	revision := resp.Header.GetRevision()
	if len(resp.Kvs) == 0 {
		return revision, nil
	}

	doIfNotEndKey := func(key, val []byte) error {
		keyStr := string(key)
		if keyStr == endKey {
			return nil
		}

		return do(keyStr, val)
	}

	for _, item := range resp.Kvs {
		if err := doIfNotEndKey(item.Key, item.Value); err != nil {
			return revision, err
		}
	}

	lastKeyInPrevBatch := string(resp.Kvs[len(resp.Kvs)-1].Key)
	// The following batches always contain one key of the previous batch, so the limit is batchSize + 1.
	withLimit = clientv3.WithLimit(int64(batchSize + 1))
	// Pin all following batches to the first batch's revision so the whole scan is a consistent snapshot.
	withRev := clientv3.WithRev(revision)
	for {
		if lastKeyInPrevBatch == endKey {
			log.Warn("stop scanning because the end key is reached", zap.String("endKey", endKey))
			return revision, nil
		}
		startKey = lastKeyInPrevBatch

		resp, err := kv.Get(ctx, startKey, withRange, withLimit, withRev)
		if err != nil {
			return revision, ErrEtcdKVGet.WithCause(err)
		}

		select {
		case <-ctx.Done():
			return revision, ctx.Err()
		default:
		}

		if len(resp.Kvs) <= 1 {
			// The only key is `startKey` which is processed already.
			return revision, nil
		}

		// Skip the first key which is processed already.
		for _, item := range resp.Kvs[1:] {
			if err := doIfNotEndKey(item.Key, item.Value); err != nil {
				return revision, err
			}
		}

		// Check whether the keys are exhausted.
		if len(resp.Kvs) < batchSize {
			return revision, nil
		}

		lastKeyInPrevBatch = string(resp.Kvs[len(resp.Kvs)-1].Key)
	}
}
