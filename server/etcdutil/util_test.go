// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package etcdutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetAndScan(t *testing.T) {
	re := require.New(t)

	_, client, closeSrv := PrepareEtcdServerAndClient(t)
	defer closeSrv()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := Get(ctx, client, "/scan/missing")
	re.ErrorIs(err, ErrEtcdKVGetNotFound)

	const keyNum = 7
	for i := 0; i < keyNum; i++ {
		_, err := client.Put(ctx, fmt.Sprintf("/scan/%04d", i), fmt.Sprintf("v%d", i))
		re.NoError(err)
	}

	val, err := Get(ctx, client, "/scan/0003")
	re.NoError(err)
	re.Equal("v3", val)

	collected := make(map[string]string)
	rev, err := Scan(ctx, client, "/scan/", "/scan0", 3, func(key string, val []byte) error {
		collected[key] = string(val)
		return nil
	})
	re.NoError(err)
	re.Greater(rev, int64(0))
	re.Len(collected, keyNum)
	re.Equal("v0", collected["/scan/0000"])
	re.Equal("v6", collected["/scan/0006"])
}
