// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.
// Copyright 2017 TiKV Project Authors.
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

// fork from: https://github.com/tikv/pd/blob/master/server/storage/kv/etcd_kv.go

package remote

import (
	"time"

	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/net/context"
)

const slowRequestTime = time.Second

// etcdKV scopes every plain request with the configured timeout and logs the
// slow ones.
type etcdKV struct {
	client *clientv3.Client

	requestTimeout time.Duration
}

func newEtcdKV(client *clientv3.Client, requestTimeout time.Duration) *etcdKV {
	return &etcdKV{
		client:         client,
		requestTimeout: requestTimeout,
	}
}

func (kv *etcdKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, kv.requestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := kv.client.Get(ctx, key, opts...)
	if cost := time.Since(start); cost > slowRequestTime {
		log.Warn("kv gets too slow", zap.String("key", key), zap.Duration("cost", cost), zap.Error(err))
	}
	return resp, err
}

// Txn returns a txn wrapper which applies the request timeout at commit and
// logs slow commits.
func (kv *etcdKV) Txn(ctx context.Context) clientv3.Txn {
	ctx, cancel := context.WithTimeout(ctx, kv.requestTimeout)
	return &slowLogTxn{
		Txn:    kv.client.Txn(ctx),
		cancel: cancel,
	}
}

type slowLogTxn struct {
	clientv3.Txn
	cancel context.CancelFunc
}

func (t *slowLogTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	return &slowLogTxn{
		Txn:    t.Txn.If(cs...),
		cancel: t.cancel,
	}
}

func (t *slowLogTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	return &slowLogTxn{
		Txn:    t.Txn.Then(ops...),
		cancel: t.cancel,
	}
}

func (t *slowLogTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	return &slowLogTxn{
		Txn:    t.Txn.Else(ops...),
		cancel: t.cancel,
	}
}

func (t *slowLogTxn) Commit() (*clientv3.TxnResponse, error) {
	start := time.Now()
	resp, err := t.Txn.Commit()
	t.cancel()

	if cost := time.Since(start); cost > slowRequestTime {
		log.Warn("txn runs too slow", zap.Duration("cost", cost), zap.Error(err))
	}

	return resp, err
}
