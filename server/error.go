// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package server

import "github.com/CeresDB/ceresdb-catalog/pkg/coderr"

var (
	ErrCreateEtcdClient = coderr.NewCodeError(coderr.Internal, "create etcd client")
	ErrInitLogger       = coderr.NewCodeError(coderr.Internal, "init global logger")
)
