// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package engine

import "github.com/CeresDB/ceresdb-catalog/pkg/coderr"

var (
	ErrOpenTable    = coderr.NewCodeError(coderr.Internal, "engine open table")
	ErrCloseTable   = coderr.NewCodeError(coderr.Internal, "engine close table")
	ErrHandleClosed = coderr.NewCodeError(coderr.Internal, "table handle closed")
	ErrRowMismatch  = coderr.NewCodeError(coderr.InvalidParams, "row does not match descriptor")
)
