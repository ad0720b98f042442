// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package handle

import "github.com/CeresDB/ceresdb-catalog/pkg/coderr"

var (
	ErrAcquireTable     = coderr.NewCodeError(coderr.Internal, "acquire table handle")
	ErrTableInvalidated = coderr.NewCodeError(coderr.NotFound, "table handle invalidated")
)
