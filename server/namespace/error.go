// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package namespace

import "github.com/CeresDB/ceresdb-catalog/pkg/coderr"

var (
	ErrInvalidDiff = coderr.NewCodeError(coderr.Internal, "invalid namespace diff")
)
