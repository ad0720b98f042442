// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package remote

import "github.com/CeresDB/ceresdb-catalog/pkg/coderr"

var (
	ErrUnavailable     = coderr.NewCodeError(coderr.Unavailable, "remote authority unavailable")
	ErrCatalogNotFound = coderr.NewCodeError(coderr.NotFound, "catalog not found")
	ErrSchemaNotFound  = coderr.NewCodeError(coderr.NotFound, "schema not found")
	ErrTableNotFound   = coderr.NewCodeError(coderr.NotFound, "table not found")
	ErrConflict        = coderr.NewCodeError(coderr.Conflict, "conflicting catalog mutation")
	ErrCursorExpired   = coderr.NewCodeError(coderr.CursorExpired, "listing cursor expired")
	ErrDecodeRecord    = coderr.NewCodeError(coderr.Internal, "decode catalog record")
	ErrEncodeRecord    = coderr.NewCodeError(coderr.Internal, "encode catalog record")
)
