// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package catalog

import "github.com/CeresDB/ceresdb-catalog/pkg/coderr"

var (
	ErrCatalogNotFound = coderr.NewCodeError(coderr.NotFound, "catalog not found")
	ErrSchemaNotFound  = coderr.NewCodeError(coderr.NotFound, "schema not found")
	ErrTableNotFound   = coderr.NewCodeError(coderr.NotFound, "table not found")
)
