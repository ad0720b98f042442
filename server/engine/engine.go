// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package engine

import (
	"context"

	"github.com/CeresDB/ceresdb-catalog/server/metadata"
)

// TableHandle is a live, engine-opened table resource. Handles are owned by
// the handle registry; callers only ever touch them through a lease.
type TableHandle interface {
	// ID returns the stable identity the handle was opened for.
	ID() metadata.TableID
	Descriptor() metadata.Descriptor
	// Append writes one row. The row layout must match Descriptor.
	Append(ctx context.Context, row []any) error
	// Scan reads back all rows appended so far.
	Scan(ctx context.Context) ([][]any, error)
}

// Engine is the storage/query engine boundary consumed by the handle
// registry. Open materializes a handle for a table identity; Close reclaims
// it. Closing a handle twice is an engine-level fault.
type Engine interface {
	Open(ctx context.Context, table metadata.Table) (TableHandle, error)
	Close(ctx context.Context, handle TableHandle) error
}
