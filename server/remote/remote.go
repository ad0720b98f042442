// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package remote

import (
	"context"

	"github.com/CeresDB/ceresdb-catalog/server/metadata"
)

// EventType tags one entry of an incremental table listing.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// TableEvent is one change observed between a cursor and the current remote
// state. Table is set for EventPut; TableName identifies the removed entry
// for EventDelete.
type TableEvent struct {
	Type      EventType
	Table     metadata.Table
	TableName string
}

type ListTablesRequest struct {
	Catalog string
	Schema  string
	// SinceRevision asks for an incremental listing of the changes after the
	// given cursor. Zero requests a full listing.
	SinceRevision int64
}

type ListTablesResult struct {
	// Tables is the full listing. Empty when Incremental is set.
	Tables []metadata.Table
	// Events holds the incremental changes since the request cursor.
	Events []TableEvent
	// Revision is the cursor to pass on the next incremental request.
	Revision    int64
	Incremental bool
}

type CreateTableRequest struct {
	Catalog    string
	Schema     string
	Table      string
	Descriptor metadata.Descriptor
}

type AlterTableRequest struct {
	Catalog    string
	Schema     string
	Table      string
	Descriptor metadata.Descriptor
	// BaseVersion is the version the caller altered from. The authority
	// rejects the alter with ErrConflict if the table moved past it.
	BaseVersion metadata.Version
}

// Client is the interface of the remote metadata authority consumed by the
// catalog cache. Implementations classify their failures into the closed
// taxonomy of this package: ErrUnavailable for transient transport/service
// failures, ErrCatalogNotFound/ErrSchemaNotFound/ErrTableNotFound for
// authoritative absence, ErrConflict for rejected conflicting mutations and
// ErrCursorExpired for incremental cursors that can no longer be served.
type Client interface {
	ListCatalogs(ctx context.Context) ([]metadata.Catalog, error)
	ListSchemas(ctx context.Context, catalog string) ([]metadata.Schema, error)
	ListTables(ctx context.Context, req ListTablesRequest) (ListTablesResult, error)
	// GetTable returns false without error when the table is authoritatively absent.
	GetTable(ctx context.Context, catalog, schema, table string) (metadata.Table, bool, error)
	CreateCatalog(ctx context.Context, name string) (metadata.Catalog, error)
	CreateSchema(ctx context.Context, catalog, name string) (metadata.Schema, error)
	CreateTable(ctx context.Context, req CreateTableRequest) (metadata.Table, error)
	DropTable(ctx context.Context, catalog, schema, table string) error
	AlterTable(ctx context.Context, req AlterTableRequest) (metadata.Table, error)
}
