// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package metadata

// TableID is the stable identity of a table. It is allocated by the remote
// authority on creation and never reused, so a dropped-and-recreated name
// always maps to a fresh TableID.
type TableID uint64

// Version is the remote authority's version of a table descriptor. It is
// bumped on every accepted alter.
type Version uint64

type ColumnType string

const (
	ColumnTypeInt       ColumnType = "int"
	ColumnTypeDouble    ColumnType = "double"
	ColumnTypeString    ColumnType = "string"
	ColumnTypeBoolean   ColumnType = "boolean"
	ColumnTypeTimestamp ColumnType = "timestamp"
)

type Column struct {
	Name string     `msgpack:"name"`
	Type ColumnType `msgpack:"type"`
}

// Descriptor describes the columns of a table.
type Descriptor struct {
	Columns []Column `msgpack:"columns"`
}

func (d Descriptor) Equal(other Descriptor) bool {
	if len(d.Columns) != len(other.Columns) {
		return false
	}
	for i, col := range d.Columns {
		if col != other.Columns[i] {
			return false
		}
	}
	return true
}

type Catalog struct {
	Name      string `msgpack:"name"`
	CreatedAt uint64 `msgpack:"createdAt"`
}

type Schema struct {
	Name string `msgpack:"name"`
	// CatalogName is a back-reference for lookup only, never an owning link.
	CatalogName string `msgpack:"catalogName"`
	CreatedAt   uint64 `msgpack:"createdAt"`
}

type Table struct {
	ID          TableID    `msgpack:"id"`
	Name        string     `msgpack:"name"`
	SchemaName  string     `msgpack:"schemaName"`
	CatalogName string     `msgpack:"catalogName"`
	Descriptor  Descriptor `msgpack:"descriptor"`
	Version     Version    `msgpack:"version"`
	CreatedAt   uint64     `msgpack:"createdAt"`
}

// TablePath identifies a table by its fully qualified name.
type TablePath struct {
	Catalog string
	Schema  string
	Table   string
}

func (p TablePath) String() string {
	return p.Catalog + "." + p.Schema + "." + p.Table
}

// SchemaScope identifies one schema for sync bookkeeping.
type SchemaScope struct {
	Catalog string
	Schema  string
}

func (s SchemaScope) String() string {
	return s.Catalog + "." + s.Schema
}
