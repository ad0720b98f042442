// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package remote

import "path"

const (
	catalogPrefix = "v1/catalog"
	schemaPrefix  = "v1/schema"
	tablePrefix   = "v1/table"
	allocPrefix   = "v1/id"

	// AllocTableIDKey is the counter key for table identity allocation.
	AllocTableIDKey = "table"
)

// Key layout, all under the configured root path:
// v1/catalog/<catalog>                -> Catalog record
// v1/schema/<catalog>/<schema>        -> Schema record
// v1/table/<catalog>/<schema>/<table> -> Table record
// v1/id/table                         -> table id counter

func makeCatalogKey(rootPath, catalog string) string {
	return path.Join(rootPath, catalogPrefix, catalog)
}

func makeCatalogScanPrefix(rootPath string) string {
	return path.Join(rootPath, catalogPrefix) + "/"
}

func makeSchemaKey(rootPath, catalog, schema string) string {
	return path.Join(rootPath, schemaPrefix, catalog, schema)
}

func makeSchemaScanPrefix(rootPath, catalog string) string {
	return path.Join(rootPath, schemaPrefix, catalog) + "/"
}

func makeTableKey(rootPath, catalog, schema, table string) string {
	return path.Join(rootPath, tablePrefix, catalog, schema, table)
}

func makeTableScanPrefix(rootPath, catalog, schema string) string {
	return path.Join(rootPath, tablePrefix, catalog, schema) + "/"
}

func makeAllocKey(rootPath, name string) string {
	return path.Join(rootPath, allocPrefix, name)
}

// tableNameFromKey recovers the table name of a key built by makeTableKey.
func tableNameFromKey(key string) string {
	_, name := path.Split(key)
	return name
}
