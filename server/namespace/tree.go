// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package namespace

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/CeresDB/ceresdb-catalog/pkg/assert"
	"github.com/CeresDB/ceresdb-catalog/server/metadata"
)

// Tree is the in-memory catalog -> schema -> table namespace. Readers load an
// immutable snapshot pointer and never block writers or each other; writers
// rebuild the touched subtrees and publish the new snapshot with a single
// atomic swap, so no reader ever observes a half-applied change.
type Tree struct {
	// writeLock serializes writers only.
	writeLock sync.Mutex
	snapshot  atomic.Pointer[Snapshot]
}

func NewTree() *Tree {
	t := &Tree{
		writeLock: sync.Mutex{},
		snapshot:  atomic.Pointer[Snapshot]{},
	}
	t.snapshot.Store(&Snapshot{catalogs: map[string]*catalogNode{}})
	return t
}

// Snapshot is a consistent, immutable view of the whole namespace. Holding
// one never blocks concurrent mutation; it just keeps observing the tree as
// of its publication.
type Snapshot struct {
	catalogs map[string]*catalogNode
}

type catalogNode struct {
	meta    metadata.Catalog
	schemas map[string]*schemaNode
}

type schemaNode struct {
	meta   metadata.Schema
	tables map[string]metadata.Table
}

// Diff is one atomic batch of structural changes. Application is
// all-or-nothing: any invalid element rejects the whole batch. Elements may
// depend on each other inside the batch (a table added under a schema added
// by the same batch is valid).
type Diff struct {
	AddCatalogs    []metadata.Catalog
	RemoveCatalogs []string
	AddSchemas     []metadata.Schema
	RemoveSchemas  []metadata.SchemaScope
	AddTables      []metadata.Table
	UpdateTables   []metadata.Table
	RemoveTables   []metadata.TablePath
}

func (d Diff) Empty() bool {
	return len(d.AddCatalogs) == 0 && len(d.RemoveCatalogs) == 0 &&
		len(d.AddSchemas) == 0 && len(d.RemoveSchemas) == 0 &&
		len(d.AddTables) == 0 && len(d.UpdateTables) == 0 && len(d.RemoveTables) == 0
}

// Snapshot returns the currently published view.
func (t *Tree) Snapshot() *Snapshot {
	return t.snapshot.Load()
}

func (t *Tree) Lookup(catalog, schema, table string) (metadata.Table, bool) {
	return t.Snapshot().Lookup(catalog, schema, table)
}

func (t *Tree) ListCatalogs() []string {
	return t.Snapshot().ListCatalogs()
}

func (t *Tree) ListSchemas(catalog string) ([]string, bool) {
	return t.Snapshot().ListSchemas(catalog)
}

func (t *Tree) ListTables(catalog, schema string) ([]metadata.Table, bool) {
	return t.Snapshot().ListTables(catalog, schema)
}

func (s *Snapshot) Lookup(catalog, schema, table string) (metadata.Table, bool) {
	var emptyTable metadata.Table
	c, ok := s.catalogs[catalog]
	if !ok {
		return emptyTable, false
	}
	sc, ok := c.schemas[schema]
	if !ok {
		return emptyTable, false
	}
	entry, ok := sc.tables[table]
	return entry, ok
}

func (s *Snapshot) ListCatalogs() []string {
	names := make([]string, 0, len(s.catalogs))
	for name := range s.catalogs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Snapshot) ListSchemas(catalog string) ([]string, bool) {
	c, ok := s.catalogs[catalog]
	if !ok {
		return nil, false
	}
	names := make([]string, 0, len(c.schemas))
	for name := range c.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, true
}

func (s *Snapshot) ListTables(catalog, schema string) ([]metadata.Table, bool) {
	c, ok := s.catalogs[catalog]
	if !ok {
		return nil, false
	}
	sc, ok := c.schemas[schema]
	if !ok {
		return nil, false
	}
	tables := make([]metadata.Table, 0, len(sc.tables))
	for _, entry := range sc.tables {
		tables = append(tables, entry)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, true
}

// ApplyDiff validates the whole batch against the current snapshot and
// publishes the result in one swap. On any invalid element the published
// snapshot stays untouched and ErrInvalidDiff is returned.
func (t *Tree) ApplyDiff(diff Diff) error {
	if diff.Empty() {
		return nil
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	next, err := t.Snapshot().rebuild(diff)
	if err != nil {
		return err
	}

	t.snapshot.Store(next)
	return nil
}

// PutTable upserts one table, creating bare parent nodes as needed. Used on
// the remote-confirmed fast path (create, resolve-on-miss) where the parents
// are known by name only.
func (t *Tree) PutTable(table metadata.Table) {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	cur := t.Snapshot()
	next := cur.clone()
	c, ok := next.catalogs[table.CatalogName]
	if !ok {
		c = &catalogNode{meta: metadata.Catalog{Name: table.CatalogName, CreatedAt: 0}, schemas: map[string]*schemaNode{}}
	} else {
		c = c.clone()
	}
	next.catalogs[table.CatalogName] = c

	sc, ok := c.schemas[table.SchemaName]
	if !ok {
		sc = &schemaNode{meta: metadata.Schema{Name: table.SchemaName, CatalogName: table.CatalogName, CreatedAt: 0}, tables: map[string]metadata.Table{}}
	} else {
		sc = sc.clone()
	}
	c.schemas[table.SchemaName] = sc
	sc.tables[table.Name] = table

	t.snapshot.Store(next)
}

// RemoveTable removes one table if present and reports whether it was.
func (t *Tree) RemoveTable(path metadata.TablePath) (metadata.Table, bool) {
	var emptyTable metadata.Table

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	cur := t.Snapshot()
	removed, ok := cur.Lookup(path.Catalog, path.Schema, path.Table)
	if !ok {
		return emptyTable, false
	}

	next := cur.clone()
	c := next.catalogs[path.Catalog].clone()
	next.catalogs[path.Catalog] = c
	sc := c.schemas[path.Schema].clone()
	c.schemas[path.Schema] = sc
	delete(sc.tables, path.Table)

	t.snapshot.Store(next)
	return removed, true
}

// clone copies only the top-level map; nodes stay shared until touched.
func (s *Snapshot) clone() *Snapshot {
	catalogs := make(map[string]*catalogNode, len(s.catalogs))
	for name, node := range s.catalogs {
		catalogs[name] = node
	}
	return &Snapshot{catalogs: catalogs}
}

func (c *catalogNode) clone() *catalogNode {
	schemas := make(map[string]*schemaNode, len(c.schemas))
	for name, node := range c.schemas {
		schemas[name] = node
	}
	return &catalogNode{meta: c.meta, schemas: schemas}
}

func (s *schemaNode) clone() *schemaNode {
	tables := make(map[string]metadata.Table, len(s.tables))
	for name, entry := range s.tables {
		tables[name] = entry
	}
	return &schemaNode{meta: s.meta, tables: tables}
}

// rebuild produces the next snapshot, sharing every untouched subtree with
// the receiver. Ordering inside the batch: catalog adds, schema adds, table
// adds/updates, then removals bottom-up, so intra-batch dependencies resolve.
func (s *Snapshot) rebuild(diff Diff) (*Snapshot, error) {
	next := s.clone()
	// touched tracks cloned nodes so each is cloned at most once.
	touchedCatalogs := make(map[string]struct{})
	touchedSchemas := make(map[metadata.SchemaScope]struct{})

	catalogOf := func(name string) (*catalogNode, bool) {
		c, ok := next.catalogs[name]
		if !ok {
			return nil, false
		}
		if _, done := touchedCatalogs[name]; !done {
			c = c.clone()
			next.catalogs[name] = c
			touchedCatalogs[name] = struct{}{}
		}
		return next.catalogs[name], true
	}
	schemaOf := func(catalog, schema string) (*schemaNode, bool) {
		c, ok := catalogOf(catalog)
		if !ok {
			return nil, false
		}
		sc, ok := c.schemas[schema]
		if !ok {
			return nil, false
		}
		scope := metadata.SchemaScope{Catalog: catalog, Schema: schema}
		if _, done := touchedSchemas[scope]; !done {
			sc = sc.clone()
			c.schemas[schema] = sc
			touchedSchemas[scope] = struct{}{}
		}
		return c.schemas[schema], true
	}

	for _, catalog := range diff.AddCatalogs {
		if _, ok := next.catalogs[catalog.Name]; ok {
			return nil, ErrInvalidDiff.WithCausef("add of existing catalog:%s", catalog.Name)
		}
		next.catalogs[catalog.Name] = &catalogNode{meta: catalog, schemas: map[string]*schemaNode{}}
		touchedCatalogs[catalog.Name] = struct{}{}
	}

	for _, schema := range diff.AddSchemas {
		c, ok := catalogOf(schema.CatalogName)
		if !ok {
			return nil, ErrInvalidDiff.WithCausef("add of schema under missing catalog, catalog:%s, schema:%s", schema.CatalogName, schema.Name)
		}
		if _, ok := c.schemas[schema.Name]; ok {
			return nil, ErrInvalidDiff.WithCausef("add of existing schema, catalog:%s, schema:%s", schema.CatalogName, schema.Name)
		}
		c.schemas[schema.Name] = &schemaNode{meta: schema, tables: map[string]metadata.Table{}}
		touchedSchemas[metadata.SchemaScope{Catalog: schema.CatalogName, Schema: schema.Name}] = struct{}{}
	}

	for _, table := range diff.AddTables {
		sc, ok := schemaOf(table.CatalogName, table.SchemaName)
		if !ok {
			return nil, ErrInvalidDiff.WithCausef("add of table under missing schema, catalog:%s, schema:%s, table:%s", table.CatalogName, table.SchemaName, table.Name)
		}
		if _, ok := sc.tables[table.Name]; ok {
			return nil, ErrInvalidDiff.WithCausef("add of existing table, catalog:%s, schema:%s, table:%s", table.CatalogName, table.SchemaName, table.Name)
		}
		sc.tables[table.Name] = table
	}

	for _, table := range diff.UpdateTables {
		sc, ok := schemaOf(table.CatalogName, table.SchemaName)
		if !ok {
			return nil, ErrInvalidDiff.WithCausef("update of table under missing schema, catalog:%s, schema:%s, table:%s", table.CatalogName, table.SchemaName, table.Name)
		}
		if _, ok := sc.tables[table.Name]; !ok {
			return nil, ErrInvalidDiff.WithCausef("update of missing table, catalog:%s, schema:%s, table:%s", table.CatalogName, table.SchemaName, table.Name)
		}
		sc.tables[table.Name] = table
	}

	for _, path := range diff.RemoveTables {
		sc, ok := schemaOf(path.Catalog, path.Schema)
		if !ok {
			return nil, ErrInvalidDiff.WithCausef("removal of table under missing schema, path:%s", path)
		}
		if _, ok := sc.tables[path.Table]; !ok {
			return nil, ErrInvalidDiff.WithCausef("removal of missing table, path:%s", path)
		}
		delete(sc.tables, path.Table)
	}

	for _, scope := range diff.RemoveSchemas {
		c, ok := catalogOf(scope.Catalog)
		if !ok {
			return nil, ErrInvalidDiff.WithCausef("removal of schema under missing catalog, scope:%s", scope)
		}
		if _, ok := c.schemas[scope.Schema]; !ok {
			return nil, ErrInvalidDiff.WithCausef("removal of missing schema, scope:%s", scope)
		}
		delete(c.schemas, scope.Schema)
	}

	for _, name := range diff.RemoveCatalogs {
		c, ok := next.catalogs[name]
		if !ok {
			return nil, ErrInvalidDiff.WithCausef("removal of missing catalog:%s", name)
		}
		assert.Assertf(c != nil, "catalog node must not be nil, catalog:%s", name)
		delete(next.catalogs, name)
	}

	return next, nil
}
