// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CeresDB/ceresdb-catalog/pkg/backoff"
	"github.com/CeresDB/ceresdb-catalog/server/metadata"
	"github.com/CeresDB/ceresdb-catalog/server/namespace"
	"github.com/CeresDB/ceresdb-catalog/server/remote"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAuthority is an in-memory remote.Client with controllable listing
// behavior: it can serve incremental listings from an event log, refuse
// cursors, or be pinned to full listings only.
type fakeAuthority struct {
	lock     sync.Mutex
	catalogs map[string]metadata.Catalog
	schemas  map[string]map[string]metadata.Schema
	tables   map[metadata.SchemaScope]map[string]metadata.Table
	revision int64
	events   map[metadata.SchemaScope][]loggedEvent

	// fullOnly makes every ListTables answer with a full listing.
	fullOnly bool
	// expireCursors rejects every non-zero cursor with ErrCursorExpired.
	expireCursors bool

	fullListings        int
	incrementalListings int
	listCatalogsGate    chan struct{}
	listCatalogsCalls   int
}

type loggedEvent struct {
	revision int64
	event    remote.TableEvent
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		catalogs: map[string]metadata.Catalog{},
		schemas:  map[string]map[string]metadata.Schema{},
		tables:   map[metadata.SchemaScope]map[string]metadata.Table{},
		revision: 1,
		events:   map[metadata.SchemaScope][]loggedEvent{},
	}
}

func (f *fakeAuthority) addCatalog(name string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.catalogs[name] = metadata.Catalog{Name: name}
	f.schemas[name] = map[string]metadata.Schema{}
}

func (f *fakeAuthority) addSchema(catalog, name string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.schemas[catalog][name] = metadata.Schema{Name: name, CatalogName: catalog}
	f.tables[metadata.SchemaScope{Catalog: catalog, Schema: name}] = map[string]metadata.Table{}
}

func (f *fakeAuthority) putTable(table metadata.Table) {
	f.lock.Lock()
	defer f.lock.Unlock()
	scope := metadata.SchemaScope{Catalog: table.CatalogName, Schema: table.SchemaName}
	f.revision++
	f.tables[scope][table.Name] = table
	f.events[scope] = append(f.events[scope], loggedEvent{revision: f.revision, event: remote.TableEvent{Type: remote.EventPut, Table: table}})
}

func (f *fakeAuthority) dropTable(scope metadata.SchemaScope, name string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.revision++
	delete(f.tables[scope], name)
	f.events[scope] = append(f.events[scope], loggedEvent{revision: f.revision, event: remote.TableEvent{Type: remote.EventDelete, TableName: name}})
}

// dropTableSilently removes a table without logging an event, so only a full
// listing can observe the removal.
func (f *fakeAuthority) dropTableSilently(scope metadata.SchemaScope, name string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.tables[scope], name)
}

func (f *fakeAuthority) dropSchema(catalog, schema string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.schemas[catalog], schema)
	delete(f.tables, metadata.SchemaScope{Catalog: catalog, Schema: schema})
}

func (f *fakeAuthority) dropCatalog(catalog string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for schema := range f.schemas[catalog] {
		delete(f.tables, metadata.SchemaScope{Catalog: catalog, Schema: schema})
	}
	delete(f.schemas, catalog)
	delete(f.catalogs, catalog)
}

func (f *fakeAuthority) ListCatalogs(_ context.Context) ([]metadata.Catalog, error) {
	f.lock.Lock()
	gate := f.listCatalogsGate
	f.listCatalogsCalls++
	result := make([]metadata.Catalog, 0, len(f.catalogs))
	for _, catalog := range f.catalogs {
		result = append(result, catalog)
	}
	f.lock.Unlock()

	if gate != nil {
		<-gate
	}
	return result, nil
}

func (f *fakeAuthority) ListSchemas(_ context.Context, catalog string) ([]metadata.Schema, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	result := make([]metadata.Schema, 0)
	for _, schema := range f.schemas[catalog] {
		result = append(result, schema)
	}
	return result, nil
}

func (f *fakeAuthority) ListTables(_ context.Context, req remote.ListTablesRequest) (remote.ListTablesResult, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	scope := metadata.SchemaScope{Catalog: req.Catalog, Schema: req.Schema}
	if req.SinceRevision > 0 && f.expireCursors {
		return remote.ListTablesResult{}, remote.ErrCursorExpired.WithCausef("cursor:%d", req.SinceRevision)
	}
	if req.SinceRevision > 0 && !f.fullOnly {
		f.incrementalListings++
		var events []remote.TableEvent
		for _, logged := range f.events[scope] {
			if logged.revision > req.SinceRevision {
				events = append(events, logged.event)
			}
		}
		return remote.ListTablesResult{Events: events, Revision: f.revision, Incremental: true}, nil
	}

	f.fullListings++
	tables := make([]metadata.Table, 0, len(f.tables[scope]))
	for _, table := range f.tables[scope] {
		tables = append(tables, table)
	}
	return remote.ListTablesResult{Tables: tables, Revision: f.revision, Incremental: false}, nil
}

func (f *fakeAuthority) GetTable(_ context.Context, catalog, schema, table string) (metadata.Table, bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	entry, ok := f.tables[metadata.SchemaScope{Catalog: catalog, Schema: schema}][table]
	return entry, ok, nil
}

func (f *fakeAuthority) CreateCatalog(_ context.Context, name string) (metadata.Catalog, error) {
	f.addCatalog(name)
	return metadata.Catalog{Name: name}, nil
}

func (f *fakeAuthority) CreateSchema(_ context.Context, catalog, name string) (metadata.Schema, error) {
	f.addSchema(catalog, name)
	return metadata.Schema{Name: name, CatalogName: catalog}, nil
}

func (f *fakeAuthority) CreateTable(_ context.Context, req remote.CreateTableRequest) (metadata.Table, error) {
	table := metadata.Table{Name: req.Table, SchemaName: req.Schema, CatalogName: req.Catalog, Descriptor: req.Descriptor, Version: 1}
	f.putTable(table)
	return table, nil
}

func (f *fakeAuthority) DropTable(_ context.Context, catalog, schema, table string) error {
	f.dropTable(metadata.SchemaScope{Catalog: catalog, Schema: schema}, table)
	return nil
}

func (f *fakeAuthority) AlterTable(_ context.Context, req remote.AlterTableRequest) (metadata.Table, error) {
	table := metadata.Table{Name: req.Table, SchemaName: req.Schema, CatalogName: req.Catalog, Descriptor: req.Descriptor, Version: req.BaseVersion + 1}
	f.putTable(table)
	return table, nil
}

type recordingInvalidator struct {
	lock sync.Mutex
	ids  []metadata.TableID
}

func (r *recordingInvalidator) Invalidate(_ context.Context, id metadata.TableID) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingInvalidator) invalidated() []metadata.TableID {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]metadata.TableID{}, r.ids...)
}

func fakeTable(id metadata.TableID, catalog, schema, name string, version metadata.Version) metadata.Table {
	return metadata.Table{
		ID:          id,
		Name:        name,
		SchemaName:  schema,
		CatalogName: catalog,
		Descriptor:  metadata.Descriptor{Columns: []metadata.Column{{Name: "id", Type: metadata.ColumnTypeInt}}},
		Version:     version,
	}
}

func newTestSyncer(authority *fakeAuthority) (*Syncer, *namespace.Tree, *recordingInvalidator) {
	tree := namespace.NewTree()
	invalidator := &recordingInvalidator{}
	s := NewSyncer(zap.NewNop(), authority, tree, invalidator, Config{
		Interval: time.Millisecond * 10,
		Policy:   backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond * 10, MaxAttempts: 0},
	})
	return s, tree, invalidator
}

func TestSyncerBootstrap(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()

	authority := newFakeAuthority()
	authority.addCatalog("analytics")
	authority.addSchema("analytics", "public")
	authority.putTable(fakeTable(1, "analytics", "public", "events", 1))
	authority.putTable(fakeTable(2, "analytics", "public", "users", 1))

	s, tree, _ := newTestSyncer(authority)
	re.NoError(s.SyncOnce(ctx))

	re.Equal([]string{"analytics"}, tree.ListCatalogs())
	tables, ok := tree.ListTables("analytics", "public")
	re.True(ok)
	re.Len(tables, 2)
}

func TestSyncerIncrementalEvents(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()

	authority := newFakeAuthority()
	authority.addCatalog("analytics")
	authority.addSchema("analytics", "public")
	authority.putTable(fakeTable(1, "analytics", "public", "events", 1))

	s, tree, invalidator := newTestSyncer(authority)
	re.NoError(s.SyncOnce(ctx))

	scope := metadata.SchemaScope{Catalog: "analytics", Schema: "public"}
	authority.putTable(fakeTable(2, "analytics", "public", "users", 1))
	authority.putTable(fakeTable(1, "analytics", "public", "events", 2))
	authority.dropTable(scope, "users")
	authority.putTable(fakeTable(3, "analytics", "public", "sessions", 1))

	re.NoError(s.SyncOnce(ctx))
	re.Equal(1, authority.incrementalListings)

	entry, ok := tree.Lookup("analytics", "public", "events")
	re.True(ok)
	re.Equal(metadata.Version(2), entry.Version)
	_, ok = tree.Lookup("analytics", "public", "sessions")
	re.True(ok)
	_, ok = tree.Lookup("analytics", "public", "users")
	re.False(ok)
	// The dropped table's handle was invalidated the moment the delete event
	// was applied; no second confirmation needed.
	re.Equal([]metadata.TableID{2}, invalidator.invalidated())
}

func TestSyncerConfirmTwiceRemoval(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()

	authority := newFakeAuthority()
	authority.fullOnly = true
	authority.addCatalog("analytics")
	authority.addSchema("analytics", "public")
	authority.putTable(fakeTable(1, "analytics", "public", "events", 1))
	authority.putTable(fakeTable(2, "analytics", "public", "users", 1))

	s, tree, invalidator := newTestSyncer(authority)
	re.NoError(s.SyncOnce(ctx))

	scope := metadata.SchemaScope{Catalog: "analytics", Schema: "public"}
	authority.dropTableSilently(scope, "users")

	// First omission: the entry survives.
	re.NoError(s.SyncOnce(ctx))
	_, ok := tree.Lookup("analytics", "public", "users")
	re.True(ok)
	re.Empty(invalidator.invalidated())

	// Second consecutive omission confirms the removal.
	re.NoError(s.SyncOnce(ctx))
	_, ok = tree.Lookup("analytics", "public", "users")
	re.False(ok)
	re.Equal([]metadata.TableID{2}, invalidator.invalidated())

	// The untouched table is still there.
	_, ok = tree.Lookup("analytics", "public", "events")
	re.True(ok)
}

func TestSyncerOmissionFlapDoesNotRemove(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()

	authority := newFakeAuthority()
	authority.fullOnly = true
	authority.addCatalog("analytics")
	authority.addSchema("analytics", "public")
	users := fakeTable(2, "analytics", "public", "users", 1)
	authority.putTable(users)

	s, tree, invalidator := newTestSyncer(authority)
	re.NoError(s.SyncOnce(ctx))

	scope := metadata.SchemaScope{Catalog: "analytics", Schema: "public"}
	authority.dropTableSilently(scope, "users")
	re.NoError(s.SyncOnce(ctx))

	// The table reappears before a second omission: the counter resets and
	// the entry is never removed.
	authority.putTable(users)
	re.NoError(s.SyncOnce(ctx))
	re.NoError(s.SyncOnce(ctx))

	_, ok := tree.Lookup("analytics", "public", "users")
	re.True(ok)
	re.Empty(invalidator.invalidated())
}

func TestSyncerRecreatedTableSwapsHandle(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()

	authority := newFakeAuthority()
	authority.fullOnly = true
	authority.addCatalog("analytics")
	authority.addSchema("analytics", "public")
	authority.putTable(fakeTable(1, "analytics", "public", "events", 1))

	s, tree, invalidator := newTestSyncer(authority)
	re.NoError(s.SyncOnce(ctx))

	// Same name, new identity.
	scope := metadata.SchemaScope{Catalog: "analytics", Schema: "public"}
	authority.dropTableSilently(scope, "events")
	authority.putTable(fakeTable(9, "analytics", "public", "events", 1))

	// The swap is one snapshot publication: a reader racing the pass must
	// always find the name, under either identity.
	stopReader := make(chan struct{})
	var vanished atomic.Bool
	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		for {
			select {
			case <-stopReader:
				return
			default:
			}
			if _, ok := tree.Lookup("analytics", "public", "events"); !ok {
				vanished.Store(true)
				return
			}
		}
	}()

	re.NoError(s.SyncOnce(ctx))
	close(stopReader)
	readerWG.Wait()
	re.False(vanished.Load())

	entry, ok := tree.Lookup("analytics", "public", "events")
	re.True(ok)
	re.Equal(metadata.TableID(9), entry.ID)
	re.Equal([]metadata.TableID{1}, invalidator.invalidated())
}

func TestSyncerCursorExpiredFallsBack(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()

	authority := newFakeAuthority()
	authority.addCatalog("analytics")
	authority.addSchema("analytics", "public")
	authority.putTable(fakeTable(1, "analytics", "public", "events", 1))

	s, tree, _ := newTestSyncer(authority)
	re.NoError(s.SyncOnce(ctx))
	re.Equal(1, authority.fullListings)

	authority.expireCursors = true
	authority.putTable(fakeTable(2, "analytics", "public", "users", 1))

	// The held cursor is refused, the pass retries with a full listing.
	re.NoError(s.SyncOnce(ctx))
	re.Equal(2, authority.fullListings)
	_, ok := tree.Lookup("analytics", "public", "users")
	re.True(ok)
}

func TestSyncerSchemaAndCatalogRemoval(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()

	authority := newFakeAuthority()
	authority.fullOnly = true
	authority.addCatalog("analytics")
	authority.addSchema("analytics", "public")
	authority.addSchema("analytics", "staging")
	authority.addCatalog("scratch")
	authority.addSchema("scratch", "tmp")
	authority.putTable(fakeTable(1, "analytics", "staging", "events", 1))
	authority.putTable(fakeTable(2, "scratch", "tmp", "junk", 1))

	s, tree, invalidator := newTestSyncer(authority)
	re.NoError(s.SyncOnce(ctx))

	authority.dropSchema("analytics", "staging")
	authority.dropCatalog("scratch")

	re.NoError(s.SyncOnce(ctx))
	schemas, ok := tree.ListSchemas("analytics")
	re.True(ok)
	re.Len(schemas, 2)

	re.NoError(s.SyncOnce(ctx))
	schemas, ok = tree.ListSchemas("analytics")
	re.True(ok)
	re.Equal([]string{"public"}, schemas)
	re.Equal([]string{"analytics"}, tree.ListCatalogs())
	re.ElementsMatch([]metadata.TableID{1, 2}, invalidator.invalidated())
}

func TestSyncerInFlightSuppression(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()

	authority := newFakeAuthority()
	authority.addCatalog("analytics")
	gate := make(chan struct{})
	authority.listCatalogsGate = gate

	s, _, _ := newTestSyncer(authority)

	done := make(chan error, 1)
	go func() {
		done <- s.SyncOnce(ctx)
	}()

	re.Eventually(func() bool {
		authority.lock.Lock()
		defer authority.lock.Unlock()
		return authority.listCatalogsCalls == 1
	}, time.Second, time.Millisecond)

	// A pass in flight absorbs further calls without touching the remote.
	re.NoError(s.SyncOnce(ctx))
	re.NoError(s.SyncOnce(ctx))

	close(gate)
	re.NoError(<-done)

	authority.lock.Lock()
	defer authority.lock.Unlock()
	re.Equal(1, authority.listCatalogsCalls)
}

func TestSyncerBackgroundLoop(t *testing.T) {
	re := require.New(t)

	authority := newFakeAuthority()
	authority.addCatalog("analytics")
	authority.addSchema("analytics", "public")
	authority.putTable(fakeTable(1, "analytics", "public", "events", 1))

	s, tree, _ := newTestSyncer(authority)
	s.Start()
	defer s.Stop()

	s.TriggerSync()
	re.Eventually(func() bool {
		_, ok := tree.Lookup("analytics", "public", "events")
		return ok
	}, time.Second*5, time.Millisecond*5)
}
