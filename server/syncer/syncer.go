// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/CeresDB/ceresdb-catalog/pkg/backoff"
	"github.com/CeresDB/ceresdb-catalog/pkg/coderr"
	"github.com/CeresDB/ceresdb-catalog/server/metadata"
	"github.com/CeresDB/ceresdb-catalog/server/namespace"
	"github.com/CeresDB/ceresdb-catalog/server/remote"
	"go.uber.org/zap"
)

const (
	// missThreshold is how many consecutive full listings must omit an entry
	// before it is treated as removed. A single omission may be a listing
	// racing a concurrent create, so removal requires confirmation.
	missThreshold = 2

	defaultInterval = time.Second * 10
)

// Invalidator releases cached handles for tables that no longer exist.
type Invalidator interface {
	Invalidate(ctx context.Context, id metadata.TableID) error
}

type Config struct {
	// Interval between background passes.
	Interval time.Duration
	// Policy paces retries after a failed pass.
	Policy backoff.Policy
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Policy.BaseDelay <= 0 {
		c.Policy = backoff.NewSyncPolicy()
	}
}

// Syncer reconciles the local namespace tree with the remote authority. It
// runs one pass at a time: periodic ticks and explicit triggers that arrive
// while a pass is in flight are absorbed rather than queued.
//
// Table listings are incremental where possible, keyed by a per-schema
// cursor. When the authority can no longer serve a cursor the pass falls back
// to a full listing for that schema. Entries omitted by a full listing are
// only removed after missThreshold consecutive omissions; incremental delete
// events are authoritative and take effect immediately.
type Syncer struct {
	logger      *zap.Logger
	client      remote.Client
	tree        *namespace.Tree
	invalidator Invalidator
	interval    time.Duration
	policy      backoff.Policy

	// Mutex is used to protect following fields.
	lock           sync.Mutex
	syncing        bool
	cursors        map[metadata.SchemaScope]int64
	missedTables   map[metadata.TablePath]int
	missedSchemas  map[metadata.SchemaScope]int
	missedCatalogs map[string]int

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSyncer(logger *zap.Logger, client remote.Client, tree *namespace.Tree, invalidator Invalidator, config Config) *Syncer {
	config.withDefaults()
	return &Syncer{
		logger:         logger,
		client:         client,
		tree:           tree,
		invalidator:    invalidator,
		interval:       config.Interval,
		policy:         config.Policy,
		lock:           sync.Mutex{},
		syncing:        false,
		cursors:        make(map[metadata.SchemaScope]int64),
		missedTables:   make(map[metadata.TablePath]int),
		missedSchemas:  make(map[metadata.SchemaScope]int),
		missedCatalogs: make(map[string]int),
		trigger:        make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		wg:             sync.WaitGroup{},
		startOnce:      sync.Once{},
		stopOnce:       sync.Once{},
	}
}

// Start launches the background loop. Calling it twice is a no-op.
func (s *Syncer) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop halts the background loop and waits for an in-flight pass to finish.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// TriggerSync requests a pass soon. Non-blocking; triggers coalesce.
func (s *Syncer) TriggerSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Syncer) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		if err := s.SyncOnce(context.Background()); err != nil {
			failures++
			s.logger.Warn("sync pass failed", zap.Int("consecutiveFailures", failures), zap.Error(err))
			if !s.policy.Wait(s.stopCh, failures-1) {
				return
			}
			s.TriggerSync()
			continue
		}
		failures = 0
	}
}

// SyncOnce runs one reconciliation pass. A pass already in flight absorbs the
// call and SyncOnce returns nil immediately.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	s.lock.Lock()
	if s.syncing {
		s.lock.Unlock()
		return nil
	}
	s.syncing = true
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		s.syncing = false
		s.lock.Unlock()
	}()

	return s.syncPass(ctx)
}

func (s *Syncer) syncPass(ctx context.Context) error {
	catalogs, err := s.client.ListCatalogs(ctx)
	if err != nil {
		return err
	}

	remoteCatalogs := make(map[string]struct{}, len(catalogs))
	var scopes []metadata.SchemaScope
	for _, catalog := range catalogs {
		remoteCatalogs[catalog.Name] = struct{}{}
		s.ensureCatalog(catalog)
		s.clearMissedCatalog(catalog.Name)

		schemas, err := s.client.ListSchemas(ctx, catalog.Name)
		if err != nil {
			return err
		}
		remoteSchemas := make(map[string]struct{}, len(schemas))
		for _, schema := range schemas {
			remoteSchemas[schema.Name] = struct{}{}
			s.ensureSchema(schema)
			scope := metadata.SchemaScope{Catalog: schema.CatalogName, Schema: schema.Name}
			s.clearMissedSchema(scope)
			scopes = append(scopes, scope)
		}
		s.confirmSchemaRemovals(ctx, catalog.Name, remoteSchemas)
	}
	s.confirmCatalogRemovals(ctx, remoteCatalogs)

	for _, scope := range scopes {
		if err := s.syncSchema(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) ensureCatalog(catalog metadata.Catalog) {
	snapshot := s.tree.Snapshot()
	if _, ok := snapshot.ListSchemas(catalog.Name); ok {
		return
	}
	if err := s.tree.ApplyDiff(namespace.Diff{AddCatalogs: []metadata.Catalog{catalog}}); err != nil {
		// Lost a race against a concurrent insert of the same catalog.
		s.logger.Debug("catalog add skipped", zap.String("catalog", catalog.Name), zap.Error(err))
	}
}

func (s *Syncer) ensureSchema(schema metadata.Schema) {
	snapshot := s.tree.Snapshot()
	if _, ok := snapshot.ListTables(schema.CatalogName, schema.Name); ok {
		return
	}
	if err := s.tree.ApplyDiff(namespace.Diff{AddSchemas: []metadata.Schema{schema}}); err != nil {
		s.logger.Debug("schema add skipped", zap.String("catalog", schema.CatalogName), zap.String("schema", schema.Name), zap.Error(err))
	}
}

// syncSchema reconciles one schema scope, incrementally when a cursor is held.
func (s *Syncer) syncSchema(ctx context.Context, scope metadata.SchemaScope) error {
	cursor := s.cursorFor(scope)
	result, err := s.client.ListTables(ctx, remote.ListTablesRequest{
		Catalog:       scope.Catalog,
		Schema:        scope.Schema,
		SinceRevision: cursor,
	})
	if err != nil && cursor != 0 && coderr.Is(err, coderr.CursorExpired) {
		s.logger.Info("sync cursor expired, falling back to full listing", zap.String("scope", scope.String()), zap.Int64("cursor", cursor))
		result, err = s.client.ListTables(ctx, remote.ListTablesRequest{
			Catalog: scope.Catalog,
			Schema:  scope.Schema,
		})
	}
	if err != nil {
		return err
	}

	if result.Incremental {
		s.applyEvents(ctx, scope, result.Events)
	} else {
		s.reconcileFull(ctx, scope, result.Tables)
	}
	s.setCursor(scope, result.Revision)
	return nil
}

// applyEvents applies an incremental listing. Deletes are authoritative: the
// authority observed the drop, so no removal confirmation is needed.
func (s *Syncer) applyEvents(ctx context.Context, scope metadata.SchemaScope, events []remote.TableEvent) {
	for _, event := range events {
		switch event.Type {
		case remote.EventPut:
			path := metadata.TablePath{Catalog: scope.Catalog, Schema: scope.Schema, Table: event.Table.Name}
			if existing, ok := s.tree.Lookup(path.Catalog, path.Schema, path.Table); ok && existing.ID != event.Table.ID {
				// The table was dropped and recreated between passes.
				s.invalidate(ctx, existing.ID)
			}
			s.tree.PutTable(event.Table)
			s.clearMissedTable(path)
		case remote.EventDelete:
			path := metadata.TablePath{Catalog: scope.Catalog, Schema: scope.Schema, Table: event.TableName}
			if removed, ok := s.tree.RemoveTable(path); ok {
				s.invalidate(ctx, removed.ID)
			}
			s.clearMissedTable(path)
		}
	}
}

// reconcileFull diffs a full listing against the local view. Additions and
// updates apply immediately; omissions only count toward removal and take
// effect once confirmed by missThreshold consecutive passes.
func (s *Syncer) reconcileFull(ctx context.Context, scope metadata.SchemaScope, tables []metadata.Table) {
	local, _ := s.tree.ListTables(scope.Catalog, scope.Schema)
	localByName := make(map[string]metadata.Table, len(local))
	for _, entry := range local {
		localByName[entry.Name] = entry
	}

	var diff namespace.Diff
	var invalidated []metadata.TableID
	seen := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		seen[table.Name] = struct{}{}
		path := metadata.TablePath{Catalog: scope.Catalog, Schema: scope.Schema, Table: table.Name}
		s.clearMissedTable(path)

		existing, ok := localByName[table.Name]
		switch {
		case !ok:
			diff.AddTables = append(diff.AddTables, table)
		case existing.ID != table.ID:
			// Recreated under the same name. Swap the identity in place so
			// readers never observe a snapshot without the table.
			diff.UpdateTables = append(diff.UpdateTables, table)
			invalidated = append(invalidated, existing.ID)
		case existing.Version != table.Version || !existing.Descriptor.Equal(table.Descriptor):
			diff.UpdateTables = append(diff.UpdateTables, table)
		}
	}

	for name, entry := range localByName {
		if _, ok := seen[name]; ok {
			continue
		}
		path := metadata.TablePath{Catalog: scope.Catalog, Schema: scope.Schema, Table: name}
		if s.recordMissedTable(path) < missThreshold {
			continue
		}
		diff.RemoveTables = append(diff.RemoveTables, path)
		invalidated = append(invalidated, entry.ID)
		s.clearMissedTable(path)
	}

	if diff.Empty() {
		return
	}
	if err := s.tree.ApplyDiff(diff); err != nil {
		// A concurrent mutation raced the reconcile; the next pass converges.
		s.logger.Warn("full reconcile skipped", zap.String("scope", scope.String()), zap.Error(err))
		return
	}
	for _, id := range invalidated {
		s.invalidate(ctx, id)
	}
}

// confirmSchemaRemovals counts schemas the authority no longer lists and
// removes each subtree once confirmed.
func (s *Syncer) confirmSchemaRemovals(ctx context.Context, catalog string, remoteSchemas map[string]struct{}) {
	localSchemas, ok := s.tree.ListSchemas(catalog)
	if !ok {
		return
	}
	for _, schema := range localSchemas {
		if _, ok := remoteSchemas[schema]; ok {
			continue
		}
		scope := metadata.SchemaScope{Catalog: catalog, Schema: schema}
		if s.recordMissedSchema(scope) < missThreshold {
			continue
		}
		s.removeSchemaScope(ctx, scope)
	}
}

func (s *Syncer) confirmCatalogRemovals(ctx context.Context, remoteCatalogs map[string]struct{}) {
	for _, catalog := range s.tree.ListCatalogs() {
		if _, ok := remoteCatalogs[catalog]; ok {
			continue
		}
		if s.recordMissedCatalog(catalog) < missThreshold {
			continue
		}
		s.removeCatalog(ctx, catalog)
	}
}

func (s *Syncer) removeSchemaScope(ctx context.Context, scope metadata.SchemaScope) {
	tables, ok := s.tree.ListTables(scope.Catalog, scope.Schema)
	if !ok {
		return
	}
	diff := namespace.Diff{RemoveSchemas: []metadata.SchemaScope{scope}}
	ids := make([]metadata.TableID, 0, len(tables))
	for _, entry := range tables {
		diff.RemoveTables = append(diff.RemoveTables, metadata.TablePath{Catalog: scope.Catalog, Schema: scope.Schema, Table: entry.Name})
		ids = append(ids, entry.ID)
	}
	if err := s.tree.ApplyDiff(diff); err != nil {
		s.logger.Warn("schema removal skipped", zap.String("scope", scope.String()), zap.Error(err))
		return
	}
	for _, id := range ids {
		s.invalidate(ctx, id)
	}
	s.forgetScope(scope)
	s.logger.Info("schema removed by sync", zap.String("scope", scope.String()), zap.Int("tables", len(ids)))
}

func (s *Syncer) removeCatalog(ctx context.Context, catalog string) {
	schemas, ok := s.tree.ListSchemas(catalog)
	if !ok {
		return
	}
	diff := namespace.Diff{RemoveCatalogs: []string{catalog}}
	var ids []metadata.TableID
	var scopes []metadata.SchemaScope
	for _, schema := range schemas {
		scope := metadata.SchemaScope{Catalog: catalog, Schema: schema}
		scopes = append(scopes, scope)
		diff.RemoveSchemas = append(diff.RemoveSchemas, scope)
		tables, _ := s.tree.ListTables(catalog, schema)
		for _, entry := range tables {
			diff.RemoveTables = append(diff.RemoveTables, metadata.TablePath{Catalog: catalog, Schema: schema, Table: entry.Name})
			ids = append(ids, entry.ID)
		}
	}
	if err := s.tree.ApplyDiff(diff); err != nil {
		s.logger.Warn("catalog removal skipped", zap.String("catalog", catalog), zap.Error(err))
		return
	}
	for _, id := range ids {
		s.invalidate(ctx, id)
	}
	for _, scope := range scopes {
		s.forgetScope(scope)
	}
	s.lock.Lock()
	delete(s.missedCatalogs, catalog)
	s.lock.Unlock()
	s.logger.Info("catalog removed by sync", zap.String("catalog", catalog), zap.Int("tables", len(ids)))
}

func (s *Syncer) invalidate(ctx context.Context, id metadata.TableID) {
	if err := s.invalidator.Invalidate(ctx, id); err != nil {
		s.logger.Error("handle invalidation failed", zap.Uint64("tableID", uint64(id)), zap.Error(err))
	}
}

func (s *Syncer) cursorFor(scope metadata.SchemaScope) int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cursors[scope]
}

func (s *Syncer) setCursor(scope metadata.SchemaScope, revision int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cursors[scope] = revision
}

func (s *Syncer) forgetScope(scope metadata.SchemaScope) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.cursors, scope)
	delete(s.missedSchemas, scope)
	for path := range s.missedTables {
		if path.Catalog == scope.Catalog && path.Schema == scope.Schema {
			delete(s.missedTables, path)
		}
	}
}

func (s *Syncer) recordMissedTable(path metadata.TablePath) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.missedTables[path]++
	return s.missedTables[path]
}

func (s *Syncer) clearMissedTable(path metadata.TablePath) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.missedTables, path)
}

func (s *Syncer) recordMissedSchema(scope metadata.SchemaScope) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.missedSchemas[scope]++
	return s.missedSchemas[scope]
}

func (s *Syncer) clearMissedSchema(scope metadata.SchemaScope) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.missedSchemas, scope)
}

func (s *Syncer) recordMissedCatalog(catalog string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.missedCatalogs[catalog]++
	return s.missedCatalogs[catalog]
}

func (s *Syncer) clearMissedCatalog(catalog string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.missedCatalogs, catalog)
}
