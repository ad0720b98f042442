// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package catalog

import (
	"context"

	"github.com/CeresDB/ceresdb-catalog/pkg/backoff"
	"github.com/CeresDB/ceresdb-catalog/pkg/coderr"
	"github.com/CeresDB/ceresdb-catalog/server/handle"
	"github.com/CeresDB/ceresdb-catalog/server/metadata"
	"github.com/CeresDB/ceresdb-catalog/server/namespace"
	"github.com/CeresDB/ceresdb-catalog/server/remote"
	"go.uber.org/zap"
)

const defaultPathLockCapacity = 64

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
}

// Manager is the single entry point for namespace reads, table resolution and
// metadata mutations. Reads serve from the local cache; mutations go to the
// remote authority first and are reflected locally only after it confirms.
type Manager interface {
	// Resolve returns a lease on the named table's handle. Cache hits answer
	// from the local view; a miss consults the authority before failing.
	Resolve(ctx context.Context, catalog, schema, table string) (*handle.Lease, error)
	ListCatalogs(ctx context.Context) []string
	ListSchemas(ctx context.Context, catalog string) ([]string, error)
	ListTables(ctx context.Context, catalog, schema string) ([]metadata.Table, error)
	CreateCatalog(ctx context.Context, name string) error
	CreateSchema(ctx context.Context, catalog, name string) error
	CreateTable(ctx context.Context, req CreateTableRequest) (metadata.Table, error)
	// DropTable is idempotent: dropping an absent table succeeds.
	DropTable(ctx context.Context, catalog, schema, table string) error
	AlterTable(ctx context.Context, req AlterTableRequest) (metadata.Table, error)
}

// SyncTrigger requests a background reconciliation pass soon.
type SyncTrigger interface {
	TriggerSync()
}

type ManagerImpl struct {
	logger   *zap.Logger
	client   remote.Client
	tree     *namespace.Tree
	registry *handle.Registry
	trigger  SyncTrigger
	policy   backoff.Policy
	pathLock *PathLock
}

func NewManagerImpl(logger *zap.Logger, client remote.Client, tree *namespace.Tree, registry *handle.Registry, trigger SyncTrigger, policy backoff.Policy) *ManagerImpl {
	return &ManagerImpl{
		logger:   logger,
		client:   client,
		tree:     tree,
		registry: registry,
		trigger:  trigger,
		policy:   policy,
		pathLock: NewPathLock(defaultPathLockCapacity),
	}
}

func (m *ManagerImpl) Resolve(ctx context.Context, catalog, schema, table string) (*handle.Lease, error) {
	if entry, ok := m.tree.Lookup(catalog, schema, table); ok {
		return m.registry.Acquire(ctx, entry)
	}

	// Cache miss. The table may have been created remotely since the last
	// sync pass, so absence is only trusted after asking the authority.
	var entry metadata.Table
	var found bool
	err := m.withRetry(ctx, "get table", func(ctx context.Context) error {
		var err error
		entry, found, err = m.client.GetTable(ctx, catalog, schema, table)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrTableNotFound.WithCausef("catalog:%s, schema:%s, table:%s", catalog, schema, table)
	}

	m.tree.PutTable(entry)
	return m.registry.Acquire(ctx, entry)
}

func (m *ManagerImpl) ListCatalogs(_ context.Context) []string {
	return m.tree.ListCatalogs()
}

func (m *ManagerImpl) ListSchemas(_ context.Context, catalog string) ([]string, error) {
	schemas, ok := m.tree.ListSchemas(catalog)
	if !ok {
		return nil, ErrCatalogNotFound.WithCausef("catalog:%s", catalog)
	}
	return schemas, nil
}

func (m *ManagerImpl) ListTables(_ context.Context, catalog, schema string) ([]metadata.Table, error) {
	tables, ok := m.tree.ListTables(catalog, schema)
	if !ok {
		if _, catalogExists := m.tree.ListSchemas(catalog); !catalogExists {
			return nil, ErrCatalogNotFound.WithCausef("catalog:%s", catalog)
		}
		return nil, ErrSchemaNotFound.WithCausef("catalog:%s, schema:%s", catalog, schema)
	}
	return tables, nil
}

func (m *ManagerImpl) CreateCatalog(ctx context.Context, name string) error {
	paths := []string{name}
	m.pathLock.Lock(paths)
	defer m.pathLock.UnLock(paths)

	var created metadata.Catalog
	err := m.withRetry(ctx, "create catalog", func(ctx context.Context) error {
		var err error
		created, err = m.client.CreateCatalog(ctx, name)
		return err
	})
	if err != nil {
		return err
	}

	if err := m.tree.ApplyDiff(namespace.Diff{AddCatalogs: []metadata.Catalog{created}}); err != nil {
		// Already inserted by a concurrent sync pass.
		m.logger.Debug("catalog already cached", zap.String("catalog", name), zap.Error(err))
	}
	m.trigger.TriggerSync()
	return nil
}

func (m *ManagerImpl) CreateSchema(ctx context.Context, catalog, name string) error {
	scope := metadata.SchemaScope{Catalog: catalog, Schema: name}
	paths := []string{scope.String()}
	m.pathLock.Lock(paths)
	defer m.pathLock.UnLock(paths)

	var created metadata.Schema
	err := m.withRetry(ctx, "create schema", func(ctx context.Context) error {
		var err error
		created, err = m.client.CreateSchema(ctx, catalog, name)
		return err
	})
	if err != nil {
		return err
	}

	if err := m.tree.ApplyDiff(namespace.Diff{AddSchemas: []metadata.Schema{created}}); err != nil {
		m.logger.Debug("schema already cached", zap.String("scope", scope.String()), zap.Error(err))
	}
	m.trigger.TriggerSync()
	return nil
}

func (m *ManagerImpl) CreateTable(ctx context.Context, req CreateTableRequest) (metadata.Table, error) {
	var emptyTable metadata.Table
	path := metadata.TablePath{Catalog: req.Catalog, Schema: req.Schema, Table: req.Table}
	paths := []string{path.String()}
	m.pathLock.Lock(paths)
	defer m.pathLock.UnLock(paths)

	var created metadata.Table
	err := m.withRetry(ctx, "create table", func(ctx context.Context) error {
		var err error
		created, err = m.client.CreateTable(ctx, remote.CreateTableRequest{
			Catalog:    req.Catalog,
			Schema:     req.Schema,
			Table:      req.Table,
			Descriptor: req.Descriptor,
		})
		return err
	})
	if err != nil {
		return emptyTable, err
	}

	m.tree.PutTable(created)
	m.trigger.TriggerSync()
	m.logger.Info("table created", zap.String("path", path.String()), zap.Uint64("tableID", uint64(created.ID)))
	return created, nil
}

func (m *ManagerImpl) DropTable(ctx context.Context, catalog, schema, table string) error {
	path := metadata.TablePath{Catalog: catalog, Schema: schema, Table: table}
	paths := []string{path.String()}
	m.pathLock.Lock(paths)
	defer m.pathLock.UnLock(paths)

	err := m.withRetry(ctx, "drop table", func(ctx context.Context) error {
		return m.client.DropTable(ctx, catalog, schema, table)
	})
	if err != nil && !coderr.Is(err, coderr.NotFound) {
		return err
	}
	alreadyAbsent := err != nil

	if removed, ok := m.tree.RemoveTable(path); ok {
		if err := m.registry.Invalidate(ctx, removed.ID); err != nil {
			m.logger.Error("invalidate dropped table failed", zap.String("path", path.String()), zap.Error(err))
		}
	}
	m.trigger.TriggerSync()
	m.logger.Info("table dropped", zap.String("path", path.String()), zap.Bool("alreadyAbsent", alreadyAbsent))
	return nil
}

func (m *ManagerImpl) AlterTable(ctx context.Context, req AlterTableRequest) (metadata.Table, error) {
	var emptyTable metadata.Table
	path := metadata.TablePath{Catalog: req.Catalog, Schema: req.Schema, Table: req.Table}
	paths := []string{path.String()}
	m.pathLock.Lock(paths)
	defer m.pathLock.UnLock(paths)

	// The alter is a compare-and-set against the version this caller sees.
	base, ok := m.tree.Lookup(req.Catalog, req.Schema, req.Table)
	if !ok {
		var found bool
		err := m.withRetry(ctx, "get table", func(ctx context.Context) error {
			var err error
			base, found, err = m.client.GetTable(ctx, req.Catalog, req.Schema, req.Table)
			return err
		})
		if err != nil {
			return emptyTable, err
		}
		if !found {
			return emptyTable, ErrTableNotFound.WithCausef("path:%s", path)
		}
	}

	var altered metadata.Table
	err := m.withRetry(ctx, "alter table", func(ctx context.Context) error {
		var err error
		altered, err = m.client.AlterTable(ctx, remote.AlterTableRequest{
			Catalog:     req.Catalog,
			Schema:      req.Schema,
			Table:       req.Table,
			Descriptor:  req.Descriptor,
			BaseVersion: base.Version,
		})
		return err
	})
	if err != nil {
		return emptyTable, err
	}

	m.tree.PutTable(altered)
	m.trigger.TriggerSync()
	m.logger.Info("table altered", zap.String("path", path.String()), zap.Uint64("version", uint64(altered.Version)))
	return altered, nil
}

// withRetry runs op, retrying transient remote failures under the mutation
// policy. Definite answers (not found, conflict) surface immediately.
func (m *ManagerImpl) withRetry(ctx context.Context, name string, op func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil || !coderr.Is(err, coderr.Unavailable) {
			return err
		}
		if !m.policy.Permit(attempt + 1) {
			m.logger.Error("remote call failed, retries exhausted", zap.String("op", name), zap.Int("attempts", attempt+1), zap.Error(err))
			return err
		}
		m.logger.Warn("remote call failed, will retry", zap.String("op", name), zap.Int("attempt", attempt+1), zap.Error(err))
		if !m.policy.Wait(ctx.Done(), attempt) {
			return err
		}
	}
}
