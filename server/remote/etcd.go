// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package remote

import (
	"context"
	"time"

	"github.com/CeresDB/ceresdb-catalog/pkg/coderr"
	"github.com/CeresDB/ceresdb-catalog/server/etcdutil"
	"github.com/CeresDB/ceresdb-catalog/server/id"
	"github.com/CeresDB/ceresdb-catalog/server/metadata"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultRequestTimeout = time.Second * 5
	defaultScanBatchSize  = 100
	defaultIDAllocStep    = 20
	defaultCatchupTimeout = time.Second * 2

	firstTableVersion = metadata.Version(1)
)

type EtcdOptions struct {
	RootPath string
	// RequestTimeout bounds every single etcd round-trip.
	RequestTimeout time.Duration
	ScanBatchSize  int
	IDAllocStep    uint
	// CatchupTimeout bounds the watch-based incremental listing. If the watch
	// cannot catch up with the current revision within it, the cursor is
	// reported expired and the caller falls back to a full listing.
	CatchupTimeout time.Duration
}

func (o *EtcdOptions) withDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.ScanBatchSize <= 0 {
		o.ScanBatchSize = defaultScanBatchSize
	}
	if o.IDAllocStep == 0 {
		o.IDAllocStep = defaultIDAllocStep
	}
	if o.CatchupTimeout <= 0 {
		o.CatchupTimeout = defaultCatchupTimeout
	}
}

// EtcdClient implements Client on top of an etcd-backed metadata authority.
// Cursors handed out by ListTables are etcd store revisions; incremental
// listings are served by a one-shot watch from cursor+1.
type EtcdClient struct {
	logger *zap.Logger
	client *clientv3.Client
	kv     *etcdKV
	opts   EtcdOptions

	tableIDAlloc id.Allocator
}

func NewEtcdClient(logger *zap.Logger, client *clientv3.Client, opts EtcdOptions) *EtcdClient {
	opts.withDefaults()
	return &EtcdClient{
		logger:       logger,
		client:       client,
		kv:           newEtcdKV(client, opts.RequestTimeout),
		opts:         opts,
		tableIDAlloc: id.NewAllocatorImpl(logger, client.KV, makeAllocKey(opts.RootPath, AllocTableIDKey), opts.IDAllocStep),
	}
}

func (c *EtcdClient) ListCatalogs(ctx context.Context) ([]metadata.Catalog, error) {
	prefix := makeCatalogScanPrefix(c.opts.RootPath)

	catalogs := make([]metadata.Catalog, 0, 4)
	_, err := etcdutil.Scan(ctx, c.kv.client, prefix, clientv3.GetPrefixRangeEnd(prefix), c.opts.ScanBatchSize, func(_ string, val []byte) error {
		catalog, err := decodeCatalog(val)
		if err != nil {
			return err
		}
		catalogs = append(catalogs, catalog)
		return nil
	})
	if err != nil {
		return nil, classifyEtcdError(err)
	}

	return catalogs, nil
}

func (c *EtcdClient) ListSchemas(ctx context.Context, catalog string) ([]metadata.Schema, error) {
	if err := c.checkKeyExists(ctx, makeCatalogKey(c.opts.RootPath, catalog), ErrCatalogNotFound, "catalog:%s", catalog); err != nil {
		return nil, err
	}

	prefix := makeSchemaScanPrefix(c.opts.RootPath, catalog)
	schemas := make([]metadata.Schema, 0, 4)
	_, err := etcdutil.Scan(ctx, c.kv.client, prefix, clientv3.GetPrefixRangeEnd(prefix), c.opts.ScanBatchSize, func(_ string, val []byte) error {
		schema, err := decodeSchema(val)
		if err != nil {
			return err
		}
		schemas = append(schemas, schema)
		return nil
	})
	if err != nil {
		return nil, classifyEtcdError(err)
	}

	return schemas, nil
}

func (c *EtcdClient) ListTables(ctx context.Context, req ListTablesRequest) (ListTablesResult, error) {
	var emptyResult ListTablesResult

	if err := c.checkKeyExists(ctx, makeSchemaKey(c.opts.RootPath, req.Catalog, req.Schema), ErrSchemaNotFound, "catalog:%s, schema:%s", req.Catalog, req.Schema); err != nil {
		return emptyResult, err
	}

	if req.SinceRevision > 0 {
		return c.listTablesIncremental(ctx, req)
	}

	prefix := makeTableScanPrefix(c.opts.RootPath, req.Catalog, req.Schema)
	tables := make([]metadata.Table, 0, 16)
	revision, err := etcdutil.Scan(ctx, c.kv.client, prefix, clientv3.GetPrefixRangeEnd(prefix), c.opts.ScanBatchSize, func(_ string, val []byte) error {
		table, err := decodeTable(val)
		if err != nil {
			return err
		}
		tables = append(tables, table)
		return nil
	})
	if err != nil {
		return emptyResult, classifyEtcdError(err)
	}

	return ListTablesResult{
		Tables:      tables,
		Events:      nil,
		Revision:    revision,
		Incremental: false,
	}, nil
}

// listTablesIncremental replays the watch events in (cursor, currentRevision]
// for the schema's table prefix. The revision is store-global, so a quiet
// schema may never see an event even though the store moved on; the catch-up
// timeout converts that case into a cursor-expired fallback.
func (c *EtcdClient) listTablesIncremental(ctx context.Context, req ListTablesRequest) (ListTablesResult, error) {
	var emptyResult ListTablesResult
	prefix := makeTableScanPrefix(c.opts.RootPath, req.Catalog, req.Schema)

	resp, err := c.kv.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return emptyResult, classifyEtcdError(err)
	}
	currentRev := resp.Header.GetRevision()
	if currentRev <= req.SinceRevision {
		return ListTablesResult{
			Tables:      nil,
			Events:      nil,
			Revision:    req.SinceRevision,
			Incremental: true,
		}, nil
	}

	watchCtx, cancel := context.WithTimeout(clientv3.WithRequireLeader(ctx), c.opts.CatchupTimeout)
	defer cancel()

	wch := c.client.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(req.SinceRevision+1))
	events := make([]TableEvent, 0, 8)
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			if errors.Is(err, rpctypes.ErrCompacted) {
				return emptyResult, ErrCursorExpired.WithCausef("cursor:%d, compacted:%d", req.SinceRevision, wresp.CompactRevision)
			}
			return emptyResult, classifyEtcdError(err)
		}

		for _, ev := range wresp.Events {
			switch ev.Type {
			case mvccpb.PUT:
				table, err := decodeTable(ev.Kv.Value)
				if err != nil {
					return emptyResult, err
				}
				events = append(events, TableEvent{Type: EventPut, Table: table, TableName: table.Name})
			case mvccpb.DELETE:
				events = append(events, TableEvent{Type: EventDelete, Table: metadata.Table{}, TableName: tableNameFromKey(string(ev.Kv.Key))})
			}
		}

		if wresp.Header.GetRevision() >= currentRev {
			return ListTablesResult{
				Tables:      nil,
				Events:      events,
				Revision:    currentRev,
				Incremental: true,
			}, nil
		}
	}

	// The watch closed before catching up, most likely the catch-up timeout on
	// a prefix without events. Let the caller relist from scratch.
	return emptyResult, ErrCursorExpired.WithCausef("watch closed before catching up, cursor:%d, target:%d", req.SinceRevision, currentRev)
}

func (c *EtcdClient) GetTable(ctx context.Context, catalog, schema, table string) (metadata.Table, bool, error) {
	var emptyTable metadata.Table

	resp, err := c.kv.Get(ctx, makeTableKey(c.opts.RootPath, catalog, schema, table))
	if err != nil {
		return emptyTable, false, classifyEtcdError(err)
	}
	if len(resp.Kvs) == 0 {
		return emptyTable, false, nil
	}

	decoded, err := decodeTable(resp.Kvs[0].Value)
	if err != nil {
		return emptyTable, false, err
	}
	return decoded, true, nil
}

func (c *EtcdClient) CreateCatalog(ctx context.Context, name string) (metadata.Catalog, error) {
	var emptyCatalog metadata.Catalog

	catalog := metadata.Catalog{
		Name:      name,
		CreatedAt: uint64(time.Now().UnixMilli()),
	}
	payload, err := encodeCatalog(catalog)
	if err != nil {
		return emptyCatalog, err
	}

	key := makeCatalogKey(c.opts.RootPath, name)
	resp, err := c.kv.Txn(ctx).
		If(clientv3util.KeyMissing(key)).
		Then(clientv3.OpPut(key, string(payload))).
		Commit()
	if err != nil {
		return emptyCatalog, classifyEtcdError(err)
	}
	if !resp.Succeeded {
		return emptyCatalog, ErrConflict.WithCausef("catalog already exists, catalog:%s", name)
	}

	c.logger.Info("catalog created", zap.String("catalog", name))
	return catalog, nil
}

func (c *EtcdClient) CreateSchema(ctx context.Context, catalog, name string) (metadata.Schema, error) {
	var emptySchema metadata.Schema

	schema := metadata.Schema{
		Name:        name,
		CatalogName: catalog,
		CreatedAt:   uint64(time.Now().UnixMilli()),
	}
	payload, err := encodeSchema(schema)
	if err != nil {
		return emptySchema, err
	}

	catalogKey := makeCatalogKey(c.opts.RootPath, catalog)
	schemaKey := makeSchemaKey(c.opts.RootPath, catalog, name)
	resp, err := c.kv.Txn(ctx).
		If(clientv3util.KeyExists(catalogKey), clientv3util.KeyMissing(schemaKey)).
		Then(clientv3.OpPut(schemaKey, string(payload))).
		Else(clientv3.OpGet(catalogKey, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return emptySchema, classifyEtcdError(err)
	}
	if !resp.Succeeded {
		if txnElseCount(resp) == 0 {
			return emptySchema, ErrCatalogNotFound.WithCausef("catalog:%s", catalog)
		}
		return emptySchema, ErrConflict.WithCausef("schema already exists, catalog:%s, schema:%s", catalog, name)
	}

	c.logger.Info("schema created", zap.String("catalog", catalog), zap.String("schema", name))
	return schema, nil
}

func (c *EtcdClient) CreateTable(ctx context.Context, req CreateTableRequest) (metadata.Table, error) {
	var emptyTable metadata.Table

	tableID, err := c.tableIDAlloc.Alloc(ctx)
	if err != nil {
		return emptyTable, errors.WithMessagef(err, "alloc table id, table:%s", req.Table)
	}

	table := metadata.Table{
		ID:          metadata.TableID(tableID),
		Name:        req.Table,
		SchemaName:  req.Schema,
		CatalogName: req.Catalog,
		Descriptor:  req.Descriptor,
		Version:     firstTableVersion,
		CreatedAt:   uint64(time.Now().UnixMilli()),
	}
	payload, err := encodeTable(table)
	if err != nil {
		return emptyTable, err
	}

	schemaKey := makeSchemaKey(c.opts.RootPath, req.Catalog, req.Schema)
	tableKey := makeTableKey(c.opts.RootPath, req.Catalog, req.Schema, req.Table)
	resp, err := c.kv.Txn(ctx).
		If(clientv3util.KeyExists(schemaKey), clientv3util.KeyMissing(tableKey)).
		Then(clientv3.OpPut(tableKey, string(payload))).
		Else(clientv3.OpGet(schemaKey, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return emptyTable, classifyEtcdError(err)
	}
	if !resp.Succeeded {
		if txnElseCount(resp) == 0 {
			return emptyTable, ErrSchemaNotFound.WithCausef("catalog:%s, schema:%s", req.Catalog, req.Schema)
		}
		return emptyTable, ErrConflict.WithCausef("table already exists, table:%s", req.Table)
	}

	c.logger.Info("table created", zap.String("catalog", req.Catalog), zap.String("schema", req.Schema), zap.String("table", req.Table), zap.Uint64("tableID", tableID))
	return table, nil
}

func (c *EtcdClient) DropTable(ctx context.Context, catalog, schema, table string) error {
	key := makeTableKey(c.opts.RootPath, catalog, schema, table)
	resp, err := c.kv.Txn(ctx).
		If(clientv3util.KeyExists(key)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return classifyEtcdError(err)
	}
	if !resp.Succeeded {
		return ErrTableNotFound.WithCausef("catalog:%s, schema:%s, table:%s", catalog, schema, table)
	}

	c.logger.Info("table dropped", zap.String("catalog", catalog), zap.String("schema", schema), zap.String("table", table))
	return nil
}

func (c *EtcdClient) AlterTable(ctx context.Context, req AlterTableRequest) (metadata.Table, error) {
	var emptyTable metadata.Table
	key := makeTableKey(c.opts.RootPath, req.Catalog, req.Schema, req.Table)

	resp, err := c.kv.Get(ctx, key)
	if err != nil {
		return emptyTable, classifyEtcdError(err)
	}
	if len(resp.Kvs) == 0 {
		return emptyTable, ErrTableNotFound.WithCausef("catalog:%s, schema:%s, table:%s", req.Catalog, req.Schema, req.Table)
	}
	currentRaw := resp.Kvs[0].Value
	current, err := decodeTable(currentRaw)
	if err != nil {
		return emptyTable, err
	}
	if req.BaseVersion != 0 && req.BaseVersion != current.Version {
		return emptyTable, ErrConflict.WithCausef("version mismatch, base:%d, current:%d", req.BaseVersion, current.Version)
	}

	updated := current
	updated.Descriptor = req.Descriptor
	updated.Version = current.Version + 1
	payload, err := encodeTable(updated)
	if err != nil {
		return emptyTable, err
	}

	txnResp, err := c.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", string(currentRaw))).
		Then(clientv3.OpPut(key, string(payload))).
		Commit()
	if err != nil {
		return emptyTable, classifyEtcdError(err)
	}
	if !txnResp.Succeeded {
		return emptyTable, ErrConflict.WithCausef("table changed concurrently, table:%s", req.Table)
	}

	c.logger.Info("table altered", zap.String("catalog", req.Catalog), zap.String("schema", req.Schema), zap.String("table", req.Table), zap.Uint64("version", uint64(updated.Version)))
	return updated, nil
}

func (c *EtcdClient) checkKeyExists(ctx context.Context, key string, notFound coderr.CodeError, format string, a ...any) error {
	resp, err := c.kv.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return classifyEtcdError(err)
	}
	if resp.Count == 0 {
		return notFound.WithCausef(format, a...)
	}
	return nil
}

func txnElseCount(resp *clientv3.TxnResponse) int64 {
	if len(resp.Responses) == 0 {
		return -1
	}
	rangeResp := resp.Responses[0].GetResponseRange()
	if rangeResp == nil {
		return -1
	}
	return rangeResp.Count
}

// classifyEtcdError maps raw etcd client failures into the remote error
// taxonomy. The etcd client surfaces grpc status errors, so transport-level
// trouble shows up as Unavailable/DeadlineExceeded status codes.
func classifyEtcdError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUnavailable.WithCause(err)
	}
	if errors.Is(err, rpctypes.ErrCompacted) {
		return ErrCursorExpired.WithCause(err)
	}

	switch status.Code(errors.Cause(err)) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return ErrUnavailable.WithCause(err)
	default:
		return errors.WithMessage(err, "etcd catalog request")
	}
}
