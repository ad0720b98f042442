// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package handle

import (
	"context"
	"sync"

	"github.com/CeresDB/ceresdb-catalog/server/engine"
	"github.com/CeresDB/ceresdb-catalog/server/metadata"
	"go.uber.org/zap"
)

// Registry caches open engine handles keyed by table id and counts leases on
// each. A handle is opened on first acquire, shared by later acquires, and
// closed exactly once: when its table has been invalidated and the last lease
// is released. A live entry keeps its handle cached even at zero leases.
type Registry struct {
	logger *zap.Logger
	engine engine.Engine

	// Mutex is used to protect following fields.
	lock    sync.Mutex
	entries map[metadata.TableID]*entry
	// dropped tombstones every invalidated id. Table ids are never reused, so
	// a tombstoned id can never become acquirable again; without it a caller
	// racing a drop could re-open the dropped table through a stale entry and
	// leak the handle.
	dropped map[metadata.TableID]struct{}
}

type entry struct {
	table       metadata.Table
	handle      engine.TableHandle
	leases      int
	invalidated bool
}

// Lease is one caller's reference to a cached handle. Release is idempotent:
// only the first call decrements the count.
type Lease struct {
	registry *Registry
	table    metadata.Table
	handle   engine.TableHandle

	releaseOnce sync.Once
}

func NewRegistry(logger *zap.Logger, e engine.Engine) *Registry {
	return &Registry{
		logger:  logger,
		engine:  e,
		lock:    sync.Mutex{},
		entries: make(map[metadata.TableID]*entry),
		dropped: make(map[metadata.TableID]struct{}),
	}
}

// Acquire returns a lease on the handle for the given table, opening it
// through the engine if this is the first acquire. An invalidated id can
// never be acquired again, even through a stale table entry captured before
// the drop.
func (r *Registry) Acquire(ctx context.Context, table metadata.Table) (*Lease, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, gone := r.dropped[table.ID]; gone {
		return nil, ErrTableInvalidated.WithCausef("tableID:%d", table.ID)
	}

	ent, ok := r.entries[table.ID]
	if ok {
		ent.leases++
		return r.newLeaseLocked(ent), nil
	}

	h, err := r.engine.Open(ctx, table)
	if err != nil {
		return nil, ErrAcquireTable.WithCause(err)
	}
	ent = &entry{
		table:       table,
		handle:      h,
		leases:      1,
		invalidated: false,
	}
	r.entries[table.ID] = ent

	r.logger.Debug("handle registry opened table", zap.Uint64("tableID", uint64(table.ID)), zap.String("table", table.Name))
	return r.newLeaseLocked(ent), nil
}

func (r *Registry) newLeaseLocked(ent *entry) *Lease {
	return &Lease{
		registry:    r,
		table:       ent.table,
		handle:      ent.handle,
		releaseOnce: sync.Once{},
	}
}

// Invalidate marks the table's id dropped, permanently. With no outstanding
// leases the handle closes immediately, otherwise the last Release closes it.
// Unknown ids are tombstoned too, so an invalidation racing a stale acquire
// wins regardless of order.
func (r *Registry) Invalidate(ctx context.Context, id metadata.TableID) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.dropped[id] = struct{}{}

	ent, ok := r.entries[id]
	if !ok {
		return nil
	}
	ent.invalidated = true
	if ent.leases > 0 {
		r.logger.Debug("handle invalidated with outstanding leases", zap.Uint64("tableID", uint64(id)), zap.Int("leases", ent.leases))
		return nil
	}
	return r.closeEntryLocked(ctx, ent)
}

func (r *Registry) closeEntryLocked(ctx context.Context, ent *entry) error {
	delete(r.entries, ent.table.ID)
	if err := r.engine.Close(ctx, ent.handle); err != nil {
		r.logger.Error("handle registry failed to close table", zap.Uint64("tableID", uint64(ent.table.ID)), zap.Error(err))
		return err
	}
	r.logger.Debug("handle registry closed table", zap.Uint64("tableID", uint64(ent.table.ID)))
	return nil
}

// Leases returns the outstanding lease count for a table, zero if untracked.
func (r *Registry) Leases(id metadata.TableID) int {
	r.lock.Lock()
	defer r.lock.Unlock()

	ent, ok := r.entries[id]
	if !ok {
		return 0
	}
	return ent.leases
}

// Size returns the number of cached entries, drained or not.
func (r *Registry) Size() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}

func (l *Lease) Table() metadata.Table {
	return l.table
}

func (l *Lease) Handle() engine.TableHandle {
	return l.handle
}

// Release drops this lease. Calling it more than once is safe.
func (l *Lease) Release(ctx context.Context) {
	l.releaseOnce.Do(func() {
		l.registry.release(ctx, l.table.ID)
	})
}

func (r *Registry) release(ctx context.Context, id metadata.TableID) {
	r.lock.Lock()
	defer r.lock.Unlock()

	ent, ok := r.entries[id]
	if !ok {
		return
	}
	ent.leases--
	if ent.invalidated && ent.leases == 0 {
		// Error already logged; nothing for the releasing caller to do.
		_ = r.closeEntryLocked(ctx, ent)
	}
}
