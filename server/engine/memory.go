// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package engine

import (
	"context"
	"sync"

	"github.com/CeresDB/ceresdb-catalog/server/metadata"
	"go.uber.org/zap"
)

// MemoryEngine keeps table data in process memory. It backs the catalog in
// tests and single-node setups, and keeps strict open/close accounting so
// lifecycle bugs (double close, use after close) surface as errors instead of
// silent corruption.
type MemoryEngine struct {
	logger *zap.Logger

	// Mutex is used to protect following fields.
	lock   sync.Mutex
	open   map[metadata.TableID]*memoryTable
	opens  int
	closes int

	// failNextOpen makes the next Open fail, for fault injection in tests.
	failNextOpen bool
}

func NewMemoryEngine(logger *zap.Logger) *MemoryEngine {
	return &MemoryEngine{
		logger: logger,
		lock:   sync.Mutex{},
		open:   make(map[metadata.TableID]*memoryTable),
	}
}

func (e *MemoryEngine) Open(ctx context.Context, table metadata.Table) (TableHandle, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.failNextOpen {
		e.failNextOpen = false
		return nil, ErrOpenTable.WithCausef("injected open failure, table:%s", table.Name)
	}
	if _, ok := e.open[table.ID]; ok {
		return nil, ErrOpenTable.WithCausef("table already open, tableID:%d", table.ID)
	}

	handle := &memoryTable{
		id:         table.ID,
		descriptor: table.Descriptor,
		lock:       sync.RWMutex{},
		rows:       nil,
		closed:     false,
	}
	e.open[table.ID] = handle
	e.opens++

	e.logger.Debug("memory engine opened table", zap.Uint64("tableID", uint64(table.ID)), zap.String("table", table.Name))
	return handle, nil
}

func (e *MemoryEngine) Close(ctx context.Context, handle TableHandle) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	mem, ok := e.open[handle.ID()]
	if !ok || mem != handle {
		return ErrCloseTable.WithCausef("close of unopened handle, tableID:%d", handle.ID())
	}

	mem.markClosed()
	delete(e.open, handle.ID())
	e.closes++

	e.logger.Debug("memory engine closed table", zap.Uint64("tableID", uint64(handle.ID())))
	return nil
}

// FailNextOpen arms one injected Open failure.
func (e *MemoryEngine) FailNextOpen() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.failNextOpen = true
}

// OpenCount returns how many handles are currently open.
func (e *MemoryEngine) OpenCount() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.open)
}

// Stats returns the total numbers of opens and closes so far.
func (e *MemoryEngine) Stats() (opens, closes int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.opens, e.closes
}

type memoryTable struct {
	id         metadata.TableID
	descriptor metadata.Descriptor

	// RWMutex is used to protect following fields.
	lock   sync.RWMutex
	rows   [][]any
	closed bool
}

func (t *memoryTable) ID() metadata.TableID {
	return t.id
}

func (t *memoryTable) Descriptor() metadata.Descriptor {
	return t.descriptor
}

func (t *memoryTable) Append(_ context.Context, row []any) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return ErrHandleClosed.WithCausef("tableID:%d", t.id)
	}
	if len(row) != len(t.descriptor.Columns) {
		return ErrRowMismatch.WithCausef("got %d values, descriptor has %d columns", len(row), len(t.descriptor.Columns))
	}

	t.rows = append(t.rows, row)
	return nil
}

func (t *memoryTable) Scan(_ context.Context) ([][]any, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.closed {
		return nil, ErrHandleClosed.WithCausef("tableID:%d", t.id)
	}

	result := make([][]any, len(t.rows))
	copy(result, t.rows)
	return result, nil
}

func (t *memoryTable) markClosed() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
}
