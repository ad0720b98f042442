// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package id

import "context"

// Allocator hands out unique ids for table identities.
type Allocator interface {
	// Alloc allocs a unique id.
	Alloc(ctx context.Context) (uint64, error)
}
