// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ptrhash

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// maxCapacity is the largest table the default allocator hands out.
	maxCapacity = 1 << 30
	// maxReserve is the largest entry count that fits in a maxCapacity table
	// under the load factor.
	maxReserve = maxCapacity / 3 * 2
)

var nopLogger = zap.NewNop()

// Option configures a Set while it is being created.
type Option interface {
	apply(s *Set)
}

// Allocator specifies an interface for allocating and releasing the slot
// buffers used by a Set. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots be
// freed then Set.Close must be called in order to ensure FreeSlots is called
// for the last buffer.
type Allocator interface {
	// AllocSlots should return a zero-filled slice of n slots, equivalent to
	// make([]Slot, n). Returning an error leaves the Set unchanged and
	// surfaces to the caller marked with ErrOutOfMemory.
	AllocSlots(n int) ([]Slot, error)

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []Slot)
}

type defaultAllocator struct{}

func (defaultAllocator) AllocSlots(n int) ([]Slot, error) {
	if n > maxCapacity {
		return nil, errors.Newf("%d slots exceeds the maximum capacity of %d", n, maxCapacity)
	}
	return make([]Slot, n), nil
}

func (defaultAllocator) FreeSlots(v []Slot) {
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(s *Set) {
	s.allocator = op.allocator
}

// WithAllocator is an option to specify the Allocator to use for a Set.
func WithAllocator(allocator Allocator) Option {
	return allocatorOption{allocator}
}

type loggerOption struct {
	logger *zap.Logger
}

func (op loggerOption) apply(s *Set) {
	if op.logger != nil {
		s.logger = op.logger
	}
}

// WithLogger is an option to specify the logger used to report table
// maintenance (resizes, rehashes) and allocation failures. By default nothing
// is logged.
func WithLogger(logger *zap.Logger) Option {
	return loggerOption{logger}
}

type preferredCapacityOption struct {
	capacity int
}

func (op preferredCapacityOption) apply(s *Set) {
	if op.capacity > 0 {
		s.preferredCapacity = normalizeCapacity(uintptr(op.capacity))
	}
}

// WithPreferredCapacity is an option to specify the capacity Compact shrinks
// a sparse table back to. It is rounded up to a power of two no smaller than
// MinCapacity. The default is PreferredCapacity.
func WithPreferredCapacity(capacity int) Option {
	return preferredCapacityOption{capacity}
}
