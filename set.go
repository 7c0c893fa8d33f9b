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

// Package ptrhash implements a hash set of pointer-sized handles where every
// entry carries a few caller-owned flag bits. It is the kind of table a
// garbage collector uses to track the addresses of live objects together with
// mark or weak bits.
//
// # Hashing
//
// Handles are addresses handed out by an allocator that usually hands out
// AlignmentQuantum aligned blocks. The hash of a handle is the handle shifted
// right by AlignmentQuantumLog2, and the home slot of a handle is that hash
// masked by capacity-1. The capacity is always a power of two. Handles that
// are consecutive allocations therefore land in consecutive slots, which is
// the common case for a collector walking a heap. The only bits a handle must
// keep clear are the low FlagBits bits, where a packed word would store the
// flags.
//
// # Probing
//
// Collisions are resolved with linear probing. Each slot is Empty, a
// Tombstone, or Occupied by a handle and its flags. The table records the
// longest distance any insert had to walk from a home slot (maxRunLength).
// A lookup walks forward from the home slot and stops at the first empty
// slot, at a match, or after maxRunLength steps, whichever comes first. No
// live handle can be further away than maxRunLength, so lookups never scan
// the whole table, even when the table has no empty slot left.
//
// # Deletion
//
// Deletion uses tombstones only when it has to. If the slot after the deleted
// one is empty, no probe run can pass through the deleted slot and it is set
// to empty. The tombstones immediately before it are then unreachable too and
// are cleared as well, walking backwards. Otherwise the slot becomes a
// tombstone so that lookups for handles further along the run keep going.
//
// # Maintenance
//
// After every successful insert the table checks its load. When more than
// 2/3 of the slots hold live handles, the capacity doubles. When live handles
// and tombstones together leave fewer than 8 free slots, the table is rehashed
// in place instead, which drops every tombstone without allocating. Owners
// can also call Compact to drop tombstones or to shrink a sparse table back
// to its preferred capacity, and ClearFlags to reset the flags of every entry
// (for example the mark bits at the start of a collection).
//
// A Set is NOT goroutine-safe. Callers hold whatever lock protects the set
// for the full duration of every call. Slot indices returned by SlotIndex are
// invalidated by any call that mutates the set.
package ptrhash

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// AlignmentQuantumLog2 is log2 of the allocation quantum. The hash drops
	// these bits.
	AlignmentQuantumLog2 = 4
	// AlignmentQuantum is the allocation quantum of the heap handles come
	// from.
	AlignmentQuantum = 1 << AlignmentQuantumLog2

	// FlagBits is the number of flag bits stored with each handle. The low
	// FlagBits bits of every handle must be zero.
	FlagBits = 3
	// FlagsMask covers every bit a caller may store in Flags.
	FlagsMask Flags = 1<<FlagBits - 1

	// MinCapacity is the smallest capacity of an allocated table.
	MinCapacity = 64
	// PreferredCapacity is the default capacity Compact shrinks a sparse
	// table back to. See WithPreferredCapacity.
	PreferredCapacity = 1024

	// saturationSlack is the number of free slots below which Add rehashes
	// the table in place.
	saturationSlack = 8
)

// The flag bits must fit in the low bits the allocation quantum keeps zero.
// This fails to compile if FlagBits > AlignmentQuantumLog2.
const _ = uint(AlignmentQuantumLog2 - FlagBits)

// Handle is an opaque, non-zero machine word whose low FlagBits bits are
// zero, typically the address of a heap object.
type Handle uintptr

// hash drops the bits below the allocation quantum.
func (h Handle) hash() uintptr {
	return uintptr(h) >> AlignmentQuantumLog2
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%#x", uintptr(h))
}

// SafeValue implements redact.SafeValue. Handles are addresses, not user
// data.
func (Handle) SafeValue() {}

// Flags holds the caller-owned bits stored with a handle. Only the bits in
// FlagsMask may be set.
type Flags uint8

type slotState uint8

const (
	slotEmpty slotState = iota
	slotTombstone
	slotOccupied
)

// Slot is one cell of the table. The zero Slot is empty, so a zero-filled
// buffer is an empty table.
type Slot struct {
	handle Handle
	flags  Flags
	state  slotState
}

// Set is a hash set of handles with per-handle flags. The zero value is an
// empty set using the default options. A Set is NOT goroutine-safe.
type Set struct {
	allocator         Allocator
	logger            *zap.Logger
	preferredCapacity uintptr

	// slots is capacity in length.
	slots []Slot
	// The number of slots, 0 or a power of two >= MinCapacity. capacity-1 is
	// used as a mask to compute i%capacity.
	capacity uintptr
	// The number of occupied slots.
	count int
	// The number of tombstones.
	removed int
	// The lowest and highest slot an insert wrote to since the last grow or
	// rehash. firstOccupied > lastOccupied when nothing was written.
	firstOccupied uintptr
	lastOccupied  uintptr
	// The longest distance from a home slot any insert had to probe since
	// the last grow or rehash.
	maxRunLength uintptr
}

// New constructs an empty Set. No memory is allocated until the first Add or
// Reserve.
func New(options ...Option) *Set {
	s := &Set{}
	s.Init(options...)
	return s
}

// Init initializes (or reinitializes) a Set with the given options. Any
// memory held by s is dropped without being returned to its allocator; call
// Close first if the allocator needs it back.
func (s *Set) Init(options ...Option) {
	*s = Set{
		allocator:         defaultAllocator{},
		logger:            nopLogger,
		preferredCapacity: PreferredCapacity,
	}
	for _, op := range options {
		op.apply(s)
	}
	s.resetMetadata()
	s.checkInvariants()
}

// Add inserts h with flags f. Adding a handle that is already present leaves
// the stored flags untouched: the first Add wins.
//
// Add returns an error wrapping ErrInvalidArgument if h is zero or has bits
// in FlagsMask set, or if f has bits outside FlagsMask. It returns an error
// wrapping ErrOutOfMemory if the table needed to grow and could not; the set
// is unchanged in that case.
func (s *Set) Add(h Handle, f Flags) error {
	if err := validate(h, f); err != nil {
		return err
	}
	// Make room for h before storing it, so that a failed allocation leaves
	// the set untouched.
	switch {
	case uintptr(s.count+1)*3 > s.capacity*2 || uintptr(s.count+s.removed) >= s.capacity:
		if s.Contains(h) {
			return nil
		}
		if err := s.grow(2*s.capacity, 0); err != nil {
			return err
		}
	case uintptr(s.count+s.removed+1+saturationSlack) >= s.capacity:
		// The load factor leaves empty slots, so this does not allocate.
		if err := s.rehash(0); err != nil {
			return err
		}
	}
	s.insert(h, f)
	s.checkInvariants()
	return nil
}

// Contains returns true if h is in the set.
func (s *Set) Contains(h Handle) bool {
	_, ok := s.SlotIndex(h)
	return ok
}

// SlotIndex returns the slot holding h, or ok=false if h is not in the set.
// The index is only valid until the next mutation of the set.
func (s *Set) SlotIndex(h Handle) (slot int, ok bool) {
	if s.count == 0 {
		return 0, false
	}
	mask := s.capacity - 1
	i := h.hash() & mask
	for run := uintptr(0); ; run++ {
		sl := &s.slots[i]
		switch {
		case sl.state == slotEmpty:
			return 0, false
		case sl.state == slotOccupied && sl.handle == h:
			return int(i), true
		case run >= s.maxRunLength:
			// Every insert recorded how far it probed. Nothing we are
			// looking for can be further along.
			return 0, false
		}
		i = (i + 1) & mask
	}
}

// Remove removes h from the set. It is a noop to remove a handle that is not
// present.
func (s *Set) Remove(h Handle) {
	if i, ok := s.SlotIndex(h); ok {
		s.RemoveSlot(i)
	}
}

// RemoveSlot removes the entry in the given slot, as returned by a SlotIndex
// call with no mutation in between. It panics if the slot is not occupied.
func (s *Set) RemoveSlot(slot int) {
	i := s.occupiedSlot(slot)
	mask := s.capacity - 1
	if s.slots[(i+1)&mask].state == slotEmpty {
		// No probe run continues past i, so i can be emptied. That in turn
		// makes any tombstones directly before i unreachable.
		s.slots[i] = Slot{}
		for j := (i - 1) & mask; s.slots[j].state == slotTombstone; j = (j - 1) & mask {
			s.slots[j] = Slot{}
			s.removed--
		}
	} else {
		s.slots[i] = Slot{state: slotTombstone}
		s.removed++
	}
	s.count--
	s.checkInvariants()
}

// At returns the handle and flags stored in a slot. ok is false if the slot
// is out of range or not occupied.
func (s *Set) At(slot int) (h Handle, f Flags, ok bool) {
	if slot < 0 || uintptr(slot) >= s.capacity {
		return 0, 0, false
	}
	sl := &s.slots[slot]
	if sl.state != slotOccupied {
		return 0, 0, false
	}
	return sl.handle, sl.flags, true
}

// SetFlag sets the bits of f in the flags of the entry in the given slot. It
// panics if the slot is not occupied.
func (s *Set) SetFlag(slot int, f Flags) error {
	if err := validateFlags(f); err != nil {
		return err
	}
	s.slots[s.occupiedSlot(slot)].flags |= f
	return nil
}

// ClearFlag clears the bits of f in the flags of the entry in the given slot.
// It panics if the slot is not occupied.
func (s *Set) ClearFlag(slot int, f Flags) error {
	if err := validateFlags(f); err != nil {
		return err
	}
	s.slots[s.occupiedSlot(slot)].flags &^= f
	return nil
}

// ClearFlags clears the flags of every entry. Only the span of slots written
// since the last grow or rehash is visited.
func (s *Set) ClearFlags() {
	for i := s.firstOccupied; i <= s.lastOccupied && i < s.capacity; i++ {
		s.slots[i].flags = 0
	}
	s.checkInvariants()
}

// Compact drops every tombstone and clears the bits of flagMask in the flags
// of every entry. A table larger than its preferred capacity that is less
// than a third full of its preferred capacity is shrunk back to the
// preferred capacity, otherwise the table is rehashed in place.
func (s *Set) Compact(flagMask Flags) error {
	preferred := s.preferred()
	if s.capacity > preferred && uintptr(s.count)*3 < preferred {
		s.log().Debug("shrinking pointer set",
			zap.Uint64("capacity", uint64(s.capacity)),
			zap.Uint64("preferred-capacity", uint64(preferred)),
			zap.Int("count", s.count))
		return s.grow(preferred, flagMask)
	}
	return s.rehash(flagMask)
}

// Rehash drops every tombstone in place and clears the bits of flagMask in
// the flags of every entry. If the table has no empty slot it is grown
// instead.
func (s *Set) Rehash(flagMask Flags) error {
	return s.rehash(flagMask)
}

// Reserve grows the table so that it can hold n entries without exceeding
// the load factor. It returns an error wrapping ErrOutOfMemory if n entries
// would need more than the largest supported table.
func (s *Set) Reserve(n int) error {
	if n <= 0 {
		return nil
	}
	if n > maxReserve {
		return errors.Wrapf(ErrOutOfMemory, "reserving %d entries (maximum %d)", n, maxReserve)
	}
	target := normalizeCapacity(uintptr((uint64(n)*3 + 1) / 2))
	if target <= s.capacity {
		return nil
	}
	return s.grow(target, 0)
}

// Clear removes every entry, retaining the allocated capacity.
func (s *Set) Clear() {
	clear(s.slots)
	s.resetMetadata()
	s.checkInvariants()
}

// Close releases the table memory back to the configured allocator and
// leaves the set empty with zero capacity. Close is idempotent.
func (s *Set) Close() {
	if s.capacity > 0 {
		s.alloc().FreeSlots(s.slots)
	}
	s.slots = nil
	s.capacity = 0
	s.resetMetadata()
}

// All calls yield sequentially for each handle and its flags, in slot order.
// If yield returns false, iteration stops. Mutating the set during iteration
// is allowed, but the mutations may or may not be observed.
func (s *Set) All(yield func(h Handle, f Flags) bool) {
	slots := s.slots
	for i, n := s.firstOccupied, min(s.lastOccupied+1, uintptr(len(slots))); i < n; i++ {
		if sl := &slots[i]; sl.state == slotOccupied {
			if !yield(sl.handle, sl.flags) {
				return
			}
		}
	}
}

// Len returns the number of entries in the set.
func (s *Set) Len() int {
	return s.count
}

// Cap returns the number of slots in the table.
func (s *Set) Cap() int {
	return int(s.capacity)
}

// Removed returns the number of tombstones in the table.
func (s *Set) Removed() int {
	return s.removed
}

// insert stores h with flags f unless h is already present. It performs no
// load factor check; the table must have a free (empty or tombstone) slot.
// Returns false if h was already present.
func (s *Set) insert(h Handle, f Flags) bool {
	mask := s.capacity - 1
	i := h.hash() & mask

	var target, targetRun uintptr
	var found bool
probe:
	for run := uintptr(0); ; run++ {
		if run >= s.capacity && !found {
			panic(errors.AssertionFailedf("no free slot for %s\n%s", h, s.debugString()))
		}
		sl := &s.slots[i]
		switch sl.state {
		case slotOccupied:
			if sl.handle == h {
				return false
			}
		case slotTombstone:
			if !found {
				target, targetRun, found = i, run, true
			}
		case slotEmpty:
			if !found {
				target, targetRun, found = i, run, true
			}
			break probe
		}
		// A tombstone can be reused once we know h is not stored further
		// along: no live entry is more than maxRunLength from its home slot.
		if found && run >= s.maxRunLength {
			break
		}
		i = (i + 1) & mask
	}

	sl := &s.slots[target]
	if sl.state == slotTombstone {
		s.removed--
	}
	*sl = Slot{handle: h, flags: f, state: slotOccupied}
	s.count++
	s.firstOccupied = min(s.firstOccupied, target)
	s.lastOccupied = max(s.lastOccupied, target)
	s.maxRunLength = max(s.maxRunLength, targetRun)
	return true
}

// grow moves every entry into a freshly allocated table of newCapacity slots
// (clamped to MinCapacity and rounded to a power of two), clearing the bits of
// flagMask on the way. Tombstones are dropped. If the allocation fails the
// set is left untouched and an error marked with ErrOutOfMemory is returned.
func (s *Set) grow(newCapacity uintptr, flagMask Flags) error {
	newCapacity = normalizeCapacity(newCapacity)
	if newCapacity == s.capacity {
		return nil
	}
	if uintptr(s.count) >= newCapacity {
		panic(errors.AssertionFailedf("cannot resize to %d slots holding %d entries", newCapacity, s.count))
	}

	newSlots, err := s.alloc().AllocSlots(int(newCapacity))
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "allocating %d slots", newCapacity), ErrOutOfMemory)
		s.log().Warn("pointer set allocation failed",
			zap.Uint64("capacity", uint64(s.capacity)),
			zap.Uint64("new-capacity", uint64(newCapacity)),
			zap.Int("count", s.count),
			zap.Error(err))
		return err
	}
	if uintptr(len(newSlots)) != newCapacity {
		panic(errors.AssertionFailedf("allocator returned %d slots, expected %d", len(newSlots), newCapacity))
	}

	oldSlots, oldCapacity, oldRemoved := s.slots, s.capacity, s.removed
	s.slots = newSlots
	s.capacity = newCapacity
	s.resetMetadata()
	for i := range oldSlots {
		if sl := &oldSlots[i]; sl.state == slotOccupied {
			s.insert(sl.handle, sl.flags&^flagMask)
		}
	}
	if oldCapacity > 0 {
		s.alloc().FreeSlots(oldSlots)
	}

	s.log().Debug("pointer set resized",
		zap.Uint64("old-capacity", uint64(oldCapacity)),
		zap.Uint64("capacity", uint64(newCapacity)),
		zap.Int("count", s.count),
		zap.Int("dropped-tombstones", oldRemoved))
	s.checkInvariants()
	return nil
}

// rehash drops every tombstone without allocating. It needs one empty slot to
// start from: an entry never sits behind an empty slot in its probe run, so
// walking forward from an empty slot, every entry we pick up moves to a slot
// we have already visited or to the slot it came from. If there is no empty
// slot the table is grown instead.
func (s *Set) rehash(flagMask Flags) error {
	if s.capacity == 0 {
		return nil
	}
	gap, ok := s.findEmpty()
	if !ok {
		return s.grow(2*s.capacity, flagMask)
	}

	oldRemoved, oldRunLength := s.removed, s.maxRunLength
	mask := s.capacity - 1
	s.resetMetadata()
	for n, i := uintptr(0), (gap+1)&mask; n < s.capacity; n, i = n+1, (i+1)&mask {
		// Read the slot, clear it, then put the entry back (possibly in the
		// slot we just cleared).
		sl := s.slots[i]
		s.slots[i] = Slot{}
		if sl.state == slotOccupied {
			s.insert(sl.handle, sl.flags&^flagMask)
		}
	}

	s.log().Debug("pointer set rehashed",
		zap.Uint64("capacity", uint64(s.capacity)),
		zap.Int("count", s.count),
		zap.Int("dropped-tombstones", oldRemoved),
		zap.Uint64("old-max-run", uint64(oldRunLength)),
		zap.Uint64("max-run", uint64(s.maxRunLength)))
	s.checkInvariants()
	return nil
}

// findEmpty returns the index of an empty slot.
func (s *Set) findEmpty() (uintptr, bool) {
	for i := range s.slots {
		if s.slots[i].state == slotEmpty {
			return uintptr(i), true
		}
	}
	return 0, false
}

func (s *Set) resetMetadata() {
	s.count = 0
	s.removed = 0
	s.firstOccupied = s.capacity
	s.lastOccupied = 0
	s.maxRunLength = 0
}

// occupiedSlot checks that slot holds an entry and returns it as an index.
func (s *Set) occupiedSlot(slot int) uintptr {
	if slot < 0 || uintptr(slot) >= s.capacity || s.slots[slot].state != slotOccupied {
		panic(errors.AssertionFailedf("slot %d is not occupied (capacity %d)", slot, s.capacity))
	}
	return uintptr(slot)
}

func (s *Set) alloc() Allocator {
	if s.allocator == nil {
		return defaultAllocator{}
	}
	return s.allocator
}

func (s *Set) log() *zap.Logger {
	if s.logger == nil {
		return nopLogger
	}
	return s.logger
}

func (s *Set) preferred() uintptr {
	if s.preferredCapacity == 0 {
		return PreferredCapacity
	}
	return s.preferredCapacity
}

// normalizeCapacity rounds n up to a power of two >= MinCapacity.
func normalizeCapacity(n uintptr) uintptr {
	if n <= MinCapacity {
		return MinCapacity
	}
	return uintptr(1) << bits.Len(uint(n-1))
}

func validate(h Handle, f Flags) error {
	if h == 0 {
		return errors.Wrap(ErrInvalidArgument, "zero handle")
	}
	if Flags(h)&FlagsMask != 0 {
		return errors.Wrapf(ErrInvalidArgument,
			"handle %s overlaps the flag bits (flags mask %#x)", h, uint8(FlagsMask))
	}
	return validateFlags(f)
}

func validateFlags(f Flags) error {
	if f&^FlagsMask != 0 {
		return errors.Wrapf(ErrInvalidArgument,
			"flags %#x overlap handle bits (flags mask %#x)", uint8(f), uint8(FlagsMask))
	}
	return nil
}

func (s *Set) checkInvariants() {
	if invariants {
		if err := s.verify(); err != nil {
			panic(err)
		}
	}
}

// verify checks the structural invariants of the table, returning an
// assertion failure describing the first violation found.
func (s *Set) verify() error {
	if s.capacity != 0 && (s.capacity < MinCapacity || s.capacity&(s.capacity-1) != 0) {
		return errors.AssertionFailedf("capacity %d is not a power of two >= %d", s.capacity, MinCapacity)
	}
	if uintptr(len(s.slots)) != s.capacity {
		return errors.AssertionFailedf("found %d slots, but capacity is %d", len(s.slots), s.capacity)
	}

	var used, removed int
	mask := s.capacity - 1
	for i := uintptr(0); i < s.capacity; i++ {
		sl := &s.slots[i]
		switch sl.state {
		case slotEmpty:
		case slotTombstone:
			removed++
		case slotOccupied:
			used++
			if i < s.firstOccupied || i > s.lastOccupied {
				return errors.AssertionFailedf("slot(%d): %s outside occupied span [%d,%d]\n%s",
					i, sl.handle, s.firstOccupied, s.lastOccupied, s.debugString())
			}
			home := sl.handle.hash() & mask
			if dist := (i - home) & mask; dist > s.maxRunLength {
				return errors.AssertionFailedf("slot(%d): %s is %d from home %d, max run is %d\n%s",
					i, sl.handle, dist, home, s.maxRunLength, s.debugString())
			}
			for j := home; j != i; j = (j + 1) & mask {
				if s.slots[j].state == slotEmpty {
					return errors.AssertionFailedf("slot(%d): %s is behind empty slot %d\n%s",
						i, sl.handle, j, s.debugString())
				}
			}
			if j, ok := s.SlotIndex(sl.handle); !ok || uintptr(j) != i {
				return errors.AssertionFailedf("slot(%d): %s not found\n%s", i, sl.handle, s.debugString())
			}
		default:
			return errors.AssertionFailedf("slot(%d): unknown state %d", i, sl.state)
		}
	}
	if used != s.count {
		return errors.AssertionFailedf("found %d used slots, but count is %d\n%s", used, s.count, s.debugString())
	}
	if removed != s.removed {
		return errors.AssertionFailedf("found %d tombstones, but removed is %d\n%s", removed, s.removed, s.debugString())
	}
	return nil
}

func (s *Set) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s\n", s.Stats())
	for i := uintptr(0); i < s.capacity; i++ {
		switch sl := &s.slots[i]; sl.state {
		case slotEmpty:
		case slotTombstone:
			fmt.Fprintf(&buf, "  %4d: tombstone\n", i)
		case slotOccupied:
			fmt.Fprintf(&buf, "  %4d: %s [flags=%x home=%d]\n",
				i, sl.handle, uint8(sl.flags), sl.handle.hash()&(s.capacity-1))
		}
	}
	return buf.String()
}
