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

import "github.com/cockroachdb/redact"

// Stats is a snapshot of the table metadata.
type Stats struct {
	// Count is the number of entries.
	Count int
	// Removed is the number of tombstones.
	Removed int
	// Capacity is the number of slots.
	Capacity int
	// FirstOccupiedSlot and LastOccupiedSlot bound the slots written since
	// the last grow or rehash. FirstOccupiedSlot is Capacity and
	// LastOccupiedSlot is 0 if nothing was written.
	FirstOccupiedSlot int
	LastOccupiedSlot  int
	// MaxRunLength is the longest probe distance of any insert since the last
	// grow or rehash.
	MaxRunLength int
}

// Stats returns a snapshot of the table metadata.
func (s *Set) Stats() Stats {
	return Stats{
		Count:             s.count,
		Removed:           s.removed,
		Capacity:          int(s.capacity),
		FirstOccupiedSlot: int(s.firstOccupied),
		LastOccupiedSlot:  int(s.lastOccupied),
		MaxRunLength:      int(s.maxRunLength),
	}
}

// LoadFactor returns Count/Capacity, or 0 for an unallocated table.
func (st Stats) LoadFactor() float64 {
	if st.Capacity == 0 {
		return 0
	}
	return float64(st.Count) / float64(st.Capacity)
}

// SafeFormat implements redact.SafeFormatter.
func (st Stats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("count=%d removed=%d capacity=%d first=%d last=%d max-run=%d",
		st.Count, st.Removed, st.Capacity, st.FirstOccupiedSlot, st.LastOccupiedSlot, st.MaxRunLength)
}

// String implements fmt.Stringer.
func (st Stats) String() string {
	return redact.StringWithoutMarkers(st)
}
