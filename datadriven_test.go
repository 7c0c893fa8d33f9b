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
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// TestDataDriven runs the slot-level scenarios in testdata. Commands:
//
//	new [preferred=<n>]
//	add h=<handle> [f=<flags>]
//	add-range start=<k> n=<n>
//	remove h=<handle>
//	remove-range start=<k> n=<n> [reverse]
//	find h=<handle>
//	set-flag h=<handle> f=<flags>
//	clear-flags
//	compact [mask=<flags>]
//	rehash [mask=<flags>]
//	slots
//	stats
//
// The range commands operate on the handles k<<AlignmentQuantumLog2, whose
// home slot is k modulo the capacity.
func TestDataDriven(t *testing.T) {
	datadriven.Walk(t, "testdata", func(t *testing.T, path string) {
		s := New()
		datadriven.RunTest(t, path, func(t *testing.T, d *datadriven.TestData) string {
			switch d.Cmd {
			case "new":
				var opts []Option
				if d.HasArg("preferred") {
					var preferred int
					d.ScanArgs(t, "preferred", &preferred)
					opts = append(opts, WithPreferredCapacity(preferred))
				}
				s = New(opts...)
				return s.Stats().String()

			case "add":
				err := s.Add(scanHandle(t, d, "h"), scanFlags(t, d, "f"))
				switch {
				case err == nil:
					return "ok"
				case errors.Is(err, ErrInvalidArgument):
					return "invalid argument"
				case errors.Is(err, ErrOutOfMemory):
					return "out of memory"
				default:
					return err.Error()
				}

			case "add-range":
				start, n := scanRange(t, d)
				for k := start; k < start+n; k++ {
					require.NoError(t, s.Add(Handle(k)<<AlignmentQuantumLog2, 0))
				}
				return s.Stats().String()

			case "remove":
				s.Remove(scanHandle(t, d, "h"))
				return "ok"

			case "remove-range":
				start, n := scanRange(t, d)
				for i := 0; i < n; i++ {
					k := start + i
					if d.HasArg("reverse") {
						k = start + n - 1 - i
					}
					s.Remove(Handle(k) << AlignmentQuantumLog2)
				}
				return s.Stats().String()

			case "find":
				slot, ok := s.SlotIndex(scanHandle(t, d, "h"))
				if !ok {
					return "not found"
				}
				h, f, _ := s.At(slot)
				return fmt.Sprintf("slot %d: %s flags=%d", slot, h, f)

			case "set-flag":
				slot, ok := s.SlotIndex(scanHandle(t, d, "h"))
				if !ok {
					return "not found"
				}
				require.NoError(t, s.SetFlag(slot, scanFlags(t, d, "f")))
				return "ok"

			case "clear-flags":
				s.ClearFlags()
				return "ok"

			case "compact":
				require.NoError(t, s.Compact(scanFlags(t, d, "mask")))
				return s.Stats().String()

			case "rehash":
				require.NoError(t, s.Rehash(scanFlags(t, d, "mask")))
				return s.Stats().String()

			case "slots":
				return formatSlots(s)

			case "stats":
				return s.Stats().String()

			default:
				return fmt.Sprintf("unknown command: %s", d.Cmd)
			}
		})
	})
}

func scanUint(t *testing.T, d *datadriven.TestData, key string) uint64 {
	var str string
	d.ScanArgs(t, key, &str)
	v, err := strconv.ParseUint(str, 0, 64)
	require.NoError(t, err)
	return v
}

func scanHandle(t *testing.T, d *datadriven.TestData, key string) Handle {
	return Handle(scanUint(t, d, key))
}

// scanFlags returns 0 if the argument is absent.
func scanFlags(t *testing.T, d *datadriven.TestData, key string) Flags {
	if !d.HasArg(key) {
		return 0
	}
	return Flags(scanUint(t, d, key))
}

func scanRange(t *testing.T, d *datadriven.TestData) (start, n int) {
	d.ScanArgs(t, "start", &start)
	d.ScanArgs(t, "n", &n)
	return start, n
}

func formatSlots(s *Set) string {
	var buf strings.Builder
	for i := range s.slots {
		switch sl := &s.slots[i]; sl.state {
		case slotTombstone:
			fmt.Fprintf(&buf, "%d: tombstone\n", i)
		case slotOccupied:
			fmt.Fprintf(&buf, "%d: %s flags=%d\n", i, sl.handle, sl.flags)
		}
	}
	if buf.Len() == 0 {
		return "empty"
	}
	return buf.String()
}
