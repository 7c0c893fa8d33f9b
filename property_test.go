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
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// propHandle maps a generated key to a handle. Keys share their low bits, so
// small tables see long collision runs.
func propHandle(k uint16) Handle {
	return Handle(uint64(k)+1) << (AlignmentQuantumLog2 + 2)
}

// applyOps interprets each op as an operation on the set and a reference map.
// The low 3 bits select the operation, the rest is the key.
func applyOps(s *Set, ops []uint16) map[Handle]Flags {
	e := make(map[Handle]Flags)
	for _, op := range ops {
		h := propHandle(op >> 3)
		f := Flags(op>>3) & FlagsMask
		switch op & 7 {
		case 0, 1, 2, 3:
			if err := s.Add(h, f); err != nil {
				panic(err)
			}
			if _, ok := e[h]; !ok {
				e[h] = f
			}
		case 4, 5:
			s.Remove(h)
			delete(e, h)
		case 6:
			if err := s.Rehash(0); err != nil {
				panic(err)
			}
		case 7:
			if err := s.Compact(0); err != nil {
				panic(err)
			}
		}
	}
	return e
}

func TestProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no false negatives or positives", prop.ForAll(
		func(ops []uint16, probes []uint16) bool {
			s := New(WithPreferredCapacity(MinCapacity))
			e := applyOps(s, ops)
			for h := range e {
				if !s.Contains(h) {
					return false
				}
			}
			for _, k := range probes {
				h := propHandle(k >> 3)
				if _, ok := e[h]; ok != s.Contains(h) {
					return false
				}
			}
			return s.Len() == len(e) && s.verify() == nil
		},
		gen.SliceOf(gen.UInt16()),
		gen.SliceOf(gen.UInt16()),
	))

	properties.Property("first insert wins", prop.ForAll(
		func(ops []uint16) bool {
			s := New()
			e := applyOps(s, ops)
			found := make(map[Handle]Flags, s.Len())
			s.All(func(h Handle, f Flags) bool {
				found[h] = f
				return true
			})
			if len(found) != len(e) {
				return false
			}
			for h, f := range e {
				if found[h] != f {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt16()),
	))

	properties.Property("capacity is a power of two under the load factor", prop.ForAll(
		func(ops []uint16) bool {
			s := New()
			applyOps(s, ops)
			st := s.Stats()
			if st.Capacity == 0 {
				return st.Count == 0
			}
			return st.Capacity >= MinCapacity &&
				st.Capacity&(st.Capacity-1) == 0 &&
				st.Count*3 <= st.Capacity*2 &&
				st.Count+st.Removed < st.Capacity
		},
		gen.SliceOf(gen.UInt16()),
	))

	properties.Property("maintenance drops every tombstone", prop.ForAll(
		func(ops []uint16, compact bool) bool {
			s := New()
			e := applyOps(s, ops)
			var err error
			if compact {
				err = s.Compact(0)
			} else {
				err = s.Rehash(0)
			}
			return err == nil && s.Removed() == 0 && s.Len() == len(e) && s.verify() == nil
		},
		gen.SliceOf(gen.UInt16()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
