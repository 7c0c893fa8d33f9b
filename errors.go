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

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidArgument is returned, wrapped, when a handle is zero or
	// has bits in FlagsMask set, or when flags have bits outside FlagsMask.
	ErrInvalidArgument = errors.New("ptrhash: invalid argument")
	// ErrOutOfMemory marks errors returned when the table could not allocate
	// a new buffer. The set is left unchanged when this is returned.
	ErrOutOfMemory = errors.New("ptrhash: out of memory")
)
