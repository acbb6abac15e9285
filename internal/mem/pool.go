// Copyright 2024 The Armored Sensor OS authors. All Rights Reserved.
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

// Package mem implements the bounded scratch workspace pool shared by the
// managers for primitive library workspaces and decrypted parameters.
package mem

import (
	"fmt"

	"github.com/transparency-dev/armored-sensor-os/api"
)

// Pool hands out zeroed scratch buffers up to a fixed total capacity.
type Pool struct {
	size uint
	used uint
	live map[*byte]uint
}

// NewPool returns a pool of size bytes.
func NewPool(size uint) *Pool {
	return &Pool{
		size: size,
		live: make(map[*byte]uint),
	}
}

// Alloc reserves n bytes, ErrNoSpace is returned when the pool capacity
// would be exceeded.
func (p *Pool) Alloc(n uint) ([]byte, error) {
	if n == 0 {
		return nil, fmt.Errorf("zero length allocation: %w", api.ErrInvalidArgument)
	}

	if n > p.size-p.used {
		return nil, fmt.Errorf("workspace exhausted (%d+%d > %d): %w", p.used, n, p.size, api.ErrNoSpace)
	}

	b := make([]byte, n)
	p.live[&b[0]] = n
	p.used += n

	return b, nil
}

// Free zeroes and returns a buffer obtained from Alloc, unknown buffers are
// ignored.
func (p *Pool) Free(b []byte) {
	if len(b) == 0 {
		return
	}

	b = b[:cap(b)]
	n, ok := p.live[&b[0]]
	if !ok {
		return
	}

	clear(b)
	delete(p.live, &b[0])
	p.used -= n
}

// Used returns the number of reserved bytes.
func (p *Pool) Used() uint {
	return p.used
}

// Size returns the pool capacity.
func (p *Pool) Size() uint {
	return p.size
}
