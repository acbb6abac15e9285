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

package otpm

import (
	"encoding/binary"
	"fmt"
)

// Mem is a simple in-memory OTPM array.
type Mem struct {
	Words []uint32

	// OnWordWritten, when set, is called just before a word is
	// programmed and returns the value which actually lands in the array.
	// It allows tests to emulate programming faults.
	OnWordWritten func(addr uint, val uint32) uint32

	// ClockHz is the last core clock frequency applied.
	ClockHz uint32
}

// NewMem creates a blank in-memory OTPM array of the given number of words.
func NewMem(words uint) *Mem {
	return &Mem{Words: make([]uint32, words)}
}

// NewMemFromImage creates an in-memory OTPM array from a little-endian image.
func NewMemFromImage(image []byte) (*Mem, error) {
	if len(image)%WordSize != 0 {
		return nil, fmt.Errorf("image length %d is not word aligned", len(image))
	}
	m := NewMem(uint(len(image) / WordSize))
	for i := range m.Words {
		m.Words[i] = binary.LittleEndian.Uint32(image[i*WordSize:])
	}
	return m, nil
}

// Size returns the number of words in the array.
func (m *Mem) Size() uint {
	return uint(len(m.Words))
}

// Read reads len(buf) words starting at addr.
func (m *Mem) Read(addr uint, buf []uint32) error {
	if err := checkBounds(m, addr, len(buf)); err != nil {
		return err
	}
	copy(buf, m.Words[addr:])
	return nil
}

// Write ORs len(buf) words into the array starting at addr.
func (m *Mem) Write(addr uint, buf []uint32) error {
	if err := checkBounds(m, addr, len(buf)); err != nil {
		return err
	}
	for i, w := range buf {
		a := addr + uint(i)
		if m.OnWordWritten != nil {
			w = m.OnWordWritten(a, w)
		}
		m.Words[a] |= w
	}
	return nil
}

// SetClockHz records the core clock frequency.
func (m *Mem) SetClockHz(hz uint32) error {
	if hz == 0 {
		return fmt.Errorf("invalid clock frequency")
	}
	m.ClockHz = hz
	return nil
}

// Image returns the array content in little-endian format.
func (m *Mem) Image() []byte {
	b := make([]byte, len(m.Words)*WordSize)
	for i, w := range m.Words {
		binary.LittleEndian.PutUint32(b[i*WordSize:], w)
	}
	return b
}
