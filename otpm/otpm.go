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

// Package otpm implements word addressed access to One-Time-Programmable
// memory (OTPM) arrays.
//
// OTPM bits can only be set, never cleared: a Write ORs the passed value into
// the existing content. Callers are responsible for checking that the target
// region is blank before writing if they need exact content.
//
// Three backends are provided: Mem (volatile emulation), File (emulation
// persisted to an image file) and OCOTP (i.MX6 on-chip fuses through
// crucible, tamago/arm builds only).
package otpm

import (
	"errors"
	"fmt"
)

// WordSize is the number of bytes in an OTPM word.
const WordSize = 4

// OCOTPWordsPerBank is the number of 32-bit fuse words in each i.MX6 OCOTP
// bank.
const OCOTPWordsPerBank = 8

// ErrBounds is returned for accesses outside of the physical array.
var ErrBounds = errors.New("access outside of OTPM array")

// Device represents a word addressed OTPM array.
type Device interface {
	// Read reads len(buf) words starting at word address addr.
	Read(addr uint, buf []uint32) error
	// Write programs len(buf) words starting at word address addr, bits
	// already set remain set.
	Write(addr uint, buf []uint32) error
	// Size returns the number of words in the array.
	Size() uint
}

// Clocked is implemented by devices whose programming timings depend on the
// core clock frequency.
type Clocked interface {
	SetClockHz(hz uint32) error
}

func checkBounds(d Device, addr uint, n int) error {
	if size := d.Size(); addr > size || uint(n) > size-addr {
		return fmt.Errorf("%w: [%d, %d) > %d", ErrBounds, addr, addr+uint(n), size)
	}
	return nil
}

// IsBlank returns whether the region [addr, addr+n) is fully unprogrammed.
func IsBlank(d Device, addr uint, n int) (bool, error) {
	buf := make([]uint32, n)
	if err := d.Read(addr, buf); err != nil {
		return false, err
	}
	for _, w := range buf {
		if w != 0 {
			return false, nil
		}
	}
	return true, nil
}
