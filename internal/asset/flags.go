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

package asset

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"
)

// Certificate flags layout.
const (
	flagsPurposePos  = 0
	flagsPurposeMask = 0x3
	flagsAuthPos     = 2
	flagsAuthMask    = 0x3
	flagsVersionPos  = 4
	flagsVersionMask = 0x3
	flagsNumberPos   = 6
	flagsNumberMask  = 0x3ffffff
)

// MaxVersion is the highest certificate version.
const MaxVersion = flagsVersionMask

// MaxNumber is the highest certificate number.
const MaxNumber = flagsNumberMask

// Flags is the packed certificateFlags header word:
//
//	bits 0..1   purpose
//	bits 2..3   authority
//	bits 4..5   version
//	bits 6..31  number
type Flags uint32

// NewFlags packs certificate flags.
func NewFlags(p Purpose, a Authority, version uint32, number uint32) (Flags, error) {
	switch {
	case p > flagsPurposeMask:
		return 0, fmt.Errorf("purpose %d out of range", p)
	case a > flagsAuthMask:
		return 0, fmt.Errorf("authority %d out of range", a)
	case version > flagsVersionMask:
		return 0, fmt.Errorf("version %d out of range", version)
	case number > flagsNumberMask:
		return 0, fmt.Errorf("number %#x out of range", number)
	}

	var v uint32

	bits.SetN(&v, flagsPurposePos, flagsPurposeMask, uint32(p))
	bits.SetN(&v, flagsAuthPos, flagsAuthMask, uint32(a))
	bits.SetN(&v, flagsVersionPos, flagsVersionMask, version)
	bits.SetN(&v, flagsNumberPos, flagsNumberMask, number)

	return Flags(v), nil
}

func (f Flags) get(pos int, mask int) uint32 {
	v := uint32(f)
	return bits.Get(&v, pos, mask)
}

// Purpose returns the certificate purpose.
func (f Flags) Purpose() Purpose {
	return Purpose(f.get(flagsPurposePos, flagsPurposeMask))
}

// Authority returns the issuing authority.
func (f Flags) Authority() Authority {
	return Authority(f.get(flagsAuthPos, flagsAuthMask))
}

// Version returns the certificate version.
func (f Flags) Version() uint32 {
	return f.get(flagsVersionPos, flagsVersionMask)
}

// Number returns the certificate number.
func (f Flags) Number() uint32 {
	return f.get(flagsNumberPos, flagsNumberMask)
}

// SameSlot returns whether g identifies the same certificate slot as f,
// that is same purpose, authority and number.
func (f Flags) SameSlot(g Flags) bool {
	return f.Purpose() == g.Purpose() && f.Authority() == g.Authority() && f.Number() == g.Number()
}

func (f Flags) String() string {
	return fmt.Sprintf("%s/%s v%d #%#x", f.Purpose(), f.Authority(), f.Version(), f.Number())
}
