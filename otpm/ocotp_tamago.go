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

//go:build tamago && arm

package otpm

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/crucible/otp"
)

// OCOTP maps an OTPM array onto a contiguous range of i.MX6 on-chip fuse
// banks.
//
// *WARNING*: writes blow fuses, this is an irreversible operation.
type OCOTP struct {
	// Bank is the first fuse bank of the array.
	Bank int
	// Banks is the number of fuse banks allocated to the array.
	Banks int
}

// Size returns the number of words in the array.
func (o *OCOTP) Size() uint {
	return uint(o.Banks * OCOTPWordsPerBank)
}

func (o *OCOTP) locate(addr uint) (bank int, word int) {
	return o.Bank + int(addr)/OCOTPWordsPerBank, int(addr) % OCOTPWordsPerBank
}

// Read reads len(buf) fuse words starting at addr.
func (o *OCOTP) Read(addr uint, buf []uint32) error {
	if err := checkBounds(o, addr, len(buf)); err != nil {
		return err
	}

	for i := range buf {
		bank, word := o.locate(addr + uint(i))

		res, err := otp.ReadOCOTP(bank, word, 0, 32)
		if err != nil {
			return fmt.Errorf("could not read fuse bank:%d word:%d (%v)", bank, word, err)
		}

		if len(res) != WordSize {
			return fmt.Errorf("unexpected fuse read length %d", len(res))
		}

		buf[i] = binary.BigEndian.Uint32(res)
	}

	return nil
}

// Write blows len(buf) fuse words starting at addr, words equal to zero are
// skipped.
func (o *OCOTP) Write(addr uint, buf []uint32) error {
	if err := checkBounds(o, addr, len(buf)); err != nil {
		return err
	}

	val := make([]byte, WordSize)

	for i, w := range buf {
		if w == 0 {
			continue
		}

		bank, word := o.locate(addr + uint(i))
		binary.BigEndian.PutUint32(val, w)

		if err := otp.BlowOCOTP(bank, word, 0, 32, val); err != nil {
			return fmt.Errorf("could not blow fuse bank:%d word:%d (%v)", bank, word, err)
		}
	}

	return nil
}
