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

// Package nvm implements the asset record store: an append-only log of
// [header, payload] records kept in OTPM memory.
//
// Records start at a fixed user space base and follow each other without
// gaps. The first all-zero header marks the free space, which extends to the
// end of the physical array. There is no index, records are located by a
// forward linear scan which never backtracks.
//
// Since OTPM cannot be erased, a record which failed to program correctly is
// abandoned in place and its location is never reused.
package nvm

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/otpm"
)

// HeaderWords is the size of a record header in words.
const HeaderWords = 1

// MaxLengthWords is the largest payload a record header can describe.
const MaxLengthWords = 0xffff

// contextMagic tags live find contexts.
const contextMagic = 0x4e564d43

// ID is a record asset type tag.
type ID uint16

// Blank is the asset type of the free space sentinel.
const Blank ID = 0

type header struct {
	id     ID
	length uint
}

func decodeHeader(w uint32) header {
	return header{
		id:     ID(w & 0xffff),
		length: uint(w >> 16),
	}
}

func (h header) word() uint32 {
	return uint32(h.id) | uint32(h.length)<<16
}

// Record locates the payload of a stored asset.
type Record struct {
	// Address is the word address of the first payload word.
	Address uint
	// Length is the payload length in words.
	Length uint
}

// Context is a cursor over a single scan for records of one type, it is
// created by FindFirst and advanced by FindNext.
type Context struct {
	magic     uint32
	assetType ID
	address   uint
	length    uint
}

// Store is the append-only asset record store.
type Store struct {
	dev  otpm.Device
	diag *diag.Sink

	// base is the user space base word address.
	base uint

	initialized bool
	// corrupt is set once an inconsistent header has been found, no
	// further operations are attempted afterwards.
	corrupt bool

	// blank is the word address of the first free location.
	blank uint
}

// New returns a record store over the passed device, records start at the
// base word address.
func New(dev otpm.Device, base uint, sink *diag.Sink) *Store {
	return &Store{
		dev:   dev,
		diag:  sink,
		base:  base,
		blank: base,
	}
}

// Init locates the write cursor, a full store is not an error as its content
// remains readable.
func (s *Store) Init() error {
	if s.base >= s.dev.Size() {
		return s.diag.Fatal(diag.FatalNvmArgument, uint32(s.base), api.ErrInvalidArgument)
	}

	addr, err := s.FindFreeSpace()

	switch {
	case errors.Is(err, api.ErrNoSpace):
		klog.Warningf("OTPM record store is full (%d words)", s.dev.Size())
	case err != nil:
		return err
	default:
		klog.V(2).Infof("OTPM record store free space @ %#x", addr)
	}

	s.initialized = true
	s.diag.SetCheckpointWithInfo(diag.CheckpointNvmInit, uint32(s.blank))

	return nil
}

// Initialized returns whether Init completed.
func (s *Store) Initialized() bool {
	return s.initialized
}

// Base returns the user space base word address.
func (s *Store) Base() uint {
	return s.base
}

// BlankAddress returns the current write cursor.
func (s *Store) BlankAddress() uint {
	return s.blank
}

// Free returns the number of unprogrammed words after the write cursor.
func (s *Store) Free() uint {
	if size := s.dev.Size(); s.blank < size {
		return size - s.blank
	}
	return 0
}

func (s *Store) check() error {
	switch {
	case s.corrupt:
		return fmt.Errorf("record store corrupted: %w", api.ErrSystem)
	case !s.initialized:
		return s.diag.Fatal(diag.FatalNvmState, 0, api.ErrSystem)
	}
	return nil
}

func (s *Store) readHeader(addr uint) (header, error) {
	var w [HeaderWords]uint32

	if err := s.dev.Read(addr, w[:]); err != nil {
		klog.Errorf("OTPM header read @ %#x failed: %v", addr, err)
		return header{}, s.diag.Fatal(diag.FatalNvmCorrupt, uint32(addr), api.ErrSystem)
	}

	return decodeHeader(w[0]), nil
}

func (s *Store) corrupted(addr uint, h header) error {
	s.corrupt = true
	klog.Errorf("OTPM record store corrupted @ %#x (id:%#x len:%d)", addr, h.id, h.length)
	return s.diag.Fatal(diag.FatalNvmCorrupt, uint32(addr), api.ErrSystem)
}

// scan walks the store from the header at addr and returns the header
// address of the first record of type t, or of the blank sentinel when t is
// Blank. It returns ErrNotFound when the end of the array is reached.
func (s *Store) scan(t ID, addr uint) (uint, header, error) {
	size := s.dev.Size()

	for {
		if addr >= size || size-addr < HeaderWords {
			return addr, header{}, api.ErrNotFound
		}

		h, err := s.readHeader(addr)
		if err != nil {
			return addr, h, err
		}

		if h.id == Blank {
			if h.length != 0 {
				return addr, h, s.corrupted(addr, h)
			}
			if t == Blank {
				return addr, h, nil
			}
			return addr, h, api.ErrNotFound
		}

		next := addr + HeaderWords + h.length

		if next > size {
			return addr, h, s.corrupted(addr, h)
		}

		if h.id == t {
			return addr, h, nil
		}

		addr = next
	}
}

// FindFirst returns the first record of the given type along with a context
// which can be passed to FindNext.
func (s *Store) FindFirst(t ID) (*Context, Record, error) {
	if err := s.check(); err != nil {
		return nil, Record{}, err
	}

	if t == Blank {
		return nil, Record{}, s.diag.Fatal(diag.FatalNvmArgument, 0, api.ErrInvalidArgument)
	}

	addr, h, err := s.scan(t, s.base)
	if err != nil {
		return nil, Record{}, err
	}

	ctx := &Context{
		magic:     contextMagic,
		assetType: t,
		address:   addr + HeaderWords,
		length:    h.length,
	}

	klog.V(2).Infof("OTPM found asset %#x @ %#x (%d words)", t, ctx.address, ctx.length)

	return ctx, Record{Address: ctx.address, Length: ctx.length}, nil
}

// FindNext resumes a scan started by FindFirst and returns the following
// record of the same type.
func (s *Store) FindNext(ctx *Context) (Record, error) {
	if err := s.check(); err != nil {
		return Record{}, err
	}

	if ctx == nil || ctx.magic != contextMagic {
		return Record{}, s.diag.Fatal(diag.FatalNvmContext, 0, api.ErrSystem)
	}

	addr, h, err := s.scan(ctx.assetType, ctx.address+ctx.length)
	if err != nil {
		return Record{}, err
	}

	ctx.address = addr + HeaderWords
	ctx.length = h.length

	return Record{Address: ctx.address, Length: ctx.length}, nil
}

// ReadAsset reads len(buf) words at offset words from a record payload
// address.
func (s *Store) ReadAsset(addr uint, offset uint, buf []uint32) error {
	if err := s.check(); err != nil {
		return err
	}

	if err := s.dev.Read(addr+offset, buf); err != nil {
		return fmt.Errorf("OTPM read @ %#x: %v: %w", addr+offset, err, api.ErrIO)
	}

	return nil
}

// WriteAsset appends a record at the write cursor. Programmed words are read
// back and compared, the cursor only advances after a verified write.
func (s *Store) WriteAsset(t ID, payload []uint32) (Record, error) {
	if err := s.check(); err != nil {
		return Record{}, err
	}

	if t == Blank || len(payload) == 0 || len(payload) > MaxLengthWords {
		return Record{}, s.diag.Fatal(diag.FatalNvmArgument, uint32(len(payload)), api.ErrInvalidArgument)
	}

	addr := s.blank
	need := uint(HeaderWords + len(payload))

	if size := s.dev.Size(); addr > size || need > size-addr {
		s.diag.SetCheckpointWithInfo(diag.CheckpointNvmFull, uint32(need))
		return Record{}, fmt.Errorf("%d words needed, %d available: %w", need, s.Free(), api.ErrNoSpace)
	}

	if ok, err := otpm.IsBlank(s.dev, addr, int(need)); err != nil || !ok {
		s.diag.SetCheckpointWithInfo(diag.CheckpointNvmWriteNotBlank, uint32(addr))
		return Record{}, fmt.Errorf("OTPM region @ %#x not blank (%v): %w", addr, err, api.ErrIO)
	}

	rec := make([]uint32, 0, need)
	rec = append(rec, header{id: t, length: uint(len(payload))}.word())
	rec = append(rec, payload...)

	if err := s.dev.Write(addr, rec); err != nil {
		return Record{}, fmt.Errorf("OTPM write @ %#x: %v: %w", addr, err, api.ErrIO)
	}

	res := make([]uint32, need)

	if err := s.dev.Read(addr, res); err != nil {
		return Record{}, fmt.Errorf("OTPM read back @ %#x: %v: %w", addr, err, api.ErrIO)
	}

	for i := range rec {
		if rec[i] != res[i] {
			s.diag.SetCheckpointWithInfo(diag.CheckpointNvmWriteVerify, uint32(addr+uint(i)))
			return Record{}, fmt.Errorf("OTPM verification mismatch @ %#x: %w", addr+uint(i), api.ErrIO)
		}
	}

	s.blank = addr + need
	s.diag.SetCheckpointWithInfo(diag.CheckpointNvmWrite, uint32(addr))

	klog.V(2).Infof("OTPM wrote asset %#x @ %#x (%d words)", t, addr, len(payload))

	return Record{Address: addr + HeaderWords, Length: uint(len(payload))}, nil
}

// FindFreeSpace scans the whole store for the first blank header and moves
// the write cursor there. ErrNoSpace is returned when the store is full.
func (s *Store) FindFreeSpace() (uint, error) {
	if s.corrupt {
		return 0, fmt.Errorf("record store corrupted: %w", api.ErrSystem)
	}

	addr, _, err := s.scan(Blank, s.base)

	switch {
	case errors.Is(err, api.ErrNotFound):
		if size := s.dev.Size(); size > s.blank {
			s.blank = size
		}
		return 0, fmt.Errorf("no blank record header: %w", api.ErrNoSpace)
	case err != nil:
		return 0, err
	}

	if addr > s.blank {
		s.blank = addr
	}

	return addr, nil
}

// SetClockHz applies the core clock frequency used for OTPM programming
// timings, devices without clock dependent timings ignore it.
func (s *Store) SetClockHz(hz uint32) error {
	if c, ok := s.dev.(otpm.Clocked); ok {
		return c.SetClockHz(hz)
	}
	return nil
}

// Walk calls fn for every stored record in store order.
func (s *Store) Walk(fn func(t ID, r Record) error) error {
	if err := s.check(); err != nil {
		return err
	}

	size := s.dev.Size()

	for addr := s.base; addr < size; {
		h, err := s.readHeader(addr)
		if err != nil {
			return err
		}

		if h.id == Blank {
			if h.length != 0 {
				return s.corrupted(addr, h)
			}
			return nil
		}

		next := addr + HeaderWords + h.length
		if next > size {
			return s.corrupted(addr, h)
		}

		if err := fn(h.id, Record{Address: addr + HeaderWords, Length: h.length}); err != nil {
			return err
		}

		addr = next
	}

	return nil
}
