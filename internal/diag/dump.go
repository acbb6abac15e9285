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

package diag

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Dump field numbers.
const (
	fieldCheckpoint  protowire.Number = 1
	fieldFatal       protowire.Number = 2
	fieldInfoEnabled protowire.Number = 3
	fieldDropped     protowire.Number = 4

	fieldEntryCode protowire.Number = 1
	fieldEntryInfo protowire.Number = 2
)

// Report is the decoded form of a diagnostic dump.
type Report struct {
	Checkpoints []Entry
	Fatals      []Entry
	InfoEnabled bool
	Dropped     uint32
}

func appendEntry(b []byte, num protowire.Number, e Entry) []byte {
	var m []byte
	m = protowire.AppendTag(m, fieldEntryCode, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(e.Code))
	m = protowire.AppendTag(m, fieldEntryInfo, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(e.Info))

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// Dump serializes the sink content in protobuf wire format.
func (s *Sink) Dump() []byte {
	var b []byte

	for _, e := range s.checkpoints {
		b = appendEntry(b, fieldCheckpoint, e)
	}

	for _, e := range s.fatals {
		b = appendEntry(b, fieldFatal, e)
	}

	b = protowire.AppendTag(b, fieldInfoEnabled, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(s.info))
	b = protowire.AppendTag(b, fieldDropped, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.dropped))

	return b
}

func parseEntry(b []byte) (e Entry, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldEntryCode:
			e.Code = uint32(v)
		case fieldEntryInfo:
			e.Info = uint32(v)
		}
	}
	return
}

// ParseDump decodes a diagnostic dump produced by Dump.
func ParseDump(b []byte) (r *Report, err error) {
	r = &Report{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldCheckpoint || num == fieldFatal):
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]

			e, err := parseEntry(m)
			if err != nil {
				return nil, err
			}

			if num == fieldCheckpoint {
				r.Checkpoints = append(r.Checkpoints, e)
			} else {
				r.Fatals = append(r.Fatals, e)
			}
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]

			switch num {
			case fieldInfoEnabled:
				r.InfoEnabled = protowire.DecodeBool(v)
			case fieldDropped:
				r.Dropped = uint32(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("malformed dump")
			}
			b = b[n:]
		}
	}

	return
}
