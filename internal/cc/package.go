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

package cc

import (
	"bytes"
	"encoding/binary"
)

const (
	// PackageToken identifies asset packages.
	PackageToken = 0x41736574
	// PackageVersion is the supported asset package format version.
	PackageVersion = 0x10000

	// PackageHeaderSize is the size of the clear package header.
	PackageHeaderSize = 48
	// packageAADSize is the number of header bytes bound as associated
	// data.
	packageAADSize = 24
)

// PackageHeader is the clear header of an asset package, it is followed by
// AssetSize bytes of ciphertext and the authentication tag.
type PackageHeader struct {
	Token     uint32
	Version   uint32
	AssetSize uint32
	Reserved  [3]uint32
	Nonce     [NonceSize]byte
	Pad       [12]byte
}

// Bytes serializes the header.
func (h *PackageHeader) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// parse decodes the header from pkg and returns the ciphertext and tag.
func (h *PackageHeader) parse(pkg []byte) ([]byte, error) {
	if len(pkg) < PackageHeaderSize+TagSize {
		return nil, &Error{Code: CodeAssetFormat}
	}

	if err := binary.Read(bytes.NewReader(pkg), binary.LittleEndian, h); err != nil {
		return nil, &Error{Code: CodeAssetFormat}
	}

	if h.Token != PackageToken || h.Version != PackageVersion {
		return nil, &Error{Code: CodeAssetFormat}
	}

	if uint64(len(pkg)) != PackageHeaderSize+uint64(h.AssetSize)+TagSize {
		return nil, &Error{Code: CodeAssetFormat}
	}

	return pkg[PackageHeaderSize:], nil
}
