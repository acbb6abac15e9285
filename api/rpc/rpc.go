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

// Package rpc defines the fixed-layout request and response structures
// exchanged with the host through the shared memory command buffer.
//
// All structures are little-endian. Variable length trailers are preceded by
// an explicit length field in the fixed header.
package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-sensor-os/api"
)

// SaltSize is the length in bytes of host and sensor session salts.
const SaltSize = 32

// NonceSize is the length in bytes of control channel nonces.
const NonceSize = 12

// SensorIDSize is the length in bytes of the sensor identifier.
const SensorIDSize = 32

func decodeFixed(buf []byte, v any) (rest []byte, err error) {
	n := binary.Size(v)
	if len(buf) < n {
		return nil, fmt.Errorf("short parameters (%d < %d): %w", len(buf), n, api.ErrRange)
	}
	if err = binary.Read(bytes.NewReader(buf[:n]), binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("%v: %w", err, api.ErrRange)
	}
	return buf[n:], nil
}

func tail(rest []byte, n uint32) ([]byte, error) {
	if uint64(n) > uint64(len(rest)) {
		return nil, fmt.Errorf("trailer length %d exceeds parameters (%d): %w", n, len(rest), api.ErrRange)
	}
	return append([]byte{}, rest[:n]...), nil
}

func encode(fixed any, trailer ...[]byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, fixed)
	for _, t := range trailer {
		buf.Write(t)
	}
	return buf.Bytes()
}

// ProvisionAsset represents a request to store an encrypted asset package.
type ProvisionAsset struct {
	AssetType   uint16
	LengthWords uint16
	RootOfTrust uint32
	ClockHz     uint32
	Package     []byte
}

type provisionAssetHeader struct {
	AssetType   uint16
	LengthWords uint16
	RootOfTrust uint32
	ClockHz     uint32
	Size        uint32
}

// Decode parses the request from the command buffer.
func (r *ProvisionAsset) Decode(buf []byte) (err error) {
	var h provisionAssetHeader
	rest, err := decodeFixed(buf, &h)
	if err != nil {
		return
	}
	*r = ProvisionAsset{
		AssetType:   h.AssetType,
		LengthWords: h.LengthWords,
		RootOfTrust: h.RootOfTrust,
		ClockHz:     h.ClockHz,
	}
	r.Package, err = tail(rest, h.Size)
	return
}

// Bytes serializes the request.
func (r *ProvisionAsset) Bytes() []byte {
	return encode(&provisionAssetHeader{
		AssetType:   r.AssetType,
		LengthWords: r.LengthWords,
		RootOfTrust: r.RootOfTrust,
		ClockHz:     r.ClockHz,
		Size:        uint32(len(r.Package)),
	}, r.Package)
}

// DebugEntitlement represents a request to apply a secure debug certificate.
type DebugEntitlement struct {
	ClockHz uint32
	Blob    []byte
}

type debugEntitlementHeader struct {
	ClockHz uint32
	Size    uint32
}

// Decode parses the request from the command buffer.
func (r *DebugEntitlement) Decode(buf []byte) (err error) {
	var h debugEntitlementHeader
	rest, err := decodeFixed(buf, &h)
	if err != nil {
		return
	}
	r.ClockHz = h.ClockHz
	r.Blob, err = tail(rest, h.Size)
	return
}

// Bytes serializes the request.
func (r *DebugEntitlement) Bytes() []byte {
	return encode(&debugEntitlementHeader{ClockHz: r.ClockHz, Size: uint32(len(r.Blob))}, r.Blob)
}

// PatchChunk represents one encrypted chunk of a firmware patch.
type PatchChunk struct {
	Chunk        uint16
	NumChunks    uint16
	PatchVersion uint32
	Package      []byte
}

type patchChunkHeader struct {
	Chunk        uint16
	NumChunks    uint16
	PatchVersion uint32
	Size         uint32
}

// Decode parses the request from the command buffer.
func (r *PatchChunk) Decode(buf []byte) (err error) {
	var h patchChunkHeader
	rest, err := decodeFixed(buf, &h)
	if err != nil {
		return
	}
	*r = PatchChunk{
		Chunk:        h.Chunk,
		NumChunks:    h.NumChunks,
		PatchVersion: h.PatchVersion,
	}
	r.Package, err = tail(rest, h.Size)
	return
}

// Bytes serializes the request.
func (r *PatchChunk) Bytes() []byte {
	return encode(&patchChunkHeader{
		Chunk:        r.Chunk,
		NumChunks:    r.NumChunks,
		PatchVersion: r.PatchVersion,
		Size:         uint32(len(r.Package)),
	}, r.Package)
}

// SensorID is the GetSensorId response.
type SensorID struct {
	ID [SensorIDSize]byte
}

// Bytes serializes the response.
func (r *SensorID) Bytes() []byte {
	return encode(r)
}

// Decode parses the response.
func (r *SensorID) Decode(buf []byte) (err error) {
	_, err = decodeFixed(buf, r)
	return
}

// GetCertificates represents a certificate retrieval request.
type GetCertificates struct {
	AuthID uint8
	_      [3]byte
}

// Decode parses the request from the command buffer.
func (r *GetCertificates) Decode(buf []byte) (err error) {
	_, err = decodeFixed(buf, r)
	return
}

// Bytes serializes the request.
func (r *GetCertificates) Bytes() []byte {
	return encode(r)
}

// Certificates is the GetCertificates response. A missing vendor
// certificate is encoded with a zero length.
type Certificates struct {
	SensorCert []uint32
	VendorCert []uint32
}

type certificatesHeader struct {
	SensorWords uint16
	VendorWords uint16
}

// Bytes serializes the response.
func (r *Certificates) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &certificatesHeader{
		SensorWords: uint16(len(r.SensorCert)),
		VendorWords: uint16(len(r.VendorCert)),
	})
	binary.Write(buf, binary.LittleEndian, r.SensorCert)
	binary.Write(buf, binary.LittleEndian, r.VendorCert)
	return buf.Bytes()
}

// Decode parses the response.
func (r *Certificates) Decode(buf []byte) error {
	var h certificatesHeader
	rest, err := decodeFixed(buf, &h)
	if err != nil {
		return err
	}
	if need := 4 * (int(h.SensorWords) + int(h.VendorWords)); len(rest) < need {
		return fmt.Errorf("short certificates (%d < %d): %w", len(rest), need, api.ErrRange)
	}
	r.SensorCert = make([]uint32, h.SensorWords)
	r.VendorCert = make([]uint32, h.VendorWords)
	rd := bytes.NewReader(rest)
	binary.Read(rd, binary.LittleEndian, r.SensorCert)
	binary.Read(rd, binary.LittleEndian, r.VendorCert)
	return nil
}

// SessionParams carries the session cipher selection shared by both session
// establishment paths.
type SessionParams struct {
	ControlMode  uint8
	VideoMode    uint8
	KeyBytes     uint8
	_            uint8
	HostSalt     [SaltSize]byte
	ControlNonce [NonceSize]byte
}

// SetSessionKeys represents an RSA negotiated session establishment request.
type SetSessionKeys struct {
	AuthID uint8
	SessionParams
	EncryptedSecret []byte
}

type setSessionKeysHeader struct {
	AuthID uint8
	_      [3]byte
	Params SessionParams
	Size   uint32
}

// Decode parses the request from the command buffer.
func (r *SetSessionKeys) Decode(buf []byte) (err error) {
	var h setSessionKeysHeader
	rest, err := decodeFixed(buf, &h)
	if err != nil {
		return
	}
	r.AuthID = h.AuthID
	r.SessionParams = h.Params
	r.EncryptedSecret, err = tail(rest, h.Size)
	return
}

// Bytes serializes the request.
func (r *SetSessionKeys) Bytes() []byte {
	return encode(&setSessionKeysHeader{
		AuthID: r.AuthID,
		Params: r.SessionParams,
		Size:   uint32(len(r.EncryptedSecret)),
	}, r.EncryptedSecret)
}

// SetPSKSessionKeys represents a pre-shared secret session establishment
// request.
type SetPSKSessionKeys struct {
	SessionParams
}

// Decode parses the request from the command buffer.
func (r *SetPSKSessionKeys) Decode(buf []byte) (err error) {
	_, err = decodeFixed(buf, &r.SessionParams)
	return
}

// Bytes serializes the request.
func (r *SetPSKSessionKeys) Bytes() []byte {
	return encode(&r.SessionParams)
}

// SessionKeys is the response to both session establishment requests.
type SessionKeys struct {
	SensorSalt [SaltSize]byte
}

// Bytes serializes the response.
func (r *SessionKeys) Bytes() []byte {
	return encode(r)
}

// Decode parses the response.
func (r *SessionKeys) Decode(buf []byte) (err error) {
	_, err = decodeFixed(buf, r)
	return
}

// Encrypted wraps AEAD protected command parameters (ciphertext and tag).
type Encrypted struct {
	Data []byte
}

// Decode parses the request from the command buffer.
func (r *Encrypted) Decode(buf []byte) (err error) {
	var size uint32
	rest, err := decodeFixed(buf, &size)
	if err != nil {
		return
	}
	r.Data, err = tail(rest, size)
	return
}

// Bytes serializes the request.
func (r *Encrypted) Bytes() []byte {
	return encode(uint32(len(r.Data)), r.Data)
}

// VideoAuthROI is the decrypted SetVideoAuthRoi parameter block.
type VideoAuthROI struct {
	XStart        uint16
	YStart        uint16
	XEnd          uint16
	YEnd          uint16
	PixelPacking  uint16
	FrameInterval uint16
}

// Decode parses decrypted parameters.
func (r *VideoAuthROI) Decode(buf []byte) error {
	if len(buf) != binary.Size(r) {
		return fmt.Errorf("invalid ROI length %d: %w", len(buf), api.ErrRange)
	}
	_, err := decodeFixed(buf, r)
	return err
}

// Bytes serializes the parameters.
func (r *VideoAuthROI) Bytes() []byte {
	return encode(r)
}

// Status is the generic response header carrying the host status code.
type Status struct {
	Command api.Command
	Code    api.ErrorCode
}

// Bytes serializes the status followed by an optional payload.
func (s *Status) Bytes(payload []byte) []byte {
	return encode(s, payload)
}

// Decode parses a status header and returns the trailing payload.
func (s *Status) Decode(buf []byte) ([]byte, error) {
	return decodeFixed(buf, s)
}
