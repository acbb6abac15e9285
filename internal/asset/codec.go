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
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-sensor-os/api"
)

// Header sizes in words.
const (
	CertificateHeaderWords = 3
	PrivateKeyHeaderWords  = 2
	PSKHeaderWords         = 1
)

// TRNGWords and OTPMConfigWords are the fixed sizes of the corresponding
// assets.
const (
	TRNGWords       = 4
	OTPMConfigWords = 4
)

// DefaultTRNG holds the TRNG sub-sampling ratios used when no
// characterization has been provisioned.
var DefaultTRNG = TRNG{1000, 1000, 1000, 1000}

// Certificate is an RSA public certificate.
type Certificate struct {
	KeyType         KeyType
	SignatureOffset uint32
	Flags           Flags
	Modulus         []uint32
	Signature       []uint32
}

// ParseCertificate decodes and validates a certificate.
func ParseCertificate(w []uint32) (*Certificate, error) {
	if len(w) < CertificateHeaderWords {
		return nil, fmt.Errorf("short certificate (%d words): %w", len(w), api.ErrRange)
	}

	kt := KeyType(w[0])
	kw := kt.Words()

	if kw == 0 {
		return nil, fmt.Errorf("unknown certificate type %#x: %w", w[0], api.ErrBadMessage)
	}

	if len(w) != CertificateHeaderWords+2*kw {
		return nil, fmt.Errorf("%s certificate length %d: %w", kt, len(w), api.ErrRange)
	}

	if off := w[1]; off < CertificateHeaderWords || off-CertificateHeaderWords != uint32(kw) {
		return nil, fmt.Errorf("%s signature offset %d: %w", kt, off, api.ErrBadMessage)
	}

	return &Certificate{
		KeyType:         kt,
		SignatureOffset: w[1],
		Flags:           Flags(w[2]),
		Modulus:         w[CertificateHeaderWords : CertificateHeaderWords+kw],
		Signature:       w[CertificateHeaderWords+kw:],
	}, nil
}

// NewCertificate assembles a certificate from big-endian modulus and
// signature bytes.
func NewCertificate(kt KeyType, flags Flags, modulus, signature []byte) (*Certificate, error) {
	kw := kt.Words()
	if kw == 0 {
		return nil, fmt.Errorf("unknown key type %#x", uint32(kt))
	}

	m, err := KeyWords(modulus, kw)
	if err != nil {
		return nil, err
	}

	s, err := KeyWords(signature, kw)
	if err != nil {
		return nil, err
	}

	return &Certificate{
		KeyType:         kt,
		SignatureOffset: uint32(CertificateHeaderWords + kw),
		Flags:           flags,
		Modulus:         m,
		Signature:       s,
	}, nil
}

// Words encodes the certificate.
func (c *Certificate) Words() []uint32 {
	w := []uint32{uint32(c.KeyType), c.SignatureOffset, uint32(c.Flags)}
	w = append(w, c.Modulus...)
	return append(w, c.Signature...)
}

// PrivateKey is an RSA private key.
type PrivateKey struct {
	Authority Authority
	KeyType   KeyType
	Modulus   []uint32
	Exponent  []uint32
}

// ParsePrivateKey decodes and validates a private key.
func ParsePrivateKey(w []uint32) (*PrivateKey, error) {
	if len(w) < PrivateKeyHeaderWords {
		return nil, fmt.Errorf("short private key (%d words): %w", len(w), api.ErrRange)
	}

	kt := KeyType(w[1])
	kw := kt.Words()

	if kw == 0 || w[0] > flagsAuthMask {
		return nil, fmt.Errorf("invalid private key header %#x/%#x: %w", w[0], w[1], api.ErrBadMessage)
	}

	if len(w) != PrivateKeyHeaderWords+2*kw {
		return nil, fmt.Errorf("%s private key length %d: %w", kt, len(w), api.ErrRange)
	}

	return &PrivateKey{
		Authority: Authority(w[0]),
		KeyType:   kt,
		Modulus:   w[PrivateKeyHeaderWords : PrivateKeyHeaderWords+kw],
		Exponent:  w[PrivateKeyHeaderWords+kw:],
	}, nil
}

// NewPrivateKey assembles a private key from big-endian modulus and private
// exponent bytes.
func NewPrivateKey(a Authority, kt KeyType, modulus, exponent []byte) (*PrivateKey, error) {
	kw := kt.Words()
	if kw == 0 {
		return nil, fmt.Errorf("unknown key type %#x", uint32(kt))
	}

	m, err := KeyWords(modulus, kw)
	if err != nil {
		return nil, err
	}

	d, err := KeyWords(exponent, kw)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{Authority: a, KeyType: kt, Modulus: m, Exponent: d}, nil
}

// Words encodes the private key.
func (k *PrivateKey) Words() []uint32 {
	w := []uint32{uint32(k.Authority), uint32(k.KeyType)}
	w = append(w, k.Modulus...)
	return append(w, k.Exponent...)
}

// PSK is a pre-shared master secret.
type PSK struct {
	KeyBits uint32
	Key     []uint32
}

// ParsePSK decodes and validates a pre-shared master secret.
func ParsePSK(w []uint32) (*PSK, error) {
	if len(w) < PSKHeaderWords {
		return nil, fmt.Errorf("short PSK (%d words): %w", len(w), api.ErrRange)
	}

	switch w[0] {
	case 128, 192, 256:
	default:
		return nil, fmt.Errorf("invalid PSK size %d: %w", w[0], api.ErrBadMessage)
	}

	if len(w) != PSKHeaderWords+int(w[0]/32) {
		return nil, fmt.Errorf("PSK length %d: %w", len(w), api.ErrRange)
	}

	return &PSK{KeyBits: w[0], Key: w[PSKHeaderWords:]}, nil
}

// Words encodes the secret.
func (p *PSK) Words() []uint32 {
	return append([]uint32{p.KeyBits}, p.Key...)
}

// Bytes returns the key material.
func (p *PSK) Bytes() []byte {
	return KeyBytes(p.Key)
}

// TRNG holds the TRNG sub-sampling ratios R0..R3.
type TRNG [TRNGWords]uint32

// ParseTRNG decodes and validates a TRNG characterization.
func ParseTRNG(w []uint32) (TRNG, error) {
	var t TRNG

	if len(w) != TRNGWords {
		return t, fmt.Errorf("TRNG characterization length %d: %w", len(w), api.ErrRange)
	}

	for i, r := range w {
		if r == 0 {
			return t, fmt.Errorf("TRNG ratio R%d is zero: %w", i, api.ErrBadMessage)
		}
		t[i] = r
	}

	return t, nil
}

// OTPMConfig holds the OTPM read, program, pulse and recovery timings.
type OTPMConfig [OTPMConfigWords]uint32

// ParseOTPMConfig decodes an OTPM configuration.
func ParseOTPMConfig(w []uint32) (OTPMConfig, error) {
	var c OTPMConfig

	if len(w) != OTPMConfigWords {
		return c, fmt.Errorf("OTPM configuration length %d: %w", len(w), api.ErrRange)
	}

	copy(c[:], w)

	return c, nil
}

// Validate checks the layout of an asset payload.
func Validate(t Type, w []uint32) error {
	var err error

	switch t {
	case TypePublicCertificate:
		_, err = ParseCertificate(w)
	case TypePrivateKey:
		_, err = ParsePrivateKey(w)
	case TypePSKMasterSecret:
		_, err = ParsePSK(w)
	case TypeTRNG:
		_, err = ParseTRNG(w)
	case TypeOTPMConfig:
		_, err = ParseOTPMConfig(w)
	default:
		err = fmt.Errorf("unknown asset type %#x: %w", uint16(t), api.ErrBadMessage)
	}

	return err
}

// PayloadWords decodes a little-endian asset payload.
func PayloadWords(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("payload length %d is not word aligned: %w", len(b), api.ErrBadMessage)
	}

	w := make([]uint32, len(b)/4)
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*4:])
	}

	return w, nil
}

// PayloadBytes encodes an asset payload in little-endian format.
func PayloadBytes(w []uint32) []byte {
	b := make([]byte, len(w)*4)
	for i, v := range w {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}

// KeyWords converts a big-endian integer into n words, most significant
// word first.
func KeyWords(b []byte, n int) ([]uint32, error) {
	if len(b) > n*4 {
		return nil, fmt.Errorf("key material exceeds %d words", n)
	}

	p := make([]byte, n*4)
	copy(p[len(p)-len(b):], b)

	w := make([]uint32, n)
	for i := range w {
		w[i] = binary.BigEndian.Uint32(p[i*4:])
	}

	return w, nil
}

// KeyBytes converts key words into a big-endian integer.
func KeyBytes(w []uint32) []byte {
	b := make([]byte, len(w)*4)
	for i, v := range w {
		binary.BigEndian.PutUint32(b[i*4:], v)
	}
	return b
}
