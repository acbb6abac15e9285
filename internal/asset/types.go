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

// Package asset implements the typed asset layer over the NVM record store:
// asset layouts, provisioning policy and retrieval.
package asset

import (
	"fmt"
	"strings"

	"github.com/transparency-dev/armored-sensor-os/internal/nvm"
)

// Type is the NVM record tag of an asset.
type Type uint16

const (
	TypeOTPMConfig        Type = 0x01
	TypeTRNG              Type = 0x02
	TypePSKMasterSecret   Type = 0x03
	TypePublicCertificate Type = 0x04
	TypePrivateKey        Type = 0x05
)

// Types lists all known asset types.
var Types = []Type{
	TypeOTPMConfig,
	TypeTRNG,
	TypePSKMasterSecret,
	TypePublicCertificate,
	TypePrivateKey,
}

func (t Type) String() string {
	switch t {
	case TypeOTPMConfig:
		return "OTPMConfig"
	case TypeTRNG:
		return "TRNGCharacterization"
	case TypePSKMasterSecret:
		return "PSKMasterSecret"
	case TypePublicCertificate:
		return "PublicCertificate"
	case TypePrivateKey:
		return "PrivateKey"
	}
	return fmt.Sprintf("Type(%#x)", uint16(t))
}

// ID returns the record tag of the asset type.
func (t Type) ID() nvm.ID {
	return nvm.ID(t)
}

// ParseType parses an asset type name, case is ignored.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown asset type %q", s)
}

// KeyType identifies an RSA key size in certificate and private key
// headers.
type KeyType uint32

const (
	RSA2048 KeyType = 0x52534102
	RSA3072 KeyType = 0x52534103
	RSA4096 KeyType = 0x52534104
)

// Bits returns the key size in bits, or 0 for unknown types.
func (k KeyType) Bits() int {
	switch k {
	case RSA2048:
		return 2048
	case RSA3072:
		return 3072
	case RSA4096:
		return 4096
	}
	return 0
}

// Words returns the key size in words, or 0 for unknown types.
func (k KeyType) Words() int {
	return k.Bits() / 32
}

func (k KeyType) String() string {
	if b := k.Bits(); b != 0 {
		return fmt.Sprintf("RSA-%d", b)
	}
	return fmt.Sprintf("KeyType(%#x)", uint32(k))
}

// KeyTypeForBits returns the key type of an RSA key size.
func KeyTypeForBits(bits int) (KeyType, error) {
	for _, k := range []KeyType{RSA2048, RSA3072, RSA4096} {
		if k.Bits() == bits {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unsupported RSA key size %d", bits)
}

// Purpose is the certificate purpose.
type Purpose uint32

const (
	PurposeSensor Purpose = 0
	PurposeVendor Purpose = 1
)

func (p Purpose) String() string {
	switch p {
	case PurposeSensor:
		return "Sensor"
	case PurposeVendor:
		return "Vendor"
	}
	return fmt.Sprintf("Purpose(%d)", uint32(p))
}

// Authority identifies a certificate authority.
type Authority uint32

const (
	VendorA Authority = 0
	VendorB Authority = 1
)

func (a Authority) String() string {
	switch a {
	case VendorA:
		return "VendorA"
	case VendorB:
		return "VendorB"
	}
	return fmt.Sprintf("Authority(%d)", uint32(a))
}
