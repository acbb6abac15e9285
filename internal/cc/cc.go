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

// Package cc defines the contract of the cryptographic primitive library
// consumed by the sensor control core, along with Soft, a software
// emulation of the hardware secure root.
package cc

import (
	"fmt"
)

// RootKey selects one of the hardware root keys.
type RootKey uint32

const (
	// RootCM is the chip manufacturer root key.
	RootCM RootKey = 0
	// RootDM is the device manufacturer root key.
	RootDM RootKey = 1
)

func (r RootKey) String() string {
	switch r {
	case RootCM:
		return "CM"
	case RootDM:
		return "DM"
	}
	return fmt.Sprintf("RootKey(%d)", uint32(r))
}

// Hardware lifecycle state values.
const (
	LifecycleCM     uint32 = 0
	LifecycleDM     uint32 = 1
	LifecycleSecure uint32 = 5
	LifecycleRMA    uint32 = 7
)

// Mode selects an AEAD construction.
type Mode uint8

const (
	ModeCCM Mode = 0
	ModeGCM Mode = 1
)

// TagSize is the authentication tag size of all AEAD constructions.
const TagSize = 16

// NonceSize is the nonce size of all AEAD constructions.
const NonceSize = 12

// WorkspaceSize is the minimum scratch workspace required by Init and
// VerifyDebugCertificate.
const WorkspaceSize = 4096

// DigestSize is the size of a SHA-256 digest.
const DigestSize = 32

// Module identifiers, held in the top byte of status codes.
const (
	ModuleAsset     = 0x01 << 24
	ModuleAEAD      = 0x02 << 24
	ModuleRSA       = 0x03 << 24
	ModuleKDF       = 0x04 << 24
	ModuleLifecycle = 0x05 << 24
	ModuleDebug     = 0x06 << 24
	ModuleInit      = 0x07 << 24
	ModuleRNG       = 0x08 << 24
)

// Library status codes.
const (
	CodeAssetFormat   = ModuleAsset | 0x001
	CodeAssetAuth     = ModuleAsset | 0x002
	CodeAssetKey      = ModuleAsset | 0x003
	CodeAEADMode      = ModuleAEAD | 0x001
	CodeAEADKey       = ModuleAEAD | 0x002
	CodeAEADAuth      = ModuleAEAD | 0x003
	CodeRSAKey        = ModuleRSA | 0x001
	CodeRSADecrypt    = ModuleRSA | 0x002
	CodeKDF           = ModuleKDF | 0x001
	CodeLifecycle     = ModuleLifecycle | 0x001
	CodeDebugFormat   = ModuleDebug | 0x001
	CodeDebugVerify   = ModuleDebug | 0x002
	CodeDebugDevice   = ModuleDebug | 0x003
	CodeDebugLocked   = ModuleDebug | 0x004
	CodeWorkspace     = ModuleInit | 0x001
	CodeTRNG          = ModuleInit | 0x002
	CodeUninitialized = ModuleInit | 0x003
	CodeFatal         = ModuleInit | 0x004
	CodeRNG           = ModuleRNG | 0x001
)

// Error is a primitive library failure.
type Error struct {
	Code uint32
}

func (e *Error) Error() string {
	return fmt.Sprintf("crypto library error %#08x", e.Code)
}

// Library is the cryptographic primitive library contract. Implementations
// are trusted for correctness, callers only map their failures.
type Library interface {
	// Init initializes the library with the passed scratch workspace and
	// TRNG sub-sampling ratios.
	Init(workspace []byte, trng [4]uint32) error
	// InitRoot brings up the secure root hardware. It runs once per boot,
	// before the lifecycle state is trusted, and does not require Init.
	InitRoot() error
	// Shutdown releases library resources, Init must be called again
	// before further use.
	Shutdown()

	// LifecycleState returns the hardware lifecycle state value.
	LifecycleState() (uint32, error)
	// UniqueID returns the device unique identifier.
	UniqueID() ([]byte, error)
	// DebugEnableFuse returns whether the hardware debug enable fuse is set.
	DebugEnableFuse() bool

	// UnwrapAsset authenticates and decrypts an asset package with a key
	// derived from a root key. It does not require Init.
	UnwrapAsset(root RootKey, assetID uint32, pkg []byte) ([]byte, error)
	// AEADOpen authenticates and decrypts a ciphertext followed by its tag.
	AEADOpen(mode Mode, key, nonce, aad, ciphertext []byte) ([]byte, error)
	// RSADecrypt performs RSA-OAEP SHA-256 decryption using the big-endian
	// modulus and private exponent, the public exponent is 65537.
	RSADecrypt(modulus, exponent, ciphertext []byte) ([]byte, error)
	// HKDF fills out with HKDF-SHA256 key material.
	HKDF(secret, salt, info, out []byte) error
	// SHA256 returns the digest of data. It does not require Init.
	SHA256(data []byte) ([DigestSize]byte, error)
	// Random fills b with random bytes.
	Random(b []byte) error

	// VerifyDebugCertificate verifies a secure debug certificate and
	// unlocks debug interfaces, it reports whether the certificate
	// requests a transition to the RMA state.
	VerifyDebugCertificate(blob, workspace []byte) (rma bool, err error)
	// LockDebugCertificate permanently disables debug certificates until
	// reset. Locking twice fails with CodeDebugLocked.
	LockDebugCertificate() error
	// SetFatalError flags an unrecoverable condition, all further
	// operations fail.
	SetFatalError()
}
