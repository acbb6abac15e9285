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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

const (
	diversifierCM  = "SensorRootKeyCM"
	diversifierDM  = "SensorRootKeyDM"
	diversifierUID = "SensorUniqueID"
	iter           = 4096

	// assetKeyInfo prefixes the HKDF info of asset unwrap keys.
	assetKeyInfo = "ASSET PROV"

	rootKeySize  = 16
	uniqueIDSize = 16
	publicExp    = 65537
)

// Soft emulates the hardware secure root and primitive library in software.
//
// Root keys and the unique identifier are diversified from a device secret
// with PBKDF2, asset unwrap keys are derived from root keys with HKDF.
type Soft struct {
	// Lifecycle is the emulated hardware lifecycle state value.
	Lifecycle uint32
	// DebugEnable emulates the hardware debug enable fuse.
	DebugEnable bool
	// LifecycleErr, when set, is returned by LifecycleState.
	LifecycleErr error
	// InitErr, when set, is returned by Init.
	InitErr error
	// RootErr, when set, is returned by InitRoot.
	RootErr error
	// Rand is the entropy source, crypto/rand is used when nil.
	Rand io.Reader

	secret    []byte
	verifiers note.Verifiers

	rootUp        bool
	initialized   bool
	fatal         bool
	debugLocked   bool
	debugUnlocked bool
	trng          [4]uint32
}

// NewSoft returns a software root for the given device secret and hardware
// lifecycle value. Debug certificates are verified against debugVerifier, an
// empty verifier rejects all of them.
func NewSoft(secret []byte, lifecycle uint32, debugVerifier string) (*Soft, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty device secret")
	}

	s := &Soft{
		Lifecycle: lifecycle,
		secret:    append([]byte{}, secret...),
	}

	if debugVerifier != "" {
		v, err := note.NewVerifier(debugVerifier)
		if err != nil {
			return nil, err
		}
		s.verifiers = note.VerifierList(v)
	} else {
		s.verifiers = note.VerifierList()
	}

	return s, nil
}

func (s *Soft) rand() io.Reader {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.Reader
}

func (s *Soft) rootKey(root RootKey) ([]byte, error) {
	var div string

	switch root {
	case RootCM:
		div = diversifierCM
	case RootDM:
		div = diversifierDM
	default:
		return nil, &Error{Code: CodeAssetKey}
	}

	return pbkdf2.Key(s.secret, []byte(div), iter, rootKeySize, sha256.New), nil
}

func (s *Soft) assetKey(root RootKey, assetID uint32) ([]byte, error) {
	rk, err := s.rootKey(root)
	if err != nil {
		return nil, err
	}

	info := binary.BigEndian.AppendUint32([]byte(assetKeyInfo), assetID)
	key := make([]byte, rootKeySize)

	if _, err := io.ReadFull(hkdf.New(sha256.New, rk, nil, info), key); err != nil {
		return nil, &Error{Code: CodeKDF}
	}

	return key, nil
}

// InitRoot marks the emulated root hardware as up.
func (s *Soft) InitRoot() error {
	switch {
	case s.fatal:
		return &Error{Code: CodeFatal}
	case s.RootErr != nil:
		return s.RootErr
	}

	s.rootUp = true

	return nil
}

// RootUp returns whether InitRoot succeeded.
func (s *Soft) RootUp() bool {
	return s.rootUp
}

// Init initializes the library, the TRNG ratios must all be non-zero.
func (s *Soft) Init(workspace []byte, trng [4]uint32) error {
	switch {
	case s.fatal:
		return &Error{Code: CodeFatal}
	case s.InitErr != nil:
		return s.InitErr
	case len(workspace) < WorkspaceSize:
		return &Error{Code: CodeWorkspace}
	}

	for _, r := range trng {
		if r == 0 {
			return &Error{Code: CodeTRNG}
		}
	}

	s.trng = trng
	s.initialized = true

	return nil
}

// Shutdown marks the library uninitialized.
func (s *Soft) Shutdown() {
	s.initialized = false
}

// Initialized returns whether Init succeeded since the last Shutdown.
func (s *Soft) Initialized() bool {
	return s.initialized
}

// TRNG returns the TRNG ratios passed to the last successful Init.
func (s *Soft) TRNG() [4]uint32 {
	return s.trng
}

func (s *Soft) ready() error {
	switch {
	case s.fatal:
		return &Error{Code: CodeFatal}
	case !s.initialized:
		return &Error{Code: CodeUninitialized}
	}
	return nil
}

// LifecycleState returns the emulated lifecycle value.
func (s *Soft) LifecycleState() (uint32, error) {
	if s.LifecycleErr != nil {
		return 0, s.LifecycleErr
	}
	return s.Lifecycle, nil
}

// UniqueID returns the identifier diversified from the device secret.
func (s *Soft) UniqueID() ([]byte, error) {
	return pbkdf2.Key(s.secret, []byte(diversifierUID), iter, uniqueIDSize, sha256.New), nil
}

// DebugEnableFuse returns the emulated debug enable fuse.
func (s *Soft) DebugEnableFuse() bool {
	return s.DebugEnable
}

// UnwrapAsset authenticates and decrypts an asset package.
func (s *Soft) UnwrapAsset(root RootKey, assetID uint32, pkg []byte) ([]byte, error) {
	if s.fatal {
		return nil, &Error{Code: CodeFatal}
	}

	var h PackageHeader

	ct, err := h.parse(pkg)
	if err != nil {
		return nil, err
	}

	key, err := s.assetKey(root, assetID)
	if err != nil {
		return nil, err
	}

	pt, err := open(ModeCCM, key, h.Nonce[:], pkg[:packageAADSize], ct)
	if err != nil {
		return nil, &Error{Code: CodeAssetAuth}
	}

	return pt, nil
}

// PackAsset builds an asset package which UnwrapAsset accepts.
func (s *Soft) PackAsset(root RootKey, assetID uint32, payload []byte) ([]byte, error) {
	key, err := s.assetKey(root, assetID)
	if err != nil {
		return nil, err
	}

	h := PackageHeader{
		Token:     PackageToken,
		Version:   PackageVersion,
		AssetSize: uint32(len(payload)),
	}

	if _, err := io.ReadFull(s.rand(), h.Nonce[:]); err != nil {
		return nil, err
	}

	hdr := h.Bytes()

	ct, err := Seal(ModeCCM, key, h.Nonce[:], hdr[:packageAADSize], payload)
	if err != nil {
		return nil, err
	}

	return append(hdr, ct...), nil
}

func newAEAD(mode Mode, key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &Error{Code: CodeAEADKey}
	}

	switch mode {
	case ModeCCM:
		return ccm.NewCCM(block, TagSize, NonceSize)
	case ModeGCM:
		return cipher.NewGCM(block)
	}

	return nil, &Error{Code: CodeAEADMode}
}

func open(mode Mode, key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(mode, key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != NonceSize || len(ciphertext) < TagSize {
		return nil, &Error{Code: CodeAEADAuth}
	}

	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, &Error{Code: CodeAEADAuth}
	}

	return pt, nil
}

// Seal encrypts and authenticates plaintext, it is the host side
// counterpart of AEADOpen.
func Seal(mode Mode, key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(mode, key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != NonceSize {
		return nil, &Error{Code: CodeAEADKey}
	}

	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen authenticates and decrypts ciphertext.
func (s *Soft) AEADOpen(mode Mode, key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return open(mode, key, nonce, aad, ciphertext)
}

// RSADecrypt performs RSA-OAEP SHA-256 decryption.
func (s *Soft) RSADecrypt(modulus, exponent, ciphertext []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(modulus)
	d := new(big.Int).SetBytes(exponent)

	if n.Sign() == 0 || d.Sign() == 0 {
		return nil, &Error{Code: CodeRSAKey}
	}

	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: publicExp},
		D:         d,
	}

	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, &Error{Code: CodeRSADecrypt}
	}

	return pt, nil
}

// HKDF fills out with HKDF-SHA256 output, extraction is always performed.
func (s *Soft) HKDF(secret, salt, info, out []byte) error {
	if err := s.ready(); err != nil {
		return err
	}

	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return &Error{Code: CodeKDF}
	}

	return nil
}

// SHA256 hashes data, it only fails once the fatal error flag is set.
func (s *Soft) SHA256(data []byte) ([DigestSize]byte, error) {
	if s.fatal {
		return [DigestSize]byte{}, &Error{Code: CodeFatal}
	}
	return sha256.Sum256(data), nil
}

// Random fills b from the entropy source.
func (s *Soft) Random(b []byte) error {
	if err := s.ready(); err != nil {
		return err
	}

	if _, err := io.ReadFull(s.rand(), b); err != nil {
		return &Error{Code: CodeRNG}
	}

	return nil
}

// SetFatalError flags the library as failed.
func (s *Soft) SetFatalError() {
	if !s.fatal {
		klog.Errorf("crypto library fatal error flag set")
	}
	s.fatal = true
	s.initialized = false
}

// Fatal returns whether SetFatalError was called.
func (s *Soft) Fatal() bool {
	return s.fatal
}
