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

// Package testonly provides support for sensor control core tests.
package testonly

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-sensor-os/internal/asset"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
)

// Secret is the device secret of test roots.
const Secret = "test device secret"

// Root is a software secure root along with its debug entitlement signer.
type Root struct {
	*cc.Soft

	// DebugSigner signs debug entitlements accepted by the root.
	DebugSigner string
}

// NewRoot creates a software root in the given hardware lifecycle state.
func NewRoot(t testing.TB, lcs uint32) *Root {
	t.Helper()
	skey, vkey, err := note.GenerateKey(rand.Reader, "sensor-debug-test")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := cc.NewSoft([]byte(Secret), lcs, vkey)
	if err != nil {
		t.Fatalf("NewSoft: %v", err)
	}
	return &Root{Soft: s, DebugSigner: skey}
}

// Package wraps asset words into an encrypted package.
func (r *Root) Package(t testing.TB, root cc.RootKey, ty asset.Type, w []uint32) []byte {
	t.Helper()
	pkg, err := r.PackAsset(root, uint32(ty), asset.PayloadBytes(w))
	if err != nil {
		t.Fatalf("PackAsset: %v", err)
	}
	return pkg
}

// Entitlement returns a debug entitlement for this device.
func (r *Root) Entitlement(t testing.TB, rma bool) []byte {
	t.Helper()
	uid, err := r.UniqueID()
	if err != nil {
		t.Fatalf("UniqueID: %v", err)
	}
	blob, err := cc.SignDebugEntitlement(r.DebugSigner, uid, rma)
	if err != nil {
		t.Fatalf("SignDebugEntitlement: %v", err)
	}
	return blob
}

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// RSAKey returns a 2048-bit RSA key shared by all tests of a binary.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("GenerateKey: %v", keyErr)
	}
	return key
}

// Flags packs certificate flags.
func Flags(t testing.TB, p asset.Purpose, a asset.Authority, version, number uint32) asset.Flags {
	t.Helper()
	f, err := asset.NewFlags(p, a, version, number)
	if err != nil {
		t.Fatalf("NewFlags: %v", err)
	}
	return f
}

// Certificate returns the words of a 2048-bit certificate for k, the
// signature is filler.
func Certificate(t testing.TB, k *rsa.PrivateKey, f asset.Flags) []uint32 {
	t.Helper()
	return CertificateOf(t, asset.RSA2048, k, f)
}

// CertificateOf returns the words of a certificate of key type kt carrying
// the modulus of k, zero padded to the key size.
func CertificateOf(t testing.TB, kt asset.KeyType, k *rsa.PrivateKey, f asset.Flags) []uint32 {
	t.Helper()
	sig := make([]byte, kt.Words()*4)
	for i := range sig {
		sig[i] = byte(f) + byte(i)
	}
	c, err := asset.NewCertificate(kt, f, k.N.Bytes(), sig)
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}
	return c.Words()
}

// PrivateKey returns the words of a 2048-bit private key.
func PrivateKey(t testing.TB, k *rsa.PrivateKey, a asset.Authority) []uint32 {
	t.Helper()
	pk, err := asset.NewPrivateKey(a, asset.RSA2048, k.N.Bytes(), k.D.Bytes())
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	return pk.Words()
}

// PSK returns the words of a pre-shared master secret filled with seed.
func PSK(bits uint32, seed uint32) []uint32 {
	w := []uint32{bits}
	for i := uint32(0); i < bits/32; i++ {
		w = append(w, seed+i)
	}
	return w
}
