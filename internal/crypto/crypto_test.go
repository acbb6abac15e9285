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

package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/internal/asset"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/lifecycle"
	"github.com/transparency-dev/armored-sensor-os/internal/mem"
	"github.com/transparency-dev/armored-sensor-os/internal/nvm"
	"github.com/transparency-dev/armored-sensor-os/internal/testonly"
	"github.com/transparency-dev/armored-sensor-os/otpm"
)

type fixture struct {
	root  *testonly.Root
	store *nvm.Store
	sink  *diag.Sink
	pool  *mem.Pool
	mgr   *Manager
}

func newFixture(t *testing.T, lcs uint32) *fixture {
	t.Helper()
	f := &fixture{
		root: testonly.NewRoot(t, lcs),
		sink: diag.New(),
		pool: mem.NewPool(16 * 1024),
	}
	f.store = nvm.New(otpm.NewMem(512), 64, f.sink)
	require.NoError(t, f.store.Init())
	lc := lifecycle.New(f.root, f.pool, f.sink, nil)
	f.mgr = New(f.root, f.pool, f.sink, lc, asset.NewReader(f.store))
	return f
}

func configured(t *testing.T, lcs uint32) *fixture {
	t.Helper()
	f := newFixture(t, lcs)
	require.NoError(t, f.mgr.OnPhaseEntry(api.PhaseConfigure))
	return f
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.True(t, errors.Is(err, kind), "got %v, want %v", err, kind)
}

func TestIncrementNonce(t *testing.T) {
	for _, test := range []struct {
		name string
		in   [cc.NonceSize]byte
		want [cc.NonceSize]byte
	}{
		{
			name: "zero",
			want: [cc.NonceSize]byte{11: 1},
		}, {
			name: "carry",
			in:   [cc.NonceSize]byte{10: 0x01, 11: 0xff},
			want: [cc.NonceSize]byte{10: 0x02, 11: 0x00},
		}, {
			name: "long carry",
			in:   [cc.NonceSize]byte{0, 0, 0, 0, 0, 0, 0, 0x7f, 0xff, 0xff, 0xff, 0xff},
			want: [cc.NonceSize]byte{0, 0, 0, 0, 0, 0, 0, 0x80, 0, 0, 0, 0},
		}, {
			name: "wrap",
			in:   [cc.NonceSize]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			n := test.in
			IncrementNonce(&n)
			if diff := cmp.Diff(test.want, n); diff != "" {
				t.Errorf("Got diff: %s", diff)
			}
		})
	}
}

func TestAEADDecryptNonce(t *testing.T) {
	f := configured(t, cc.LifecycleSecure)

	key := make([]byte, 16)
	nonce := [cc.NonceSize]byte{11: 0xff}
	aad := api.CmdSetVideoAuthROI.AAD()

	for _, mode := range []cc.Mode{cc.ModeCCM, cc.ModeGCM} {
		start := nonce

		ct, err := cc.Seal(mode, key, nonce[:], aad, []byte("roi"))
		require.NoError(t, err)

		tampered := append([]byte{}, ct...)
		tampered[len(tampered)-1] ^= 1
		_, err = f.mgr.AEADDecrypt(mode, key, &nonce, aad, tampered)
		requireKind(t, err, api.ErrBadMessage)
		require.Equal(t, start, nonce)

		pt, err := f.mgr.AEADDecrypt(mode, key, &nonce, aad, ct)
		require.NoError(t, err)
		require.Equal(t, []byte("roi"), pt)

		want := start
		IncrementNonce(&want)
		require.Equal(t, want, nonce)

		// Replaying the same request fails against the advanced nonce.
		_, err = f.mgr.AEADDecrypt(mode, key, &nonce, aad, ct)
		requireKind(t, err, api.ErrBadMessage)
	}

	_, err := f.mgr.AEADDecrypt(cc.Mode(2), key, &nonce, aad, make([]byte, 32))
	requireKind(t, err, api.ErrRange)
}

func TestRequiresConfigured(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)
	nonce := [cc.NonceSize]byte{}

	_, err := f.mgr.AEADDecrypt(cc.ModeGCM, make([]byte, 16), &nonce, nil, make([]byte, 32))
	requireKind(t, err, api.ErrSystem)
	requireKind(t, f.mgr.Random(make([]byte, 8)), api.ErrSystem)
	_, err = f.mgr.AuthenticateAsset(1, 0, nil)
	requireKind(t, err, api.ErrSystem)
	require.True(t, f.sink.HasFatal(diag.FatalCrypto))

	// Patch chunks can be processed before configuration.
	pkg, err := f.root.PackAsset(cc.RootCM, 0x50, []byte("chunk"))
	require.NoError(t, err)
	out := make([]byte, 16)
	n, err := f.mgr.AuthenticatePatchChunk(0x50, pkg, out)
	require.NoError(t, err)
	require.Equal(t, []byte("chunk"), out[:n])

	_, err = f.mgr.AuthenticatePatchChunk(0x50, pkg, out[:2])
	requireKind(t, err, api.ErrRange)
}

func TestConfigureLifecycle(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)

	require.NoError(t, f.mgr.OnPhaseEntry(api.PhaseConfigure))
	require.Equal(t, Configured, f.mgr.State())
	require.Equal(t, asset.DefaultTRNG, f.mgr.TRNG())
	require.True(t, f.sink.HasCheckpoint(diag.CheckpointCryptoTRNGDefault))
	require.Equal(t, uint(cc.WorkspaceSize), f.pool.Used())

	require.NoError(t, f.mgr.OnPhaseEntry(api.PhaseShutdown))
	require.Equal(t, Uninitialized, f.mgr.State())
	require.Zero(t, f.pool.Used())
	require.False(t, f.root.Initialized())
}

func TestConfigureStoredTRNG(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)
	_, err := f.store.WriteAsset(asset.TypeTRNG.ID(), []uint32{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = f.store.WriteAsset(asset.TypeTRNG.ID(), []uint32{5, 6, 7, 8})
	require.NoError(t, err)

	require.NoError(t, f.mgr.OnPhaseEntry(api.PhaseConfigure))
	require.Equal(t, asset.TRNG{5, 6, 7, 8}, f.mgr.TRNG())
	require.Equal(t, [4]uint32{5, 6, 7, 8}, f.root.TRNG())
}

func TestConfigureFailures(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)
	f.mgr.pool = mem.NewPool(cc.WorkspaceSize - 1)
	requireKind(t, f.mgr.OnPhaseEntry(api.PhaseConfigure), api.ErrNoSpace)
	require.Equal(t, Uninitialized, f.mgr.State())

	f = newFixture(t, cc.LifecycleSecure)
	f.root.InitErr = &cc.Error{Code: cc.CodeTRNG}
	requireKind(t, f.mgr.OnPhaseEntry(api.PhaseConfigure), api.ErrSystem)
	require.True(t, f.sink.HasFatal(diag.FatalCrypto))
	require.Zero(t, f.pool.Used())
}

func TestDeriveKeys(t *testing.T) {
	f := configured(t, cc.LifecycleSecure)

	p := &KeyParams{
		Secret:       []byte("0123456789abcdef"),
		HostSalt:     make([]byte, 32),
		SensorSalt:   make([]byte, 32),
		ROMVersion:   0x0102,
		PatchVersion: 0x00010203,
		SensorID:     make([]byte, SensorIDSize),
	}
	p.HostSalt[0], p.SensorSalt[0] = 1, 2

	out := make([]byte, 32)
	require.NoError(t, f.mgr.DeriveKeys(p, out))

	info := append([]byte("SNSRKEYS"), 0x01, 0x02, 0x00, 0x01, 0x02, 0x03)
	info = append(info, p.SensorID...)
	want := make([]byte, 32)
	_, err := io.ReadFull(hkdf.New(sha256.New, p.Secret, append(append([]byte{}, p.HostSalt...), p.SensorSalt...), info), want)
	require.NoError(t, err)
	require.Equal(t, want, out)

	for _, test := range []struct {
		name   string
		modify func(p *KeyParams, out *[]byte)
	}{
		{name: "secret", modify: func(p *KeyParams, _ *[]byte) { p.Secret = make([]byte, MaxSecretSize+1) }},
		{name: "salt", modify: func(p *KeyParams, _ *[]byte) { p.HostSalt = make([]byte, 64) }},
		{name: "sensor ID", modify: func(p *KeyParams, _ *[]byte) { p.SensorID = make([]byte, 33) }},
		{name: "output", modify: func(_ *KeyParams, out *[]byte) { *out = make([]byte, MaxKeyMaterial+1) }},
	} {
		t.Run(test.name, func(t *testing.T) {
			q := *p
			o := make([]byte, 32)
			test.modify(&q, &o)
			requireKind(t, f.mgr.DeriveKeys(&q, o), api.ErrSystem)
		})
	}
}

func TestSensorID(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)
	id, err := f.mgr.SensorID()
	require.NoError(t, err)

	uid, err := f.root.UniqueID()
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256(append(uid, "SENSOR ID"...)), id)

	// The digest goes through the primitive library.
	f.root.SetFatalError()
	_, err = f.mgr.SensorID()
	requireKind(t, err, api.ErrSystem)
	require.True(t, f.sink.HasCheckpoint(diag.CheckpointCryptoError))

	for _, lcs := range []uint32{cc.LifecycleCM, cc.LifecycleDM, cc.LifecycleRMA} {
		f := newFixture(t, lcs)
		id, err := f.mgr.SensorID()
		require.NoError(t, err)
		require.Equal(t, [SensorIDSize]byte{}, id)
	}
}

func TestRSADecrypt(t *testing.T) {
	f := configured(t, cc.LifecycleSecure)
	k := testonly.RSAKey(t)

	pk, err := asset.ParsePrivateKey(testonly.PrivateKey(t, k, asset.VendorA))
	require.NoError(t, err)

	secret := []byte("0123456789abcdef0123456789abcdef")
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &k.PublicKey, secret, nil)
	require.NoError(t, err)

	pt, err := f.mgr.RSADecrypt(pk, ct)
	require.NoError(t, err)
	require.Equal(t, secret, pt)

	_, err = f.mgr.RSADecrypt(pk, ct[1:])
	requireKind(t, err, api.ErrRange)

	ct[5] ^= 0x10
	_, err = f.mgr.RSADecrypt(pk, ct)
	requireKind(t, err, api.ErrBadMessage)
	require.True(t, f.sink.HasCheckpoint(diag.CheckpointCryptoError))
}

func TestAuthenticateAsset(t *testing.T) {
	f := configured(t, cc.LifecycleSecure)

	pkg, err := f.root.PackAsset(cc.RootDM, uint32(asset.TypePSKMasterSecret), []byte("payload!"))
	require.NoError(t, err)

	pt, err := f.mgr.AuthenticateAsset(uint32(asset.TypePSKMasterSecret), uint32(cc.RootDM), pkg)
	require.NoError(t, err)
	require.Equal(t, []byte("payload!"), pt)

	_, err = f.mgr.AuthenticateAsset(uint32(asset.TypePSKMasterSecret), uint32(cc.RootCM), pkg)
	requireKind(t, err, api.ErrBadMessage)

	_, err = f.mgr.AuthenticateAsset(uint32(asset.TypePSKMasterSecret), 2, pkg)
	requireKind(t, err, api.ErrBadMessage)
}
