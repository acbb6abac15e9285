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

package system

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/api/rpc"
	"github.com/transparency-dev/armored-sensor-os/config"
	"github.com/transparency-dev/armored-sensor-os/internal/asset"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/patch"
	"github.com/transparency-dev/armored-sensor-os/internal/testonly"
	"github.com/transparency-dev/armored-sensor-os/otpm"
)

func newSystem(t *testing.T, lcs uint32) (*System, *testonly.Root, *otpm.Mem) {
	t.Helper()
	root := testonly.NewRoot(t, lcs)
	dev := otpm.NewMem(2048)
	s, err := New(config.Default(), dev, root)
	require.NoError(t, err)
	return s, root, dev
}

func call(t *testing.T, s *System, cmd api.Command, req []byte) ([]byte, error) {
	t.Helper()
	var st rpc.Status
	payload, err := st.Decode(s.Handle(cmd, req))
	require.NoError(t, err)
	require.Equal(t, cmd, st.Command)
	return payload, st.Code.Kind()
}

func enter(t *testing.T, s *System, phases ...api.Phase) {
	t.Helper()
	for _, p := range phases {
		require.NoError(t, s.EnterPhase(p))
	}
}

func provision(t *testing.T, s *System, root *testonly.Root, ty asset.Type, w []uint32) error {
	t.Helper()
	_, err := call(t, s, api.CmdProvisionAsset, (&rpc.ProvisionAsset{
		AssetType:   uint16(ty),
		LengthWords: uint16(len(w)),
		RootOfTrust: uint32(cc.RootCM),
		ClockHz:     24000000,
		Package:     root.Package(t, cc.RootCM, ty, w),
	}).Bytes())
	return err
}

func TestBoot(t *testing.T) {
	s, root, dev := newSystem(t, cc.LifecycleSecure)
	k := testonly.RSAKey(t)

	enter(t, s, api.PhaseInitialize, api.PhaseDebug)
	require.True(t, s.Store.Initialized())

	_, err := call(t, s, api.CmdApplyDebugEntitlement, (&rpc.DebugEntitlement{Blob: root.Entitlement(t, false)}).Bytes())
	require.NoError(t, err)
	require.True(t, s.Lifecycle.Entitled())

	enter(t, s, api.PhasePatch)
	require.False(t, root.DebugLocked())

	version := uint32(0x010000)
	for i := uint16(0); i < 2; i++ {
		pkg, err := root.PackAsset(cc.RootCM, patch.AssetID, append(patch.ChunkHeader(i, 2, version), "code"...))
		require.NoError(t, err)
		_, err = call(t, s, api.CmdLoadPatchChunk, (&rpc.PatchChunk{Chunk: i, NumChunks: 2, PatchVersion: version, Package: pkg}).Bytes())
		require.NoError(t, err)
	}
	v, ok := s.Patch.Active()
	require.True(t, ok)
	require.Equal(t, version, v)

	enter(t, s, api.PhaseConfigure)
	require.NoError(t, provision(t, s, root, asset.TypePublicCertificate, testonly.Certificate(t, k, testonly.Flags(t, asset.PurposeSensor, asset.VendorB, 1, 1))))
	require.NoError(t, provision(t, s, root, asset.TypePrivateKey, testonly.PrivateKey(t, k, asset.VendorB)))
	require.Equal(t, uint32(24000000), dev.ClockHz)

	res, err := call(t, s, api.CmdGetSensorID, nil)
	require.NoError(t, err)
	var id rpc.SensorID
	require.NoError(t, id.Decode(res))
	uid, err := root.UniqueID()
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256(append(uid, "SENSOR ID"...)), id.ID)

	res, err = call(t, s, api.CmdGetCertificates, (&rpc.GetCertificates{AuthID: uint8(asset.VendorB)}).Bytes())
	require.NoError(t, err)
	var certs rpc.Certificates
	require.NoError(t, certs.Decode(res))
	require.Len(t, certs.SensorCert, 3+2*64)
	require.Empty(t, certs.VendorCert)

	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &k.PublicKey, []byte("master secret"), nil)
	require.NoError(t, err)
	res, err = call(t, s, api.CmdSetSessionKeys, (&rpc.SetSessionKeys{
		AuthID:          uint8(asset.VendorB),
		SessionParams:   rpc.SessionParams{KeyBytes: 16},
		EncryptedSecret: ct,
	}).Bytes())
	require.NoError(t, err)
	var keys rpc.SessionKeys
	require.NoError(t, keys.Decode(res))
	require.NotEqual(t, [rpc.SaltSize]byte{}, keys.SensorSalt)

	enter(t, s, api.PhaseSession)
	require.True(t, s.Session.Initiated())

	_, err = call(t, s, api.CmdGetSensorID, nil)
	require.True(t, errors.Is(err, api.ErrAccessDenied))

	// The response carries no secret, a bogus ROI is a bad message in
	// Secure state.
	_, err = call(t, s, api.CmdSetVideoAuthROI, (&rpc.Encrypted{Data: make([]byte, 28)}).Bytes())
	require.True(t, errors.Is(err, api.ErrBadMessage))

	r, err := diag.ParseDump(s.Dump())
	require.NoError(t, err)
	require.NotEmpty(t, r.Checkpoints)
	require.False(t, s.Session.Initiated())

	enter(t, s, api.PhaseShutdown)
	require.True(t, root.Fatal())
	require.True(t, root.DebugLocked())
}

func TestPhases(t *testing.T) {
	s, _, _ := newSystem(t, cc.LifecycleDM)
	require.Equal(t, api.PhaseBoot, s.Phase())

	// Phases can be skipped, the store is still initialised.
	enter(t, s, api.PhaseConfigure)
	require.True(t, s.Store.Initialized())

	for _, p := range []api.Phase{api.PhaseBoot, api.PhaseDebug, api.PhaseConfigure} {
		require.True(t, errors.Is(s.EnterPhase(p), api.ErrAccessDenied), "phase %s", p)
	}
	require.True(t, errors.Is(s.EnterPhase(api.Phase(42)), api.ErrInvalidArgument))

	enter(t, s, api.PhaseShutdown, api.PhaseShutdown)
	require.Equal(t, api.PhaseShutdown, s.Phase())
}

func TestCommandPhase(t *testing.T) {
	s, root, _ := newSystem(t, cc.LifecycleDM)
	enter(t, s, api.PhaseInitialize, api.PhaseDebug)

	_, err := call(t, s, api.CmdGetSensorID, nil)
	require.True(t, errors.Is(err, api.ErrAccessDenied))
	require.True(t, s.Diag.HasCheckpoint(diag.CheckpointCommandError))

	_, err = call(t, s, api.Command(0x1234), nil)
	require.True(t, errors.Is(err, api.ErrInvalidArgument))

	// Debug is locked once Patch is entered without entitlement.
	enter(t, s, api.PhasePatch)
	require.True(t, root.DebugLocked())

	_, err = call(t, s, api.CmdApplyDebugEntitlement, (&rpc.DebugEntitlement{Blob: root.Entitlement(t, false)}).Bytes())
	require.True(t, errors.Is(err, api.ErrAccessDenied))
}

func TestProvisionMalformed(t *testing.T) {
	s, _, _ := newSystem(t, cc.LifecycleDM)
	enter(t, s, api.PhaseConfigure)

	_, err := call(t, s, api.CmdProvisionAsset, []byte{1, 2})
	require.True(t, errors.Is(err, api.ErrRange))

	buf := (&rpc.ProvisionAsset{AssetType: uint16(asset.TypePSKMasterSecret), LengthWords: 9, Package: []byte("not a package")}).Bytes()
	_, err = call(t, s, api.CmdProvisionAsset, buf)
	require.Error(t, err)
	// The request buffer is scrubbed.
	require.Equal(t, make([]byte, len(buf)), buf)
}

func TestCommandMismatch(t *testing.T) {
	s, _, _ := newSystem(t, cc.LifecycleDM)

	buf := []byte{1, 2, 3, 4}
	_, err := s.provisionAsset(api.CmdGetSensorID, buf)
	require.True(t, errors.Is(err, api.ErrSystem))
	require.True(t, s.Diag.HasFatal(diag.FatalCommandMismatch))
	require.Equal(t, make([]byte, len(buf)), buf)
}
