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

package lifecycle

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/mem"
	"github.com/transparency-dev/armored-sensor-os/otpm"
)

type countingLib struct {
	*cc.Soft
	verifies int
}

func (c *countingLib) VerifyDebugCertificate(blob, ws []byte) (bool, error) {
	c.verifies++
	return c.Soft.VerifyDebugCertificate(blob, ws)
}

type fixture struct {
	lib   *countingLib
	sink  *diag.Sink
	mgr   *Manager
	skey  string
	clock *otpm.Mem
}

func newFixture(t *testing.T, hw uint32) *fixture {
	t.Helper()
	skey, vkey, err := note.GenerateKey(rand.Reader, "sensor-debug")
	require.NoError(t, err)
	soft, err := cc.NewSoft([]byte("lifecycle test secret"), hw, vkey)
	require.NoError(t, err)

	f := &fixture{
		lib:   &countingLib{Soft: soft},
		sink:  diag.New(),
		skey:  skey,
		clock: otpm.NewMem(1),
	}
	f.mgr = New(f.lib, mem.NewPool(2*cc.WorkspaceSize), f.sink, f.clock)
	return f
}

func (f *fixture) entitlement(t *testing.T, rma bool) []byte {
	t.Helper()
	uid, err := f.lib.UniqueID()
	require.NoError(t, err)
	blob, err := cc.SignDebugEntitlement(f.skey, uid, rma)
	require.NoError(t, err)
	return blob
}

func TestCurrentLCS(t *testing.T) {
	for _, test := range []struct {
		hw   uint32
		want State
	}{
		{hw: cc.LifecycleCM, want: CM},
		{hw: cc.LifecycleDM, want: DM},
		{hw: cc.LifecycleSecure, want: Secure},
		{hw: cc.LifecycleRMA, want: RMA},
	} {
		t.Run(test.want.String(), func(t *testing.T) {
			f := newFixture(t, test.hw)
			got, err := f.mgr.CurrentLCS()
			require.NoError(t, err)
			require.Equal(t, test.want, got)
			require.Equal(t, test.hw, got.Hardware())
		})
	}
}

func TestCurrentLCSLockdown(t *testing.T) {
	for _, test := range []struct {
		name  string
		setup func(s *cc.Soft)
	}{
		{
			name:  "unknown value",
			setup: func(s *cc.Soft) { s.Lifecycle = 3 },
		}, {
			name:  "query failure",
			setup: func(s *cc.Soft) { s.LifecycleErr = &cc.Error{Code: cc.CodeLifecycle} },
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, cc.LifecycleSecure)
			test.setup(f.lib.Soft)

			_, err := f.mgr.CurrentLCS()
			require.True(t, errors.Is(err, api.ErrSystem), "got %v", err)
			require.True(t, f.lib.Fatal())
			require.True(t, f.lib.DebugLocked())
			require.True(t, f.sink.HasFatal(diag.FatalLifecycle))
			require.True(t, f.sink.HasCheckpoint(diag.CheckpointLockdown))
		})
	}
}

func TestApplyDebugEntitlementGating(t *testing.T) {
	for _, hw := range []uint32{cc.LifecycleCM, cc.LifecycleRMA} {
		f := newFixture(t, hw)
		err := f.mgr.ApplyDebugEntitlement(0, f.entitlement(t, false))
		require.True(t, errors.Is(err, api.ErrAccessDenied), "got %v", err)
		require.Zero(t, f.lib.verifies)
	}
}

func TestApplyDebugEntitlement(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)
	f.lib.DebugEnable = true

	require.NoError(t, f.mgr.ApplyDebugEntitlement(24000000, f.entitlement(t, false)))
	require.True(t, f.mgr.Entitled())
	require.True(t, f.sink.InfoEnabled())
	require.Equal(t, uint32(24000000), f.clock.ClockHz)

	err := f.mgr.ApplyDebugEntitlement(0, f.entitlement(t, false))
	require.True(t, errors.Is(err, api.ErrAccessDenied), "got %v", err)
	require.Equal(t, 1, f.lib.verifies)

	// An applied entitlement keeps debug certificates unlocked.
	require.NoError(t, f.mgr.OnPhaseEntry(api.PhasePatch))
	require.False(t, f.lib.DebugLocked())
}

func TestApplyDebugEntitlementNoInfoInDM(t *testing.T) {
	f := newFixture(t, cc.LifecycleDM)
	f.lib.DebugEnable = true

	require.NoError(t, f.mgr.ApplyDebugEntitlement(0, f.entitlement(t, false)))
	require.False(t, f.sink.InfoEnabled())
}

func TestApplyDebugEntitlementRejected(t *testing.T) {
	f := newFixture(t, cc.LifecycleDM)

	err := f.mgr.ApplyDebugEntitlement(0, []byte("not a note"))
	require.True(t, errors.Is(err, api.ErrBadMessage), "got %v", err)
	require.False(t, f.mgr.Entitled())
	require.True(t, f.sink.HasCheckpoint(diag.CheckpointCryptoError))
}

func TestApplyDebugEntitlementRMA(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)

	err := f.mgr.ApplyDebugEntitlement(0, f.entitlement(t, true))
	require.True(t, errors.Is(err, api.ErrSystem), "got %v", err)
	require.True(t, f.sink.HasFatal(diag.FatalDebugRMA))
	require.True(t, f.lib.Fatal())
}

func TestApplyDebugEntitlementNoWorkspace(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)
	f.mgr.pool = mem.NewPool(cc.WorkspaceSize - 1)

	err := f.mgr.ApplyDebugEntitlement(0, f.entitlement(t, false))
	require.True(t, errors.Is(err, api.ErrNoSpace), "got %v", err)
	require.Zero(t, f.lib.verifies)
}

func TestPhaseEntryLocksDebug(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)

	require.NoError(t, f.mgr.OnPhaseEntry(api.PhaseInitialize))
	require.NoError(t, f.mgr.OnPhaseEntry(api.PhaseDebug))
	require.True(t, f.sink.HasCheckpoint(diag.CheckpointLifecycleState))
	require.True(t, f.lib.RootUp())

	require.NoError(t, f.mgr.OnPhaseEntry(api.PhasePatch))
	require.True(t, f.lib.DebugLocked())

	// The second lock attempt fails with an expected code.
	require.NoError(t, f.mgr.OnPhaseEntry(api.PhaseConfigure))
	require.False(t, f.lib.Fatal())

	require.NoError(t, f.mgr.OnPhaseEntry(api.PhaseShutdown))
	require.True(t, f.lib.Fatal())
}

func TestDebugEntryRootFailure(t *testing.T) {
	f := newFixture(t, cc.LifecycleSecure)
	f.lib.RootErr = &cc.Error{Code: cc.CodeFatal}

	err := f.mgr.OnPhaseEntry(api.PhaseDebug)
	require.True(t, errors.Is(err, api.ErrSystem), "got %v", err)
	require.True(t, f.lib.Fatal())
	require.True(t, f.lib.DebugLocked())
	require.True(t, f.sink.HasFatal(diag.FatalRootInit))
	require.False(t, f.sink.HasCheckpoint(diag.CheckpointLifecycleState))
}

func TestParseState(t *testing.T) {
	for _, s := range []string{"cm", "DM", "secure", "Rma"} {
		_, err := ParseState(s)
		require.NoError(t, err, s)
	}
	_, err := ParseState("field")
	require.Error(t, err)
}
