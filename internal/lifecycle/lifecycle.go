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

// Package lifecycle implements the device lifecycle manager: lifecycle state
// queries, secure debug entitlement and the fail-secure lockdown sequence.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/mem"
)

// State is the logical device lifecycle state.
type State int

const (
	// CM is the chip manufacture state.
	CM State = iota
	// DM is the device manufacture state.
	DM
	// Secure is the deployed state.
	Secure
	// RMA is the returned material state.
	RMA
)

func (s State) String() string {
	switch s {
	case CM:
		return "CM"
	case DM:
		return "DM"
	case Secure:
		return "Secure"
	case RMA:
		return "RMA"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState parses a lifecycle state name.
func ParseState(s string) (State, error) {
	for _, st := range []State{CM, DM, Secure, RMA} {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle state %q", s)
}

// Hardware returns the hardware lifecycle value of a state.
func (s State) Hardware() uint32 {
	switch s {
	case DM:
		return cc.LifecycleDM
	case Secure:
		return cc.LifecycleSecure
	case RMA:
		return cc.LifecycleRMA
	}
	return cc.LifecycleCM
}

func fromHardware(v uint32) (State, bool) {
	switch v {
	case cc.LifecycleCM:
		return CM, true
	case cc.LifecycleDM:
		return DM, true
	case cc.LifecycleSecure:
		return Secure, true
	case cc.LifecycleRMA:
		return RMA, true
	}
	return 0, false
}

// Clock applies the core clock frequency requested by the host.
type Clock interface {
	SetClockHz(hz uint32) error
}

// Manager is the lifecycle manager.
type Manager struct {
	lib   cc.Library
	pool  *mem.Pool
	diag  *diag.Sink
	clock Clock

	// entitled is set once a debug entitlement has been applied during the
	// current boot.
	entitled bool
}

// New returns a lifecycle manager, clock may be nil.
func New(lib cc.Library, pool *mem.Pool, sink *diag.Sink, clock Clock) *Manager {
	return &Manager{
		lib:   lib,
		pool:  pool,
		diag:  sink,
		clock: clock,
	}
}

// CurrentLCS queries the hardware root for the lifecycle state, the value is
// never cached. Any failure triggers the lockdown sequence.
func (m *Manager) CurrentLCS() (State, error) {
	v, err := m.lib.LifecycleState()
	if err != nil {
		return 0, m.lockdown(diag.FatalLifecycle, libCode(err))
	}

	s, ok := fromHardware(v)
	if !ok {
		return 0, m.lockdown(diag.FatalLifecycle, v)
	}

	return s, nil
}

// Entitled returns whether a debug entitlement was applied.
func (m *Manager) Entitled() bool {
	return m.entitled
}

func libCode(err error) uint32 {
	var e *cc.Error
	if errors.As(err, &e) {
		return diag.Compress(e.Code)
	}
	return 0
}

func alreadyLocked(err error) bool {
	var e *cc.Error
	return errors.As(err, &e) && e.Code == cc.CodeDebugLocked
}

// lockdown flags the hardware root as failed, locks debug certificates and
// reports a fatal error. It cannot be undone until reset.
func (m *Manager) lockdown(ctx diag.FatalContext, info uint32) error {
	m.lib.SetFatalError()

	if err := m.lib.LockDebugCertificate(); err != nil && !alreadyLocked(err) {
		klog.Errorf("lockdown: could not lock debug certificate (%v)", err)
	}

	m.diag.SetCheckpointWithInfo(diag.CheckpointLockdown, uint32(ctx))

	return m.diag.Fatal(ctx, info, api.ErrSystem)
}

func (m *Manager) lockDebug() error {
	err := m.lib.LockDebugCertificate()

	switch {
	case err == nil:
		m.diag.SetCheckpoint(diag.CheckpointDebugLocked)
	case alreadyLocked(err):
	default:
		return m.lockdown(diag.FatalDebugLock, libCode(err))
	}

	return nil
}

// ApplyDebugEntitlement verifies a secure debug certificate and unlocks
// debug access. It is only permitted once per boot in the DM and Secure
// states.
func (m *Manager) ApplyDebugEntitlement(clockHz uint32, blob []byte) error {
	if m.entitled {
		return fmt.Errorf("debug entitlement already applied: %w", api.ErrAccessDenied)
	}

	lcs, err := m.CurrentLCS()
	if err != nil {
		return err
	}

	if lcs != DM && lcs != Secure {
		klog.Warningf("debug entitlement refused in %s lifecycle", lcs)
		return fmt.Errorf("debug entitlement in %s lifecycle: %w", lcs, api.ErrAccessDenied)
	}

	if clockHz != 0 && m.clock != nil {
		if err := m.clock.SetClockHz(clockHz); err != nil {
			return fmt.Errorf("invalid clock %d: %v: %w", clockHz, err, api.ErrInvalidArgument)
		}
	}

	ws, err := m.pool.Alloc(cc.WorkspaceSize)
	if err != nil {
		return err
	}
	defer m.pool.Free(ws)

	rma, err := m.lib.VerifyDebugCertificate(blob, ws)
	if err != nil {
		m.diag.SetCheckpointWithInfo(diag.CheckpointCryptoError, libCode(err))
		return fmt.Errorf("debug certificate rejected: %w", api.ErrBadMessage)
	}

	// Debug interfaces are already unlocked at this point, an RMA
	// transition cannot be honoured.
	if rma {
		return m.lockdown(diag.FatalDebugRMA, 0)
	}

	m.entitled = true
	m.diag.SetCheckpointWithInfo(diag.CheckpointDebugEntitlement, uint32(lcs))

	if lcs == Secure && m.lib.DebugEnableFuse() {
		m.diag.EnableInfo(true)
	}

	klog.Infof("debug entitlement applied (%s lifecycle)", lcs)

	return nil
}

// OnPhaseEntry runs the lifecycle actions of a phase transition.
func (m *Manager) OnPhaseEntry(p api.Phase) error {
	switch p {
	case api.PhaseInitialize:
		m.entitled = false
	case api.PhaseDebug:
		if err := m.lib.InitRoot(); err != nil {
			klog.Errorf("secure root init failed (%v)", err)
			return m.lockdown(diag.FatalRootInit, libCode(err))
		}

		lcs, err := m.CurrentLCS()
		if err != nil {
			return err
		}
		m.diag.SetCheckpointWithInfo(diag.CheckpointLifecycleState, uint32(lcs))
		klog.Infof("lifecycle state %s", lcs)
	case api.PhasePatch, api.PhaseConfigure:
		if !m.entitled {
			return m.lockDebug()
		}
	case api.PhaseShutdown:
		m.lib.SetFatalError()
		if err := m.lib.LockDebugCertificate(); err != nil && !alreadyLocked(err) {
			klog.Errorf("shutdown: could not lock debug certificate (%v)", err)
		}
		m.diag.SetCheckpointWithInfo(diag.CheckpointLockdown, uint32(p))
	}

	return nil
}
