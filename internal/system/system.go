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

// Package system owns the sensor core managers, drives the boot phase state
// machine and dispatches host commands.
package system

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/api/rpc"
	"github.com/transparency-dev/armored-sensor-os/config"
	"github.com/transparency-dev/armored-sensor-os/internal/asset"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/crypto"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/lifecycle"
	"github.com/transparency-dev/armored-sensor-os/internal/mem"
	"github.com/transparency-dev/armored-sensor-os/internal/nvm"
	"github.com/transparency-dev/armored-sensor-os/internal/patch"
	"github.com/transparency-dev/armored-sensor-os/internal/session"
	"github.com/transparency-dev/armored-sensor-os/otpm"
)

type handler func(cmd api.Command, req []byte) ([]byte, error)

// System is the top level application, it serialises host commands and phase
// transitions.
type System struct {
	sync.Mutex

	Diag      *diag.Sink
	Store     *nvm.Store
	Lifecycle *lifecycle.Manager
	Crypto    *crypto.Manager
	Assets    *asset.Manager
	Patch     *patch.Manager
	Session   *session.Manager

	pool     *mem.Pool
	phase    api.Phase
	handlers map[api.Command]handler
}

// New assembles a system in the Boot phase over an OTPM device and a
// primitive library.
func New(cfg *config.Config, dev otpm.Device, lib cc.Library) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rom, err := cfg.ROMVersion()
	if err != nil {
		return nil, err
	}

	minPatch, err := cfg.MinPatchVersion()
	if err != nil {
		return nil, err
	}

	s := &System{
		Diag: diag.New(),
		pool: mem.NewPool(cfg.WorkspaceBytes),
	}

	s.Store = nvm.New(dev, cfg.OTPM.UserBaseWords, s.Diag)
	s.Lifecycle = lifecycle.New(lib, s.pool, s.Diag, s.Store)
	s.Crypto = crypto.New(lib, s.pool, s.Diag, s.Lifecycle, asset.NewReader(s.Store))
	s.Assets = asset.New(s.Store, s.Lifecycle, s.Crypto, s.Diag, cfg.Limits)
	s.Patch = patch.New(s.Crypto, s.pool, s.Diag, minPatch)
	s.Session = session.New(s.Crypto, s.Assets, s.Lifecycle, s.Patch, s.pool, s.Diag, session.Config{
		ROMVersion: rom,
		MaxWidth:   cfg.Sensor.MaxWidth,
		MaxHeight:  cfg.Sensor.MaxHeight,
	})

	s.handlers = map[api.Command]handler{
		api.CmdProvisionAsset:        s.provisionAsset,
		api.CmdApplyDebugEntitlement: s.applyDebugEntitlement,
		api.CmdLoadPatchChunk:        s.loadPatchChunk,
		api.CmdGetSensorID:           s.getSensorID,
		api.CmdGetCertificates:       s.getCertificates,
		api.CmdSetSessionKeys:        s.setSessionKeys,
		api.CmdSetPSKSessionKeys:     s.setPSKSessionKeys,
		api.CmdSetVideoAuthROI:       s.setVideoAuthROI,
	}

	return s, nil
}

// Phase returns the current phase.
func (s *System) Phase() api.Phase {
	s.Lock()
	defer s.Unlock()

	return s.phase
}

// EnterPhase moves the system forward to phase p, phases can be skipped but
// never re-entered. Shutdown is always permitted.
func (s *System) EnterPhase(p api.Phase) error {
	s.Lock()
	defer s.Unlock()

	if p != api.PhaseShutdown && p <= s.phase {
		return fmt.Errorf("phase %s after %s: %w", p, s.phase, api.ErrAccessDenied)
	}

	if p < api.PhaseBoot || p > api.PhaseShutdown {
		return fmt.Errorf("unknown phase %s: %w", p, api.ErrInvalidArgument)
	}

	klog.Infof("entering %s phase", p)

	s.phase = p
	s.Diag.SetCheckpointWithInfo(diag.CheckpointPhaseEntry, uint32(p))

	if p != api.PhaseShutdown && !s.Store.Initialized() {
		if err := s.Store.Init(); err != nil {
			return err
		}
	}

	for _, m := range []interface{ OnPhaseEntry(api.Phase) error }{
		s.Lifecycle,
		s.Crypto,
		s.Patch,
		s.Session,
	} {
		if err := m.OnPhaseEntry(p); err != nil {
			return err
		}
	}

	return nil
}

// Handle executes a host command and returns the status header followed by
// the response payload.
func (s *System) Handle(cmd api.Command, req []byte) []byte {
	s.Lock()
	defer s.Unlock()

	res, err := s.handle(cmd, req)

	code := api.CodeOf(err)
	if err != nil {
		res = nil
		s.Diag.SetCheckpointWithInfo(diag.CheckpointCommandError, uint32(cmd)<<16|uint32(code))
		klog.Warningf("%s failed: %v", cmd, err)
	}

	return (&rpc.Status{Command: cmd, Code: code}).Bytes(res)
}

func (s *System) handle(cmd api.Command, req []byte) ([]byte, error) {
	h, ok := s.handlers[cmd]
	if !ok {
		return nil, fmt.Errorf("unknown command %#04x: %w", uint16(cmd), api.ErrInvalidArgument)
	}

	if p, _ := cmd.Permitted(); p != s.phase {
		return nil, fmt.Errorf("%s not permitted in %s phase: %w", cmd, s.phase, api.ErrAccessDenied)
	}

	s.Diag.SetCheckpointWithInfo(diag.CheckpointCommand, uint32(cmd))

	return h(cmd, req)
}

// Dump zeroes the session state and returns the diagnostic report.
func (s *System) Dump() []byte {
	s.Lock()
	defer s.Unlock()

	s.Session.Zeroize()

	return s.Diag.Dump()
}

func (s *System) expect(cmd, want api.Command) error {
	if cmd != want {
		return s.Diag.Fatal(diag.FatalCommandMismatch, uint32(cmd)<<16|uint32(want), api.ErrSystem)
	}
	return nil
}

func (s *System) provisionAsset(cmd api.Command, buf []byte) ([]byte, error) {
	// the package is scrubbed whatever the outcome
	defer clear(buf)

	if err := s.expect(cmd, api.CmdProvisionAsset); err != nil {
		return nil, err
	}

	var req rpc.ProvisionAsset

	if err := req.Decode(buf); err != nil {
		return nil, err
	}
	defer clear(req.Package)

	return nil, s.Assets.Provision(&asset.ProvisionRequest{
		Type:        asset.Type(req.AssetType),
		LengthWords: req.LengthWords,
		RootOfTrust: req.RootOfTrust,
		ClockHz:     req.ClockHz,
		Package:     req.Package,
	})
}

func (s *System) applyDebugEntitlement(cmd api.Command, buf []byte) ([]byte, error) {
	if err := s.expect(cmd, api.CmdApplyDebugEntitlement); err != nil {
		return nil, err
	}

	var req rpc.DebugEntitlement

	if err := req.Decode(buf); err != nil {
		return nil, err
	}

	return nil, s.Lifecycle.ApplyDebugEntitlement(req.ClockHz, req.Blob)
}

func (s *System) loadPatchChunk(cmd api.Command, buf []byte) ([]byte, error) {
	if err := s.expect(cmd, api.CmdLoadPatchChunk); err != nil {
		return nil, err
	}

	var req rpc.PatchChunk

	if err := req.Decode(buf); err != nil {
		return nil, err
	}

	return nil, s.Patch.OnLoadPatchChunk(&req)
}

func (s *System) getSensorID(cmd api.Command, _ []byte) ([]byte, error) {
	if err := s.expect(cmd, api.CmdGetSensorID); err != nil {
		return nil, err
	}

	res, err := s.Session.OnGetSensorID()
	if err != nil {
		return nil, err
	}

	return res.Bytes(), nil
}

func (s *System) getCertificates(cmd api.Command, buf []byte) ([]byte, error) {
	if err := s.expect(cmd, api.CmdGetCertificates); err != nil {
		return nil, err
	}

	var req rpc.GetCertificates

	if err := req.Decode(buf); err != nil {
		return nil, err
	}

	res, err := s.Session.OnGetCertificates(&req)
	if err != nil {
		return nil, err
	}

	return res.Bytes(), nil
}

func (s *System) setSessionKeys(cmd api.Command, buf []byte) ([]byte, error) {
	if err := s.expect(cmd, api.CmdSetSessionKeys); err != nil {
		return nil, err
	}

	var req rpc.SetSessionKeys

	if err := req.Decode(buf); err != nil {
		return nil, err
	}
	defer clear(req.EncryptedSecret)

	res, err := s.Session.OnSetSessionKeys(&req)
	if err != nil {
		return nil, err
	}

	return res.Bytes(), nil
}

func (s *System) setPSKSessionKeys(cmd api.Command, buf []byte) ([]byte, error) {
	if err := s.expect(cmd, api.CmdSetPSKSessionKeys); err != nil {
		return nil, err
	}

	var req rpc.SetPSKSessionKeys

	if err := req.Decode(buf); err != nil {
		return nil, err
	}

	res, err := s.Session.OnSetPSKSessionKeys(&req)
	if err != nil {
		return nil, err
	}

	return res.Bytes(), nil
}

func (s *System) setVideoAuthROI(cmd api.Command, buf []byte) ([]byte, error) {
	if err := s.expect(cmd, api.CmdSetVideoAuthROI); err != nil {
		return nil, err
	}

	return nil, s.Session.OnSetVideoAuthROI(buf)
}
