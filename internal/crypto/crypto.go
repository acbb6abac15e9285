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

// Package crypto implements the crypto manager, a thin orchestration layer
// over the primitive library which owns its initialization state and maps
// primitive failures onto coarse host error kinds.
package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/internal/asset"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/lifecycle"
	"github.com/transparency-dev/armored-sensor-os/internal/mem"
)

// State is the crypto manager state.
type State int

const (
	Uninitialized State = iota
	Configured
)

// SensorIDSize is the size of the sensor identifier.
const SensorIDSize = cc.DigestSize

const sensorIDSuffix = "SENSOR ID"

// LifecycleSource provides the current lifecycle state.
type LifecycleSource interface {
	CurrentLCS() (lifecycle.State, error)
}

// AssetSource provides stored assets.
type AssetSource interface {
	RetrieveLatest(t asset.Type, out []uint32) (int, error)
}

// Manager is the crypto manager.
type Manager struct {
	lib    cc.Library
	pool   *mem.Pool
	diag   *diag.Sink
	lcs    LifecycleSource
	assets AssetSource

	state     State
	workspace []byte
	trng      asset.TRNG
}

// New returns a crypto manager in the Uninitialized state.
func New(lib cc.Library, pool *mem.Pool, sink *diag.Sink, lcs LifecycleSource, assets AssetSource) *Manager {
	return &Manager{
		lib:    lib,
		pool:   pool,
		diag:   sink,
		lcs:    lcs,
		assets: assets,
	}
}

// State returns the current manager state.
func (m *Manager) State() State {
	return m.state
}

// TRNG returns the TRNG characterization used at configuration.
func (m *Manager) TRNG() asset.TRNG {
	return m.trng
}

// OnPhaseEntry runs the crypto actions of a phase transition.
func (m *Manager) OnPhaseEntry(p api.Phase) error {
	switch p {
	case api.PhaseConfigure:
		return m.configure()
	case api.PhaseShutdown:
		m.shutdown()
	}
	return nil
}

func (m *Manager) loadTRNG() (asset.TRNG, error) {
	buf := make([]uint32, asset.TRNGWords)

	n, err := m.assets.RetrieveLatest(asset.TypeTRNG, buf)

	switch {
	case errors.Is(err, api.ErrNotFound):
		m.diag.SetCheckpoint(diag.CheckpointCryptoTRNGDefault)
		return asset.DefaultTRNG, nil
	case err != nil:
		return asset.TRNG{}, err
	}

	return asset.ParseTRNG(buf[:n])
}

func (m *Manager) configure() (err error) {
	if m.state == Configured {
		return nil
	}

	if m.trng, err = m.loadTRNG(); err != nil {
		return err
	}

	if m.workspace, err = m.pool.Alloc(cc.WorkspaceSize); err != nil {
		return err
	}

	if err = m.lib.Init(m.workspace, m.trng); err != nil {
		m.pool.Free(m.workspace)
		m.workspace = nil
		m.diag.SetCheckpointWithInfo(diag.CheckpointCryptoError, libCode(err))
		return m.diag.Fatal(diag.FatalCrypto, libCode(err), api.ErrSystem)
	}

	m.state = Configured
	m.diag.SetCheckpoint(diag.CheckpointCryptoConfigured)
	klog.Infof("crypto library configured (TRNG %v)", m.trng)

	return nil
}

func (m *Manager) shutdown() {
	if m.state != Configured {
		return
	}

	m.lib.Shutdown()
	m.pool.Free(m.workspace)
	m.workspace = nil
	m.state = Uninitialized
	m.diag.SetCheckpoint(diag.CheckpointCryptoShutdown)
}

func (m *Manager) ready() error {
	if m.state != Configured {
		return m.diag.Fatal(diag.FatalCrypto, uint32(m.state), api.ErrSystem)
	}
	return nil
}

func libCode(err error) uint32 {
	var e *cc.Error
	if errors.As(err, &e) {
		return diag.Compress(e.Code)
	}
	return 0
}

// failed records a primitive failure and returns the coarse error kind.
func (m *Manager) failed(op string, err error, kind error) error {
	m.diag.SetCheckpointWithInfo(diag.CheckpointCryptoError, libCode(err))
	return fmt.Errorf("%s failed: %w", op, kind)
}

func rootKey(root uint32) (cc.RootKey, error) {
	switch r := cc.RootKey(root); r {
	case cc.RootCM, cc.RootDM:
		return r, nil
	}
	return 0, fmt.Errorf("invalid root of trust %d: %w", root, api.ErrBadMessage)
}

// AuthenticateAsset authenticates and decrypts an asset package wrapped
// with the selected root of trust.
func (m *Manager) AuthenticateAsset(assetID uint32, root uint32, pkg []byte) ([]byte, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	rk, err := rootKey(root)
	if err != nil {
		return nil, err
	}

	pt, err := m.lib.UnwrapAsset(rk, assetID, pkg)
	if err != nil {
		return nil, m.failed("asset unwrap", err, api.ErrBadMessage)
	}

	return pt, nil
}

// AuthenticatePatchChunk authenticates and decrypts a patch chunk into out,
// which must not overlap pkg. It does not require the Configured state.
func (m *Manager) AuthenticatePatchChunk(assetID uint32, pkg []byte, out []byte) (int, error) {
	pt, err := m.lib.UnwrapAsset(cc.RootCM, assetID, pkg)
	if err != nil {
		return 0, m.failed("patch unwrap", err, api.ErrBadMessage)
	}
	defer clear(pt)

	if len(out) < len(pt) {
		return 0, fmt.Errorf("patch chunk of %d bytes, buffer %d: %w", len(pt), len(out), api.ErrRange)
	}

	return copy(out, pt), nil
}

// RSADecrypt decrypts an RSA-OAEP SHA-256 ciphertext with a stored private
// key.
func (m *Manager) RSADecrypt(k *asset.PrivateKey, ciphertext []byte) ([]byte, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	kw := k.KeyType.Words()
	if kw == 0 || len(k.Modulus) != kw || len(k.Exponent) != kw || len(ciphertext) != kw*4 {
		return nil, fmt.Errorf("%s key with %d byte ciphertext: %w", k.KeyType, len(ciphertext), api.ErrRange)
	}

	d := asset.KeyBytes(k.Exponent)
	defer clear(d)

	pt, err := m.lib.RSADecrypt(asset.KeyBytes(k.Modulus), d, ciphertext)
	if err != nil {
		return nil, m.failed("RSA decrypt", err, api.ErrBadMessage)
	}

	return pt, nil
}

// AEADDecrypt authenticates and decrypts ciphertext. On success only the
// nonce is incremented by one so that a replayed request fails.
func (m *Manager) AEADDecrypt(mode cc.Mode, key []byte, nonce *[cc.NonceSize]byte, aad, ciphertext []byte) ([]byte, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	switch mode {
	case cc.ModeCCM, cc.ModeGCM:
	default:
		return nil, fmt.Errorf("unknown AEAD mode %d: %w", mode, api.ErrRange)
	}

	pt, err := m.lib.AEADOpen(mode, key, nonce[:], aad, ciphertext)
	if err != nil {
		return nil, m.failed("AEAD decrypt", err, api.ErrBadMessage)
	}

	IncrementNonce(nonce)
	m.diag.SetCheckpoint(diag.CheckpointCryptoNonceAdvanced)

	return pt, nil
}

// IncrementNonce adds one to a big-endian nonce. The loop runs over every
// byte whatever the carry pattern.
func IncrementNonce(n *[cc.NonceSize]byte) {
	carry := uint16(1)
	for i := len(n) - 1; i >= 0; i-- {
		sum := uint16(n[i]) + carry
		n[i] = byte(sum)
		carry = sum >> 8
	}
}

// Key derivation size caps.
const (
	MaxSecretSize   = 64
	MaxSaltSize     = 2 * 32
	MaxSensorIDSize = SensorIDSize
	MaxKeyMaterial  = 2 * 32
)

// KDFContext prefixes the HKDF info of session keys.
const KDFContext = "SNSRKEYS"

// KeyParams are the session key derivation inputs.
type KeyParams struct {
	Secret       []byte
	HostSalt     []byte
	SensorSalt   []byte
	ROMVersion   uint16
	PatchVersion uint32
	SensorID     []byte
}

// Info returns the HKDF info field:
// context ‖ ROM version (BE16) ‖ patch version (BE32) ‖ sensor ID.
func (p *KeyParams) Info() []byte {
	info := []byte(KDFContext)
	info = binary.BigEndian.AppendUint16(info, p.ROMVersion)
	info = binary.BigEndian.AppendUint32(info, p.PatchVersion)
	return append(info, p.SensorID...)
}

// DeriveKeys fills out with HKDF-SHA256 key material, the salt is the host
// salt followed by the sensor salt. Oversized parameters are rejected.
func (m *Manager) DeriveKeys(p *KeyParams, out []byte) error {
	if err := m.ready(); err != nil {
		return err
	}

	switch {
	case len(p.Secret) == 0 || len(p.Secret) > MaxSecretSize:
		return m.diag.Fatal(diag.FatalCrypto, uint32(len(p.Secret)), api.ErrSystem)
	case len(p.HostSalt)+len(p.SensorSalt) > MaxSaltSize:
		return m.diag.Fatal(diag.FatalCrypto, uint32(len(p.HostSalt)+len(p.SensorSalt)), api.ErrSystem)
	case len(p.SensorID) > MaxSensorIDSize:
		return m.diag.Fatal(diag.FatalCrypto, uint32(len(p.SensorID)), api.ErrSystem)
	case len(out) == 0 || len(out) > MaxKeyMaterial:
		return m.diag.Fatal(diag.FatalCrypto, uint32(len(out)), api.ErrSystem)
	}

	salt := append(append([]byte{}, p.HostSalt...), p.SensorSalt...)

	if err := m.lib.HKDF(p.Secret, salt, p.Info(), out); err != nil {
		return m.failed("key derivation", err, api.ErrSystem)
	}

	return nil
}

// SensorID returns the device sensor identifier, all zeros outside of the
// Secure lifecycle state.
func (m *Manager) SensorID() ([SensorIDSize]byte, error) {
	var id [SensorIDSize]byte

	lcs, err := m.lcs.CurrentLCS()
	if err != nil {
		return id, err
	}

	if lcs != lifecycle.Secure {
		return id, nil
	}

	uid, err := m.lib.UniqueID()
	if err != nil {
		return id, m.failed("unique ID", err, api.ErrSystem)
	}

	if id, err = m.lib.SHA256(append(uid, sensorIDSuffix...)); err != nil {
		return id, m.failed("sensor ID digest", err, api.ErrSystem)
	}

	return id, nil
}

// Random fills b with random bytes.
func (m *Manager) Random(b []byte) error {
	if err := m.ready(); err != nil {
		return err
	}

	if err := m.lib.Random(b); err != nil {
		return m.failed("random", err, api.ErrSystem)
	}

	return nil
}
