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

// Package session implements the host facing session manager: certificate
// issuance, session key establishment and decryption of command parameters
// on the control channel.
package session

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/api/rpc"
	"github.com/transparency-dev/armored-sensor-os/internal/asset"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/crypto"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/lifecycle"
	"github.com/transparency-dev/armored-sensor-os/internal/mem"
)

// MaxKeyBytes is the size of the largest session key.
const MaxKeyBytes = 32

// maxAssetWords fits the largest certificate or private key.
var maxAssetWords = asset.CertificateHeaderWords + 2*asset.RSA4096.Words()

// Crypto is the subset of the crypto manager used by sessions.
type Crypto interface {
	SensorID() ([crypto.SensorIDSize]byte, error)
	RSADecrypt(k *asset.PrivateKey, ciphertext []byte) ([]byte, error)
	AEADDecrypt(mode cc.Mode, key []byte, nonce *[cc.NonceSize]byte, aad, ciphertext []byte) ([]byte, error)
	DeriveKeys(p *crypto.KeyParams, out []byte) error
	Random(b []byte) error
}

// Assets gives access to provisioned assets.
type Assets interface {
	RetrieveCertificate(a asset.Authority, p asset.Purpose, out []uint32) (int, error)
	RetrievePrivateKey(a asset.Authority, out []uint32) (int, error)
	RetrieveLatest(t asset.Type, out []uint32) (int, error)
}

// LifecycleSource returns the current lifecycle state.
type LifecycleSource interface {
	CurrentLCS() (lifecycle.State, error)
}

// PatchSource returns the version of the active patch.
type PatchSource interface {
	Active() (uint32, bool)
}

// Config holds the fixed device parameters sessions depend on.
type Config struct {
	// ROMVersion is mixed into session key derivation.
	ROMVersion uint16
	// MaxWidth and MaxHeight bound the video authentication ROI.
	MaxWidth  uint16
	MaxHeight uint16
}

// Manager is the session manager. Its state is reset on entry to the
// Initialize phase.
type Manager struct {
	crypto Crypto
	assets Assets
	lcs    LifecycleSource
	patch  PatchSource
	pool   *mem.Pool
	diag   *diag.Sink
	cfg    Config

	phase api.Phase

	sensorIDRead bool
	certsIssued  bool
	authID       asset.Authority
	sensorCert   *asset.Certificate

	initiated  bool
	params     rpc.SessionParams
	sensorSalt [rpc.SaltSize]byte
	controlKey [MaxKeyBytes]byte
	videoKey   [MaxKeyBytes]byte
	nonce      [cc.NonceSize]byte

	roi    rpc.VideoAuthROI
	roiSet bool
}

// New returns a session manager.
func New(c Crypto, assets Assets, lcs LifecycleSource, patch PatchSource, pool *mem.Pool, sink *diag.Sink, cfg Config) *Manager {
	return &Manager{
		crypto: c,
		assets: assets,
		lcs:    lcs,
		patch:  patch,
		pool:   pool,
		diag:   sink,
		cfg:    cfg,
	}
}

// OnPhaseEntry runs the session actions of a phase transition.
func (m *Manager) OnPhaseEntry(p api.Phase) error {
	m.phase = p

	switch p {
	case api.PhaseInitialize, api.PhaseShutdown:
		m.Zeroize()
	}

	return nil
}

// Zeroize clears all session state, secrets included.
func (m *Manager) Zeroize() {
	m.sensorIDRead = false
	m.certsIssued = false
	m.authID = 0
	m.sensorCert = nil

	m.initiated = false
	m.params = rpc.SessionParams{}
	clear(m.sensorSalt[:])
	clear(m.controlKey[:])
	clear(m.videoKey[:])
	clear(m.nonce[:])

	m.roi = rpc.VideoAuthROI{}
	m.roiSet = false
}

// Initiated returns whether session keys have been established.
func (m *Manager) Initiated() bool {
	return m.initiated
}

// SensorCertificate returns the sensor certificate issued to the host.
func (m *Manager) SensorCertificate() *asset.Certificate {
	return m.sensorCert
}

// VideoAuth returns the video authentication key and the applied ROI.
func (m *Manager) VideoAuth() (key []byte, roi rpc.VideoAuthROI, ok bool) {
	if !m.initiated || !m.roiSet {
		return nil, roi, false
	}
	return m.videoKey[:m.params.KeyBytes], m.roi, true
}

// OnGetSensorID returns the sensor identifier, this is a prerequisite to
// session establishment.
func (m *Manager) OnGetSensorID() (*rpc.SensorID, error) {
	id, err := m.crypto.SensorID()
	if err != nil {
		return nil, err
	}

	m.sensorIDRead = true

	return &rpc.SensorID{ID: id}, nil
}

// OnGetCertificates returns the sensor certificate and, when present, the
// vendor certificate issued by the requested authority. Certificates can be
// retrieved once per boot.
func (m *Manager) OnGetCertificates(req *rpc.GetCertificates) (*rpc.Certificates, error) {
	lcs, err := m.lcs.CurrentLCS()
	if err != nil {
		return nil, err
	}

	if lcs == lifecycle.CM {
		return nil, fmt.Errorf("certificates unavailable in %s: %w", lcs, api.ErrAccessDenied)
	}

	if m.certsIssued {
		return nil, fmt.Errorf("certificates already issued: %w", api.ErrAccessDenied)
	}

	a := asset.Authority(req.AuthID)
	if a > asset.VendorB {
		return nil, fmt.Errorf("invalid authority %d: %w", req.AuthID, api.ErrBadMessage)
	}

	buf := make([]uint32, maxAssetWords)

	n, err := m.assets.RetrieveCertificate(a, asset.PurposeSensor, buf)
	if err != nil {
		return nil, fmt.Errorf("sensor certificate: %w", err)
	}

	sensor := append([]uint32{}, buf[:n]...)

	cert, err := asset.ParseCertificate(sensor)
	if err != nil {
		return nil, m.diag.Fatal(diag.FatalSession, uint32(n), api.ErrSystem)
	}

	var vendor []uint32

	switch n, err = m.assets.RetrieveCertificate(a, asset.PurposeVendor, buf); {
	case err == nil:
		vendor = append([]uint32{}, buf[:n]...)
	case errors.Is(err, api.ErrNotFound):
	default:
		return nil, fmt.Errorf("vendor certificate: %w", err)
	}

	m.certsIssued = true
	m.authID = a
	m.sensorCert = cert
	m.diag.SetCheckpointWithInfo(diag.CheckpointCertificatesIssued, uint32(a))

	return &rpc.Certificates{SensorCert: sensor, VendorCert: vendor}, nil
}

func (m *Manager) checkInitiate() error {
	if m.initiated {
		return fmt.Errorf("session already initiated: %w", api.ErrAccessDenied)
	}

	if !m.sensorIDRead {
		return fmt.Errorf("sensor ID not read: %w", api.ErrAgain)
	}

	return nil
}

func checkParams(p *rpc.SessionParams) error {
	for _, mode := range []uint8{p.ControlMode, p.VideoMode} {
		switch cc.Mode(mode) {
		case cc.ModeCCM, cc.ModeGCM:
		default:
			return fmt.Errorf("invalid cipher mode %d: %w", mode, api.ErrRange)
		}
	}

	switch p.KeyBytes {
	case 16, 32:
	default:
		return fmt.Errorf("invalid key size %d: %w", p.KeyBytes, api.ErrRange)
	}

	return nil
}

// OnSetSessionKeys establishes session keys from a master secret encrypted
// to the sensor private key of the authority the certificates were issued
// for.
func (m *Manager) OnSetSessionKeys(req *rpc.SetSessionKeys) (*rpc.SessionKeys, error) {
	if err := m.checkInitiate(); err != nil {
		return nil, err
	}

	lcs, err := m.lcs.CurrentLCS()
	if err != nil {
		return nil, err
	}

	if lcs == lifecycle.CM {
		return nil, fmt.Errorf("RSA session unavailable in %s: %w", lcs, api.ErrAccessDenied)
	}

	if !m.certsIssued {
		return nil, fmt.Errorf("certificates not issued: %w", api.ErrAgain)
	}

	if a := asset.Authority(req.AuthID); a != m.authID {
		return nil, fmt.Errorf("authority %s, certificates issued for %s: %w", a, m.authID, api.ErrBadMessage)
	}

	if err := checkParams(&req.SessionParams); err != nil {
		return nil, err
	}

	buf := make([]uint32, maxAssetWords)
	defer clear(buf)

	n, err := m.assets.RetrievePrivateKey(m.authID, buf)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}

	k, err := asset.ParsePrivateKey(buf[:n])
	if err != nil {
		return nil, m.diag.Fatal(diag.FatalSession, uint32(n), api.ErrSystem)
	}

	secret, err := m.crypto.RSADecrypt(k, req.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	defer clear(secret)

	return m.establish(secret, &req.SessionParams)
}

// OnSetPSKSessionKeys establishes session keys from the latest provisioned
// pre-shared master secret.
func (m *Manager) OnSetPSKSessionKeys(req *rpc.SetPSKSessionKeys) (*rpc.SessionKeys, error) {
	if err := m.checkInitiate(); err != nil {
		return nil, err
	}

	if err := checkParams(&req.SessionParams); err != nil {
		return nil, err
	}

	buf := make([]uint32, asset.PSKHeaderWords+256/32)
	defer clear(buf)

	n, err := m.assets.RetrieveLatest(asset.TypePSKMasterSecret, buf)
	if err != nil {
		return nil, fmt.Errorf("PSK: %w", err)
	}

	psk, err := asset.ParsePSK(buf[:n])
	if err != nil {
		return nil, m.diag.Fatal(diag.FatalSession, uint32(n), api.ErrSystem)
	}

	secret := psk.Bytes()
	defer clear(secret)

	return m.establish(secret, &req.SessionParams)
}

func (m *Manager) establish(secret []byte, p *rpc.SessionParams) (*rpc.SessionKeys, error) {
	if len(secret) == 0 || len(secret) > crypto.MaxSecretSize {
		return nil, fmt.Errorf("master secret of %d bytes: %w", len(secret), api.ErrBadMessage)
	}

	var salt [rpc.SaltSize]byte

	if err := m.crypto.Random(salt[:]); err != nil {
		return nil, err
	}

	id, err := m.crypto.SensorID()
	if err != nil {
		return nil, err
	}

	version, _ := m.patch.Active()
	kb := uint(p.KeyBytes)

	out, err := m.pool.Alloc(2 * kb)
	if err != nil {
		return nil, err
	}
	defer m.pool.Free(out)

	kp := &crypto.KeyParams{
		Secret:       secret,
		HostSalt:     p.HostSalt[:],
		SensorSalt:   salt[:],
		ROMVersion:   m.cfg.ROMVersion,
		PatchVersion: version,
		SensorID:     id[:],
	}

	if err := m.crypto.DeriveKeys(kp, out); err != nil {
		return nil, err
	}

	copy(m.controlKey[:], out[:kb])
	copy(m.videoKey[:], out[kb:])
	m.params = *p
	m.nonce = p.ControlNonce
	m.sensorSalt = salt
	m.initiated = true

	m.diag.SetCheckpointWithInfo(diag.CheckpointSessionKeysSet, uint32(kb))
	klog.Infof("session established (%d byte keys)", kb)

	return &rpc.SessionKeys{SensorSalt: salt}, nil
}

// DecryptCommandParams authenticates and decrypts the parameters of a
// session command into out. Each success advances the control channel nonce.
func (m *Manager) DecryptCommandParams(cmd api.Command, encrypted []byte, out []byte) (int, error) {
	if m.phase != api.PhaseSession {
		return 0, fmt.Errorf("%s outside of session phase: %w", cmd, api.ErrAccessDenied)
	}

	if !m.initiated {
		return 0, fmt.Errorf("no session keys: %w", api.ErrAccessDenied)
	}

	kb := m.params.KeyBytes

	pt, err := m.crypto.AEADDecrypt(cc.Mode(m.params.ControlMode), m.controlKey[:kb], &m.nonce, cmd.AAD(), encrypted)
	if err != nil {
		return 0, err
	}
	defer clear(pt)

	if len(out) < len(pt) {
		return 0, fmt.Errorf("%d byte parameters, buffer %d: %w", len(pt), len(out), api.ErrRange)
	}

	return copy(out, pt), nil
}

func (m *Manager) checkROI(r *rpc.VideoAuthROI) error {
	switch {
	case r.XStart >= r.XEnd || r.YStart >= r.YEnd:
		return fmt.Errorf("empty ROI (%d,%d)-(%d,%d): %w", r.XStart, r.YStart, r.XEnd, r.YEnd, api.ErrRange)
	case r.XEnd > m.cfg.MaxWidth || r.YEnd > m.cfg.MaxHeight:
		return fmt.Errorf("ROI (%d,%d) outside of %dx%d: %w", r.XEnd, r.YEnd, m.cfg.MaxWidth, m.cfg.MaxHeight, api.ErrRange)
	case r.FrameInterval == 0:
		return fmt.Errorf("zero frame interval: %w", api.ErrRange)
	}

	switch r.PixelPacking {
	case 8, 10, 12:
	default:
		return fmt.Errorf("invalid pixel packing %d: %w", r.PixelPacking, api.ErrRange)
	}

	return nil
}

func (m *Manager) setVideoAuthROI(buf []byte) error {
	var req rpc.Encrypted

	if err := req.Decode(buf); err != nil {
		return err
	}

	if len(req.Data) == 0 {
		return fmt.Errorf("empty parameters: %w", api.ErrRange)
	}

	scratch, err := m.pool.Alloc(uint(len(req.Data)))
	if err != nil {
		return err
	}
	defer m.pool.Free(scratch)

	n, err := m.DecryptCommandParams(api.CmdSetVideoAuthROI, req.Data, scratch)
	if err != nil {
		return err
	}

	var roi rpc.VideoAuthROI

	if err = roi.Decode(scratch[:n]); err != nil {
		return err
	}

	if err = m.checkROI(&roi); err != nil {
		return err
	}

	m.roi = roi
	m.roiSet = true
	m.diag.SetCheckpoint(diag.CheckpointVideoAuthROI)

	return nil
}

// OnSetVideoAuthROI decrypts and applies the video authentication region of
// interest from an encoded rpc.Encrypted request. In the Secure lifecycle
// state every failure is reported as a bad message.
func (m *Manager) OnSetVideoAuthROI(buf []byte) error {
	err := m.setVideoAuthROI(buf)
	if err == nil {
		return nil
	}

	klog.V(2).Infof("video auth ROI rejected: %v", err)

	lcs, lerr := m.lcs.CurrentLCS()
	if lerr != nil || lcs == lifecycle.Secure {
		return fmt.Errorf("video auth ROI rejected: %w", api.ErrBadMessage)
	}

	return err
}
