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

package asset

import (
	"errors"
	"fmt"
	"slices"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/lifecycle"
	"github.com/transparency-dev/armored-sensor-os/internal/nvm"
)

// Limits holds the maximum number of stored assets per kind.
type Limits struct {
	// Certificates applies to 2048 and 3072-bit certificates.
	Certificates int `yaml:"certificates"`
	// LargeCertificates applies to 4096-bit certificates.
	LargeCertificates int `yaml:"large_certificates"`
	PrivateKeys       int `yaml:"private_keys"`
	PSK               int `yaml:"psk"`
	TRNG              int `yaml:"trng"`
	OTPMConfig        int `yaml:"otpm_config"`
}

// DefaultLimits returns the default per kind caps.
func DefaultLimits() Limits {
	return Limits{
		Certificates:      6,
		LargeCertificates: 4,
		PrivateKeys:       4,
		PSK:               2,
		TRNG:              2,
		OTPMConfig:        4,
	}
}

// LifecycleSource provides the current lifecycle state.
type LifecycleSource interface {
	CurrentLCS() (lifecycle.State, error)
}

// Authenticator unwraps encrypted asset packages.
type Authenticator interface {
	AuthenticateAsset(assetID uint32, root uint32, pkg []byte) ([]byte, error)
}

// Reader retrieves stored assets.
type Reader struct {
	store *nvm.Store
}

// NewReader returns an asset reader over the record store.
func NewReader(store *nvm.Store) *Reader {
	return &Reader{store: store}
}

// Manager is the asset manager.
type Manager struct {
	*Reader

	lcs    LifecycleSource
	auth   Authenticator
	diag   *diag.Sink
	limits Limits
}

// New returns an asset manager.
func New(store *nvm.Store, lcs LifecycleSource, auth Authenticator, sink *diag.Sink, limits Limits) *Manager {
	return &Manager{
		Reader: NewReader(store),
		lcs:    lcs,
		auth:   auth,
		diag:   sink,
		limits: limits,
	}
}

// ProvisionRequest describes an asset to provision.
type ProvisionRequest struct {
	Type        Type
	LengthWords uint16
	RootOfTrust uint32
	ClockHz     uint32
	Package     []byte
}

// checkRoot enforces which root of trust may wrap assets in each lifecycle
// state.
func checkRoot(lcs lifecycle.State, root uint32) error {
	switch lcs {
	case lifecycle.DM:
		if cc.RootKey(root) == cc.RootDM {
			return fmt.Errorf("DM root unavailable in DM lifecycle: %w", api.ErrAccessDenied)
		}
	case lifecycle.Secure:
	default:
		return fmt.Errorf("provisioning disabled in %s lifecycle: %w", lcs, api.ErrAccessDenied)
	}
	return nil
}

func (m *Manager) limit(t Type, w []uint32) int {
	switch t {
	case TypePublicCertificate:
		if KeyType(w[0]) == RSA4096 {
			return m.limits.LargeCertificates
		}
		return m.limits.Certificates
	case TypePrivateKey:
		return m.limits.PrivateKeys
	case TypePSKMasterSecret:
		return m.limits.PSK
	case TypeTRNG:
		return m.limits.TRNG
	case TypeOTPMConfig:
		return m.limits.OTPMConfig
	}
	return 0
}

// sameClass returns whether two records of type t count against the same
// cap.
func sameClass(t Type, a, b []uint32) bool {
	if t != TypePublicCertificate {
		return true
	}
	return (KeyType(a[0]) == RSA4096) == (KeyType(b[0]) == RSA4096)
}

// Provision authenticates, validates and stores an asset package.
func (m *Manager) Provision(req *ProvisionRequest) (err error) {
	defer func() {
		if err != nil {
			m.diag.SetCheckpointWithInfo(diag.CheckpointAssetRejected, uint32(api.CodeOf(err)))
			klog.Warningf("asset %s rejected: %v", req.Type, err)
		}
	}()

	lcs, err := m.lcs.CurrentLCS()
	if err != nil {
		return err
	}

	if err = checkRoot(lcs, req.RootOfTrust); err != nil {
		return err
	}

	pt, err := m.auth.AuthenticateAsset(uint32(req.Type), req.RootOfTrust, req.Package)
	if err != nil {
		return err
	}
	defer clear(pt)

	if req.LengthWords == 0 || len(pt) != int(req.LengthWords)*4 {
		return fmt.Errorf("decrypted length %d, declared %d words: %w", len(pt), req.LengthWords, api.ErrBadMessage)
	}

	w, err := PayloadWords(pt)
	if err != nil {
		return err
	}
	defer clear(w)

	if err = Validate(req.Type, w); err != nil {
		return err
	}

	if err = m.checkExisting(req.Type, w); err != nil {
		return err
	}

	if req.ClockHz != 0 {
		if err = m.store.SetClockHz(req.ClockHz); err != nil {
			return fmt.Errorf("invalid clock %d: %v: %w", req.ClockHz, err, api.ErrInvalidArgument)
		}
	}

	r, err := m.store.WriteAsset(req.Type.ID(), w)
	if err != nil {
		return err
	}

	m.diag.SetCheckpointWithInfo(diag.CheckpointAssetProvisioned, uint32(req.Type)<<16|uint32(r.Length))
	klog.Infof("asset %s provisioned @ %#x (%d words)", req.Type, r.Address, r.Length)

	return nil
}

// checkExisting enforces the count cap, certificate version monotonicity
// and duplicate suppression against stored records of the same type. The
// cap is checked first, a full class is NoSpace whatever the content.
func (m *Manager) checkExisting(t Type, w []uint32) error {
	count := 0
	maxCount := m.limit(t, w)

	var (
		conflict   error
		checkpoint diag.Checkpoint
		addr       uint
	)

	err := m.each(t, func(r nvm.Record, old []uint32) error {
		if t == TypePublicCertificate && len(old) < CertificateHeaderWords {
			return nil
		}

		if sameClass(t, w, old) {
			count++
		}

		if conflict != nil {
			return nil
		}

		// Certificate slots span key sizes, a 4096-bit certificate must
		// not be replaced by an older 2048-bit one.
		if t == TypePublicCertificate {
			prev, cur := Flags(old[2]), Flags(w[2])
			if prev.SameSlot(cur) && cur.Version() <= prev.Version() {
				conflict = fmt.Errorf("certificate %s not newer than stored v%d: %w", cur, prev.Version(), api.ErrAlreadyExists)
				checkpoint, addr = diag.CheckpointAssetStaleVersion, r.Address
			}
		} else if slices.Equal(old, w) {
			conflict = fmt.Errorf("duplicate %s: %w", t, api.ErrAlreadyExists)
			checkpoint, addr = diag.CheckpointAssetDuplicate, r.Address
		}

		return nil
	})
	if err != nil {
		return err
	}

	if count >= maxCount {
		m.diag.SetCheckpointWithInfo(diag.CheckpointAssetCountExceeded, uint32(t))
		return fmt.Errorf("%d %s assets stored (max %d): %w", count, t, maxCount, api.ErrNoSpace)
	}

	if conflict != nil {
		m.diag.SetCheckpointWithInfo(checkpoint, uint32(addr))
		return conflict
	}

	return nil
}

// each calls fn with the payload of every record of type t in store order.
func (rd *Reader) each(t Type, fn func(r nvm.Record, w []uint32) error) error {
	ctx, r, err := rd.store.FindFirst(t.ID())

	for err == nil {
		w := make([]uint32, r.Length)

		if err = rd.store.ReadAsset(r.Address, 0, w); err != nil {
			return err
		}

		err = fn(r, w)
		clear(w)

		if err != nil {
			return err
		}

		r, err = rd.store.FindNext(ctx)
	}

	if errors.Is(err, api.ErrNotFound) {
		return nil
	}

	return err
}

// last returns the last record of type t in store order whose first
// headerWords payload words satisfy match.
func (rd *Reader) last(t Type, headerWords uint, match func(hdr []uint32) bool) (nvm.Record, error) {
	var res nvm.Record
	found := false

	ctx, r, err := rd.store.FindFirst(t.ID())

	for err == nil {
		if r.Length >= headerWords {
			hdr := make([]uint32, headerWords)

			if err = rd.store.ReadAsset(r.Address, 0, hdr); err != nil {
				return res, err
			}

			if match(hdr) {
				res, found = r, true
			}
		}

		r, err = rd.store.FindNext(ctx)
	}

	if !errors.Is(err, api.ErrNotFound) {
		return res, err
	}

	if !found {
		return res, fmt.Errorf("no matching %s: %w", t, api.ErrNotFound)
	}

	return res, nil
}

func (rd *Reader) read(r nvm.Record, out []uint32) (int, error) {
	if uint(len(out)) < r.Length {
		return 0, fmt.Errorf("buffer of %d words, asset has %d: %w", len(out), r.Length, api.ErrRange)
	}

	if err := rd.store.ReadAsset(r.Address, 0, out[:r.Length]); err != nil {
		return 0, err
	}

	return int(r.Length), nil
}

// RetrieveCertificate copies into out the last stored certificate, in store
// order, matching the authority and purpose. It returns its size in words.
func (rd *Reader) RetrieveCertificate(a Authority, p Purpose, out []uint32) (int, error) {
	r, err := rd.last(TypePublicCertificate, CertificateHeaderWords, func(hdr []uint32) bool {
		f := Flags(hdr[2])
		return f.Authority() == a && f.Purpose() == p
	})
	if err != nil {
		return 0, err
	}

	return rd.read(r, out)
}

// RetrievePrivateKey copies into out the last stored private key of the
// authority. It returns its size in words.
func (rd *Reader) RetrievePrivateKey(a Authority, out []uint32) (int, error) {
	r, err := rd.last(TypePrivateKey, PrivateKeyHeaderWords, func(hdr []uint32) bool {
		return Authority(hdr[0]) == a
	})
	if err != nil {
		return 0, err
	}

	return rd.read(r, out)
}

// RetrieveLatest copies into out the last stored asset of type t. It
// returns its size in words.
func (rd *Reader) RetrieveLatest(t Type, out []uint32) (int, error) {
	r, err := rd.last(t, 0, func([]uint32) bool { return true })
	if err != nil {
		return 0, err
	}

	return rd.read(r, out)
}

// Count returns the number of stored assets of type t.
func (rd *Reader) Count(t Type) (int, error) {
	n := 0
	err := rd.each(t, func(nvm.Record, []uint32) error {
		n++
		return nil
	})
	return n, err
}
