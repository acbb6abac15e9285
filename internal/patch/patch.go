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

// Package patch implements the firmware patch manager: ordered delivery and
// authentication of encrypted patch chunks.
//
// Chunk 0 starts a fresh patch load and fixes the chunk count and patch
// version, every following chunk must carry the next sequence number with the
// same count and version. Once the last chunk is accepted the patch is active
// and no further chunks are accepted until reset.
package patch

import (
	"encoding/binary"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/api/rpc"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/mem"
)

// AssetID is the asset identifier patch chunks are wrapped with.
const AssetID = 0x50415443

// HeaderSize is the size of the authenticated chunk header which repeats
// the clear chunk position and patch version.
const HeaderSize = 8

// Authenticator unwraps encrypted patch chunks.
type Authenticator interface {
	AuthenticatePatchChunk(assetID uint32, pkg []byte, out []byte) (int, error)
}

// Manager is the patch manager.
type Manager struct {
	auth Authenticator
	pool *mem.Pool
	diag *diag.Sink
	min  *semver.Version

	inProgress      bool
	expectedChunk   uint16
	lastChunk       uint16
	expectedVersion uint32
	image           []byte

	active  bool
	version uint32
}

// New returns a patch manager which refuses patches older than minVersion.
func New(auth Authenticator, pool *mem.Pool, sink *diag.Sink, minVersion *semver.Version) *Manager {
	if minVersion == nil {
		minVersion = &semver.Version{}
	}
	return &Manager{
		auth: auth,
		pool: pool,
		diag: sink,
		min:  minVersion,
	}
}

// Version decodes a patch version word, major<<16|minor<<8|patch.
func Version(v uint32) *semver.Version {
	return &semver.Version{
		Major: int64(v >> 16),
		Minor: int64(v >> 8 & 0xff),
		Patch: int64(v & 0xff),
	}
}

// EncodeVersion encodes a semantic version into a patch version word.
func EncodeVersion(v *semver.Version) (uint32, error) {
	if v.Major < 0 || v.Major > 0xffff || v.Minor < 0 || v.Minor > 0xff || v.Patch < 0 || v.Patch > 0xff {
		return 0, fmt.Errorf("version %s out of range", v)
	}
	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Patch), nil
}

// ChunkHeader returns the authenticated header of a chunk.
func ChunkHeader(chunk, numChunks uint16, version uint32) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(chunk)<<16|uint32(numChunks))
	return binary.LittleEndian.AppendUint32(b, version)
}

// Active returns the version of the active patch.
func (m *Manager) Active() (uint32, bool) {
	return m.version, m.active
}

// Image returns the payload of the active patch.
func (m *Manager) Image() []byte {
	if !m.active {
		return nil
	}
	return m.image
}

// OnPhaseEntry runs the patch actions of a phase transition.
func (m *Manager) OnPhaseEntry(p api.Phase) error {
	if p == api.PhaseInitialize {
		m.reset()
		m.active = false
		m.version = 0
	}
	return nil
}

func (m *Manager) reset() {
	m.inProgress = false
	m.expectedChunk = 0
	m.lastChunk = 0
	m.expectedVersion = 0
	m.image = nil
}

func (m *Manager) abort(format string, args ...any) error {
	if m.inProgress {
		m.diag.SetCheckpointWithInfo(diag.CheckpointPatchAborted, uint32(m.expectedChunk))
		klog.Warningf("patch load aborted at chunk %d", m.expectedChunk)
	}
	m.reset()
	return fmt.Errorf(format+": %w", append(args, api.ErrBadMessage)...)
}

// OnLoadPatchChunk authenticates and accepts the next chunk of a patch.
func (m *Manager) OnLoadPatchChunk(req *rpc.PatchChunk) error {
	if m.active {
		return fmt.Errorf("patch %s already active: %w", Version(m.version), api.ErrAccessDenied)
	}

	if req.NumChunks == 0 || req.Chunk >= req.NumChunks {
		return m.abort("invalid chunk %d/%d", req.Chunk, req.NumChunks)
	}

	if req.Chunk == 0 {
		if v := Version(req.PatchVersion); v.LessThan(*m.min) {
			m.reset()
			return fmt.Errorf("patch %s older than %s: %w", v, m.min, api.ErrAccessDenied)
		}

		m.reset()
		m.inProgress = true
		m.lastChunk = req.NumChunks - 1
		m.expectedVersion = req.PatchVersion
	}

	switch {
	case !m.inProgress:
		return m.abort("chunk %d without patch start", req.Chunk)
	case req.Chunk != m.expectedChunk:
		return m.abort("chunk %d, expected %d", req.Chunk, m.expectedChunk)
	case req.NumChunks != m.lastChunk+1:
		return m.abort("chunk count %d, expected %d", req.NumChunks, m.lastChunk+1)
	case req.PatchVersion != m.expectedVersion:
		return m.abort("patch version %#x, expected %#x", req.PatchVersion, m.expectedVersion)
	}

	if len(req.Package) == 0 {
		return m.abort("empty chunk package")
	}

	out, err := m.pool.Alloc(uint(len(req.Package)))
	if err != nil {
		m.reset()
		return err
	}
	defer m.pool.Free(out)

	n, err := m.auth.AuthenticatePatchChunk(AssetID, req.Package, out)
	if err != nil {
		m.abort("chunk %d", req.Chunk)
		return err
	}

	hdr := ChunkHeader(req.Chunk, req.NumChunks, req.PatchVersion)
	if n < HeaderSize || string(out[:HeaderSize]) != string(hdr) {
		return m.abort("chunk %d header mismatch", req.Chunk)
	}

	m.image = append(m.image, out[HeaderSize:n]...)
	m.diag.SetCheckpointWithInfo(diag.CheckpointPatchChunk, uint32(req.Chunk))

	if req.Chunk < m.lastChunk {
		m.expectedChunk++
		return nil
	}

	image := m.image
	m.reset()
	m.image = image
	m.active = true
	m.version = req.PatchVersion
	m.diag.SetCheckpointWithInfo(diag.CheckpointPatchLoaded, m.version)

	klog.Infof("patch %s loaded (%d chunks, %d bytes)", Version(m.version), req.NumChunks, len(m.image))

	return nil
}
