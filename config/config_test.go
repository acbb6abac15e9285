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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-sensor-os/internal/lifecycle"
	"github.com/transparency-dev/armored-sensor-os/otpm"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	rom, err := c.ROMVersion()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0100), rom)

	d, err := c.OpenDevice()
	require.NoError(t, err)
	require.Equal(t, uint(2048), d.Size())
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
otpm:
  size_words: 1024
  user_base_words: 32
versions:
  rom: 2.3.0
  patch: 1.4.2
limits:
  psk: 1
sensor:
  max_width: 640
  max_height: 480
root:
  lifecycle: secure
  debug_enable_fuse: true
  device_secret: 00112233
`))
	require.NoError(t, err)

	require.Equal(t, uint(1024), c.OTPM.SizeWords)
	require.Equal(t, BackendMem, c.OTPM.Backend)
	require.Equal(t, 1, c.Limits.PSK)
	// Unset limits keep their defaults.
	require.Equal(t, 6, c.Limits.Certificates)
	require.Equal(t, lifecycle.Secure, c.Lifecycle())

	rom, err := c.ROMVersion()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0203), rom)

	minPatch, err := c.MinPatchVersion()
	require.NoError(t, err)
	require.Equal(t, "1.4.2", minPatch.String())

	root, err := c.NewRoot()
	require.NoError(t, err)
	require.True(t, root.DebugEnableFuse())
	v, err := root.LifecycleState()
	require.NoError(t, err)
	require.Equal(t, lifecycle.Secure.Hardware(), v)
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{
			name:   "no size",
			modify: func(c *Config) { c.OTPM.SizeWords = 0 },
			want:   "size_words",
		},
		{
			name:   "base past array",
			modify: func(c *Config) { c.OTPM.UserBaseWords = c.OTPM.SizeWords },
			want:   "user_base_words",
		},
		{
			name:   "file without path",
			modify: func(c *Config) { c.OTPM.Backend = BackendFile },
			want:   "otpm.path",
		},
		{
			name: "partial fuse bank",
			modify: func(c *Config) {
				c.OTPM.Backend = BackendOCOTP
				c.OTPM.SizeWords = 100
			},
			want: "multiple",
		},
		{
			name:   "backend",
			modify: func(c *Config) { c.OTPM.Backend = "tape" },
			want:   "backend",
		},
		{
			name:   "rom version",
			modify: func(c *Config) { c.Versions.ROM = "one" },
			want:   "versions.rom",
		},
		{
			name:   "rom version range",
			modify: func(c *Config) { c.Versions.ROM = "256.0.0" },
			want:   "out of range",
		},
		{
			name:   "patch version",
			modify: func(c *Config) { c.Versions.Patch = "1.2" },
			want:   "versions.patch",
		},
		{
			name:   "limits",
			modify: func(c *Config) { c.Limits.TRNG = -1 },
			want:   "limit",
		},
		{
			name:   "workspace",
			modify: func(c *Config) { c.WorkspaceBytes = 1 },
			want:   "workspace_bytes",
		},
		{
			name:   "sensor",
			modify: func(c *Config) { c.Sensor.MaxHeight = 0 },
			want:   "geometry",
		},
		{
			name:   "lifecycle",
			modify: func(c *Config) { c.Root.Lifecycle = "retired" },
			want:   "root.lifecycle",
		},
		{
			name:   "secret",
			modify: func(c *Config) { c.Root.DeviceSecret = "xyz" },
			want:   "device_secret",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := Default()
			test.modify(c)
			err := c.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), test.want), "%v does not mention %q", err, test.want)
		})
	}
}

func TestLoadFileBackend(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "otpm.img")

	_, err := otpm.CreateFile(img, 512)
	require.NoError(t, err)

	cfg := filepath.Join(dir, "sensor.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("otpm:\n  size_words: 512\n  backend: file\n  path: "+img+"\n"), 0o600))

	c, err := Load(cfg)
	require.NoError(t, err)

	d, err := c.OpenDevice()
	require.NoError(t, err)
	require.Equal(t, uint(512), d.Size())

	c.OTPM.SizeWords = 1024
	_, err = c.OpenDevice()
	require.Error(t, err)
}
