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

// Package config loads the YAML configuration of the sensor core and of the
// software root used for emulation.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-sensor-os/internal/asset"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/lifecycle"
	"github.com/transparency-dev/armored-sensor-os/internal/nvm"
	"github.com/transparency-dev/armored-sensor-os/otpm"
)

// OTPM backends.
const (
	BackendMem   = "mem"
	BackendFile  = "file"
	BackendOCOTP = "ocotp"
)

// Config is the core configuration.
type Config struct {
	OTPM           OTPM         `yaml:"otpm"`
	Versions       Versions     `yaml:"versions"`
	Limits         asset.Limits `yaml:"limits"`
	WorkspaceBytes uint         `yaml:"workspace_bytes"`
	Sensor         Sensor       `yaml:"sensor"`
	Root           Root         `yaml:"root"`
}

// OTPM describes the one time programmable array.
type OTPM struct {
	SizeWords     uint   `yaml:"size_words"`
	UserBaseWords uint   `yaml:"user_base_words"`
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path,omitempty"`
	OCOTPBank     int    `yaml:"ocotp_bank,omitempty"`
}

// Versions holds the ROM version and the oldest patch version which is
// accepted, both are semantic versions.
type Versions struct {
	ROM   string `yaml:"rom"`
	Patch string `yaml:"patch"`
}

// Sensor holds the pixel array geometry.
type Sensor struct {
	MaxWidth  uint16 `yaml:"max_width"`
	MaxHeight uint16 `yaml:"max_height"`
}

// Root configures the software secure root.
type Root struct {
	Lifecycle       string `yaml:"lifecycle"`
	DebugEnableFuse bool   `yaml:"debug_enable_fuse"`
	DeviceSecret    string `yaml:"device_secret"` // hex
	DebugVerifier   string `yaml:"debug_verifier,omitempty"`
}

// Default returns a valid configuration backed by a memory array.
func Default() *Config {
	return &Config{
		OTPM: OTPM{
			SizeWords:     2048,
			UserBaseWords: 64,
			Backend:       BackendMem,
		},
		Versions: Versions{
			ROM:   "1.0.0",
			Patch: "0.0.0",
		},
		Limits:         asset.DefaultLimits(),
		WorkspaceBytes: 16 * 1024,
		Sensor: Sensor{
			MaxWidth:  1920,
			MaxHeight: 1080,
		},
		Root: Root{
			Lifecycle:    lifecycle.DM.String(),
			DeviceSecret: hex.EncodeToString([]byte("armored sensor emulation")),
		},
	}
}

// Load reads and validates a configuration file, unset fields keep their
// default value.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(buf)
}

// Parse decodes and validates a YAML configuration.
func Parse(buf []byte) (*Config, error) {
	c := Default()

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks the configuration consistency.
func (c *Config) Validate() error {
	o := c.OTPM

	switch {
	case o.SizeWords == 0:
		return errors.New("config: otpm.size_words must be set")
	case o.UserBaseWords+nvm.HeaderWords >= o.SizeWords:
		return fmt.Errorf("config: otpm.user_base_words %d leaves no user space", o.UserBaseWords)
	}

	switch o.Backend {
	case BackendMem:
	case BackendFile:
		if o.Path == "" {
			return errors.New("config: otpm.path is required by the file backend")
		}
	case BackendOCOTP:
		if o.SizeWords%otpm.OCOTPWordsPerBank != 0 {
			return fmt.Errorf("config: otpm.size_words must be a multiple of %d", otpm.OCOTPWordsPerBank)
		}
	default:
		return fmt.Errorf("config: unknown otpm.backend %q", o.Backend)
	}

	if _, err := c.ROMVersion(); err != nil {
		return err
	}

	if _, err := c.MinPatchVersion(); err != nil {
		return err
	}

	l := c.Limits
	for _, n := range []int{l.Certificates, l.LargeCertificates, l.PrivateKeys, l.PSK, l.TRNG, l.OTPMConfig} {
		if n < 0 {
			return fmt.Errorf("config: negative asset limit %d", n)
		}
	}

	if c.WorkspaceBytes < cc.WorkspaceSize {
		return fmt.Errorf("config: workspace_bytes must be at least %d", cc.WorkspaceSize)
	}

	if c.Sensor.MaxWidth == 0 || c.Sensor.MaxHeight == 0 {
		return errors.New("config: sensor geometry must be set")
	}

	if _, err := lifecycle.ParseState(c.Root.Lifecycle); err != nil {
		return fmt.Errorf("config: root.lifecycle: %v", err)
	}

	if s, err := c.Secret(); err != nil || len(s) == 0 {
		return errors.New("config: root.device_secret must be a non-empty hex string")
	}

	return nil
}

func parseVersion(name, s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %v", name, err)
	}
	return v, nil
}

// ROMVersion returns the ROM version encoded as major<<8|minor.
func (c *Config) ROMVersion() (uint16, error) {
	v, err := parseVersion("versions.rom", c.Versions.ROM)
	if err != nil {
		return 0, err
	}

	if v.Major < 0 || v.Major > 0xff || v.Minor < 0 || v.Minor > 0xff {
		return 0, fmt.Errorf("config: versions.rom %s out of range", v)
	}

	return uint16(v.Major)<<8 | uint16(v.Minor), nil
}

// MinPatchVersion returns the oldest patch version which can be loaded.
func (c *Config) MinPatchVersion() (*semver.Version, error) {
	return parseVersion("versions.patch", c.Versions.Patch)
}

// Secret returns the decoded device secret.
func (c *Config) Secret() ([]byte, error) {
	return hex.DecodeString(c.Root.DeviceSecret)
}

// Lifecycle returns the emulated lifecycle state.
func (c *Config) Lifecycle() lifecycle.State {
	s, _ := lifecycle.ParseState(c.Root.Lifecycle)
	return s
}

// NewRoot returns the software secure root described by the configuration.
func (c *Config) NewRoot() (*cc.Soft, error) {
	secret, err := c.Secret()
	if err != nil {
		return nil, err
	}

	s, err := cc.NewSoft(secret, c.Lifecycle().Hardware(), c.Root.DebugVerifier)
	if err != nil {
		return nil, err
	}

	s.DebugEnable = c.Root.DebugEnableFuse

	return s, nil
}

// OpenDevice opens the configured OTPM array.
func (c *Config) OpenDevice() (otpm.Device, error) {
	switch c.OTPM.Backend {
	case BackendFile:
		f, err := otpm.OpenFile(c.OTPM.Path)
		if err != nil {
			return nil, err
		}
		if f.Size() != c.OTPM.SizeWords {
			return nil, fmt.Errorf("image %s holds %d words, expected %d", c.OTPM.Path, f.Size(), c.OTPM.SizeWords)
		}
		return f, nil
	case BackendOCOTP:
		return c.openOCOTP()
	}

	return otpm.NewMem(c.OTPM.SizeWords), nil
}
