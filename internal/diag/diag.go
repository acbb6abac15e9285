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

// Package diag implements the diagnostic checkpoint sink used for post-mortem
// analysis of the sensor control core.
//
// Checkpoints and fatal reports are fire-and-forget: recording them never
// fails and never alters control flow. Fatal reports are additionally logged.
package diag

import (
	"fmt"

	"k8s.io/klog/v2"
)

// maxEntries bounds the number of retained checkpoints, older entries are
// dropped first.
const maxEntries = 64

// Entry is a recorded checkpoint or fatal report.
type Entry struct {
	Code uint32
	Info uint32
}

// Sink records checkpoints and fatal error reports.
type Sink struct {
	checkpoints []Entry
	fatals      []Entry
	dropped     uint32
	info        bool
}

// New returns an empty diagnostic sink.
func New() *Sink {
	return &Sink{}
}

// SetCheckpoint records a checkpoint.
func (s *Sink) SetCheckpoint(c Checkpoint) {
	s.SetCheckpointWithInfo(c, 0)
}

// SetCheckpointWithInfo records a checkpoint along with a diagnostic word.
func (s *Sink) SetCheckpointWithInfo(c Checkpoint, info uint32) {
	if len(s.checkpoints) == maxEntries {
		s.checkpoints = s.checkpoints[1:]
		s.dropped++
	}
	s.checkpoints = append(s.checkpoints, Entry{Code: uint32(c), Info: info})

	if s.info {
		klog.Infof("checkpoint %s info:%#x", c, info)
	} else {
		klog.V(3).Infof("checkpoint %s info:%#x", c, info)
	}
}

// ReportFatalError records an unrecoverable condition.
func (s *Sink) ReportFatalError(ctx FatalContext, info uint32) {
	s.fatals = append(s.fatals, Entry{Code: uint32(ctx), Info: info})
	klog.Errorf("fatal error %s info:%#x", ctx, info)
}

// Fatal reports an unrecoverable condition and returns an error of the
// passed kind describing it.
func (s *Sink) Fatal(ctx FatalContext, info uint32, kind error) error {
	s.ReportFatalError(ctx, info)
	return fmt.Errorf("%s (info %#x): %w", ctx, info, kind)
}

// EnableInfo toggles diagnostic information output.
func (s *Sink) EnableInfo(on bool) {
	s.info = on
}

// InfoEnabled returns whether diagnostic information output is enabled.
func (s *Sink) InfoEnabled() bool {
	return s.info
}

// Checkpoints returns the retained checkpoints, oldest first.
func (s *Sink) Checkpoints() []Entry {
	return append([]Entry{}, s.checkpoints...)
}

// Fatals returns all fatal reports, oldest first.
func (s *Sink) Fatals() []Entry {
	return append([]Entry{}, s.fatals...)
}

// HasCheckpoint returns whether a checkpoint with the given code has been
// recorded and is still retained.
func (s *Sink) HasCheckpoint(c Checkpoint) bool {
	for _, e := range s.checkpoints {
		if e.Code == uint32(c) {
			return true
		}
	}
	return false
}

// HasFatal returns whether a fatal report with the given context exists.
func (s *Sink) HasFatal(ctx FatalContext) bool {
	for _, e := range s.fatals {
		if e.Code == uint32(ctx) {
			return true
		}
	}
	return false
}

// Compress folds a primitive library status code into 16 bits: the module
// identifier (top byte) in bits 12..15 and the module-local code in bits
// 0..11.
func Compress(code uint32) uint32 {
	return (code>>24&0xf)<<12 | code&0xfff
}
