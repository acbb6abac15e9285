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

// Package api defines the host command surface of the sensor control core:
// command codes, lifecycle phases and the host-visible error kinds.
package api

import (
	"encoding/binary"
	"fmt"
)

// Command is a 16-bit host command code.
type Command uint16

// Host command codes.
const (
	CmdProvisionAsset        Command = 0x8100
	CmdApplyDebugEntitlement Command = 0x8101
	CmdLoadPatchChunk        Command = 0x8102

	CmdGetSensorID       Command = 0x8200
	CmdGetCertificates   Command = 0x8201
	CmdSetSessionKeys    Command = 0x8202
	CmdSetPSKSessionKeys Command = 0x8203
	CmdSetVideoAuthROI   Command = 0x8204
)

func (c Command) String() string {
	switch c {
	case CmdProvisionAsset:
		return "ProvisionAsset"
	case CmdApplyDebugEntitlement:
		return "ApplyDebugEntitlement"
	case CmdLoadPatchChunk:
		return "LoadPatchChunk"
	case CmdGetSensorID:
		return "GetSensorId"
	case CmdGetCertificates:
		return "GetCertificates"
	case CmdSetSessionKeys:
		return "SetSessionKeys"
	case CmdSetPSKSessionKeys:
		return "SetPskSessionKeys"
	case CmdSetVideoAuthROI:
		return "SetVideoAuthRoi"
	}
	return fmt.Sprintf("Command(%#04x)", uint16(c))
}

// AAD returns the associated data bound to encrypted parameters of this
// command.
func (c Command) AAD() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(c))
	return b
}

// Phase represents a system lifecycle phase.
type Phase int

const (
	PhaseBoot Phase = iota
	PhaseInitialize
	PhaseDebug
	PhasePatch
	PhaseConfigure
	PhaseSession
	PhaseShutdown
)

func (p Phase) String() string {
	switch p {
	case PhaseBoot:
		return "Boot"
	case PhaseInitialize:
		return "Initialize"
	case PhaseDebug:
		return "Debug"
	case PhasePatch:
		return "Patch"
	case PhaseConfigure:
		return "Configure"
	case PhaseSession:
		return "Session"
	case PhaseShutdown:
		return "Shutdown"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Permitted returns the phase in which a command is accepted.
func (c Command) Permitted() (Phase, bool) {
	switch c {
	case CmdApplyDebugEntitlement:
		return PhaseDebug, true
	case CmdLoadPatchChunk:
		return PhasePatch, true
	case CmdProvisionAsset, CmdGetSensorID, CmdGetCertificates, CmdSetSessionKeys, CmdSetPSKSessionKeys:
		return PhaseConfigure, true
	case CmdSetVideoAuthROI:
		return PhaseSession, true
	}
	return 0, false
}
