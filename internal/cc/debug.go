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

package cc

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

// DebugEntitlementHeader is the first line of a debug entitlement note.
const DebugEntitlementHeader = "Sensor debug entitlement v1"

const rmaRequest = "rma"

// DebugEntitlementText returns the note text of a debug entitlement which
// binds debug access to a device unique identifier.
//
// The text is formatted like so:
//
//	"Sensor debug entitlement v1"
//	<unique ID in hex>
//	<"rma" or "debug">
func DebugEntitlementText(uid []byte, rma bool) string {
	req := "debug"
	if rma {
		req = rmaRequest
	}
	return fmt.Sprintf("%s\n%x\n%s\n", DebugEntitlementHeader, uid, req)
}

// SignDebugEntitlement produces a signed debug entitlement note.
func SignDebugEntitlement(skey string, uid []byte, rma bool) ([]byte, error) {
	signer, err := note.NewSigner(skey)
	if err != nil {
		return nil, fmt.Errorf("failed to create debug entitlement signer: %v", err)
	}

	return note.Sign(&note.Note{Text: DebugEntitlementText(uid, rma)}, signer)
}

// VerifyDebugCertificate opens a signed debug entitlement note and unlocks
// debug access when it is bound to this device.
func (s *Soft) VerifyDebugCertificate(blob, workspace []byte) (bool, error) {
	switch {
	case s.fatal:
		return false, &Error{Code: CodeFatal}
	case len(workspace) < WorkspaceSize:
		return false, &Error{Code: CodeWorkspace}
	case s.debugLocked:
		return false, &Error{Code: CodeDebugLocked}
	}

	n, err := note.Open(blob, s.verifiers)
	if err != nil {
		klog.V(2).Infof("debug entitlement rejected: %v", err)
		return false, &Error{Code: CodeDebugVerify}
	}

	lines := strings.Split(strings.TrimSuffix(n.Text, "\n"), "\n")
	if len(lines) != 3 || lines[0] != DebugEntitlementHeader {
		return false, &Error{Code: CodeDebugFormat}
	}

	uid, err := hex.DecodeString(lines[1])
	if err != nil {
		return false, &Error{Code: CodeDebugFormat}
	}

	if own, _ := s.UniqueID(); !bytes.Equal(uid, own) {
		return false, &Error{Code: CodeDebugDevice}
	}

	s.debugUnlocked = true

	return lines[2] == rmaRequest, nil
}

// LockDebugCertificate disables debug certificate processing.
func (s *Soft) LockDebugCertificate() error {
	if s.debugLocked {
		return &Error{Code: CodeDebugLocked}
	}

	s.debugLocked = true
	s.debugUnlocked = false

	return nil
}

// DebugLocked returns whether debug certificates have been locked.
func (s *Soft) DebugLocked() bool {
	return s.debugLocked
}

// DebugUnlocked returns whether a debug certificate has been applied.
func (s *Soft) DebugUnlocked() bool {
	return s.debugUnlocked
}
