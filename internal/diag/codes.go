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

package diag

import "fmt"

// Checkpoint identifies a point of interest along the core's control flow.
type Checkpoint uint16

const (
	CheckpointPhaseEntry Checkpoint = 0x0100 + iota
	CheckpointCommand
	CheckpointCommandError
)

const (
	CheckpointNvmInit Checkpoint = 0x0200 + iota
	CheckpointNvmFull
	CheckpointNvmWrite
	CheckpointNvmWriteNotBlank
	CheckpointNvmWriteVerify
)

const (
	CheckpointAssetProvisioned Checkpoint = 0x0300 + iota
	CheckpointAssetRejected
	CheckpointAssetCountExceeded
	CheckpointAssetStaleVersion
	CheckpointAssetDuplicate
)

const (
	CheckpointCryptoConfigured Checkpoint = 0x0400 + iota
	CheckpointCryptoShutdown
	CheckpointCryptoError
	CheckpointCryptoTRNGDefault
	CheckpointCryptoNonceAdvanced
)

const (
	CheckpointLifecycleState Checkpoint = 0x0500 + iota
	CheckpointDebugEntitlement
	CheckpointDebugLocked
	CheckpointLockdown
)

const (
	CheckpointPatchChunk Checkpoint = 0x0600 + iota
	CheckpointPatchLoaded
	CheckpointPatchAborted
)

const (
	CheckpointCertificatesIssued Checkpoint = 0x0700 + iota
	CheckpointSessionKeysSet
	CheckpointVideoAuthROI
)

var checkpointNames = map[Checkpoint]string{
	CheckpointPhaseEntry:          "PhaseEntry",
	CheckpointCommand:             "Command",
	CheckpointCommandError:        "CommandError",
	CheckpointNvmInit:             "NvmInit",
	CheckpointNvmFull:             "NvmFull",
	CheckpointNvmWrite:            "NvmWrite",
	CheckpointNvmWriteNotBlank:    "NvmWriteNotBlank",
	CheckpointNvmWriteVerify:      "NvmWriteVerify",
	CheckpointAssetProvisioned:    "AssetProvisioned",
	CheckpointAssetRejected:       "AssetRejected",
	CheckpointAssetCountExceeded:  "AssetCountExceeded",
	CheckpointAssetStaleVersion:   "AssetStaleVersion",
	CheckpointAssetDuplicate:      "AssetDuplicate",
	CheckpointCryptoConfigured:    "CryptoConfigured",
	CheckpointCryptoShutdown:      "CryptoShutdown",
	CheckpointCryptoError:         "CryptoError",
	CheckpointCryptoTRNGDefault:   "CryptoTRNGDefault",
	CheckpointCryptoNonceAdvanced: "CryptoNonceAdvanced",
	CheckpointLifecycleState:      "LifecycleState",
	CheckpointDebugEntitlement:    "DebugEntitlement",
	CheckpointDebugLocked:         "DebugLocked",
	CheckpointLockdown:            "Lockdown",
	CheckpointPatchChunk:          "PatchChunk",
	CheckpointPatchLoaded:         "PatchLoaded",
	CheckpointPatchAborted:        "PatchAborted",
	CheckpointCertificatesIssued:  "CertificatesIssued",
	CheckpointSessionKeysSet:      "SessionKeysSet",
	CheckpointVideoAuthROI:        "VideoAuthROI",
}

func (c Checkpoint) String() string {
	if n, ok := checkpointNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Checkpoint(%#04x)", uint16(c))
}

// FatalContext identifies the origin of a fatal error report.
type FatalContext uint16

const (
	FatalNvmCorrupt FatalContext = 0x8000 + iota
	FatalNvmContext
	FatalNvmArgument
	FatalNvmState
	FatalAsset
	FatalCrypto
	FatalLifecycle
	FatalDebugRMA
	FatalDebugLock
	FatalPatch
	FatalSession
	FatalCommandMismatch
	FatalRootInit
)

var fatalNames = map[FatalContext]string{
	FatalNvmCorrupt:      "NvmCorrupt",
	FatalNvmContext:      "NvmContext",
	FatalNvmArgument:     "NvmArgument",
	FatalNvmState:        "NvmState",
	FatalAsset:           "Asset",
	FatalCrypto:          "Crypto",
	FatalLifecycle:       "Lifecycle",
	FatalDebugRMA:        "DebugRMA",
	FatalDebugLock:       "DebugLock",
	FatalPatch:           "Patch",
	FatalSession:         "Session",
	FatalCommandMismatch: "CommandMismatch",
	FatalRootInit:        "RootInit",
}

func (f FatalContext) String() string {
	if n, ok := fatalNames[f]; ok {
		return n
	}
	return fmt.Sprintf("FatalContext(%#04x)", uint16(f))
}
