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

package rpc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/transparency-dev/armored-sensor-os/api"
)

func TestProvisionAssetLayout(t *testing.T) {
	req := &ProvisionAsset{
		AssetType:   4,
		LengthWords: 0x83,
		RootOfTrust: 1,
		ClockHz:     0x01020304,
		Package:     []byte{0xaa, 0xbb},
	}

	want := []byte{
		0x04, 0x00, // type
		0x83, 0x00, // length
		0x01, 0x00, 0x00, 0x00, // root
		0x04, 0x03, 0x02, 0x01, // clock
		0x02, 0x00, 0x00, 0x00, // size
		0xaa, 0xbb,
	}

	if d := cmp.Diff(want, req.Bytes()); d != "" {
		t.Errorf("unexpected encoding, diff:\n%s", d)
	}

	var got ProvisionAsset
	if err := got.Decode(want); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d := cmp.Diff(req, &got); d != "" {
		t.Errorf("unexpected request, diff:\n%s", d)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, test := range []struct {
		name   string
		decode func() error
	}{
		{
			name:   "short header",
			decode: func() error { return new(PatchChunk).Decode(make([]byte, 11)) },
		},
		{
			name: "trailer past buffer",
			decode: func() error {
				b := (&DebugEntitlement{Blob: []byte("note")}).Bytes()
				return new(DebugEntitlement).Decode(b[:len(b)-1])
			},
		},
		{
			name: "short certificates",
			decode: func() error {
				b := (&Certificates{SensorCert: []uint32{1, 2}}).Bytes()
				return new(Certificates).Decode(b[:len(b)-4])
			},
		},
		{
			name:   "ROI length",
			decode: func() error { return new(VideoAuthROI).Decode(make([]byte, 13)) },
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := test.decode(); !errors.Is(err, api.ErrRange) {
				t.Errorf("got %v, want %v", err, api.ErrRange)
			}
		})
	}
}

func TestSetSessionKeys(t *testing.T) {
	req := &SetSessionKeys{
		AuthID: 1,
		SessionParams: SessionParams{
			ControlMode: 1,
			KeyBytes:    32,
			HostSalt:    [SaltSize]byte{1, 2, 3},
		},
		EncryptedSecret: []byte{9, 8, 7},
	}

	var got SetSessionKeys
	if err := got.Decode(req.Bytes()); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d := cmp.Diff(req, &got, cmpopts.IgnoreUnexported(SessionParams{})); d != "" {
		t.Errorf("unexpected request, diff:\n%s", d)
	}
}

func TestStatus(t *testing.T) {
	s := &Status{Command: api.CmdGetSensorID, Code: api.CodeAgain}

	var got Status
	payload, err := got.Decode(s.Bytes([]byte{5}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != *s || !cmp.Equal(payload, []byte{5}) {
		t.Errorf("got %+v %x", got, payload)
	}
}
