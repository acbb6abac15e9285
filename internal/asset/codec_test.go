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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-sensor-os/api"
)

func TestFlagsRoundTrip(t *testing.T) {
	type fields struct {
		Purpose   Purpose
		Authority Authority
		Version   uint32
		Number    uint32
	}

	for p := Purpose(0); p <= flagsPurposeMask; p++ {
		for a := Authority(0); a <= flagsAuthMask; a++ {
			for v := uint32(0); v <= MaxVersion; v++ {
				for _, n := range []uint32{0, 1, 0x42, 0x155555, 0x2aaaaaa, MaxNumber} {
					want := fields{p, a, v, n}
					f, err := NewFlags(p, a, v, n)
					if err != nil {
						t.Fatalf("NewFlags(%+v): %v", want, err)
					}
					got := fields{f.Purpose(), f.Authority(), f.Version(), f.Number()}
					if diff := cmp.Diff(want, got); diff != "" {
						t.Fatalf("Got diff: %s", diff)
					}
				}
			}
		}
	}
}

func TestFlagsLayout(t *testing.T) {
	f, err := NewFlags(PurposeVendor, VendorB, 2, 0x42)
	if err != nil {
		t.Fatalf("NewFlags: %v", err)
	}
	if got, want := uint32(f), uint32(1|1<<2|2<<4|0x42<<6); got != want {
		t.Errorf("Flags = %#x, want %#x", got, want)
	}

	if _, err := NewFlags(PurposeSensor, VendorA, MaxVersion+1, 0); err == nil {
		t.Error("NewFlags accepted an out of range version")
	}
	if _, err := NewFlags(PurposeSensor, VendorA, 0, MaxNumber+1); err == nil {
		t.Error("NewFlags accepted an out of range number")
	}
}

func TestParseCertificate(t *testing.T) {
	cert := func(kt KeyType, off uint32, words int) []uint32 {
		w := make([]uint32, CertificateHeaderWords+words)
		w[0], w[1], w[2] = uint32(kt), off, 0x1085
		return w
	}

	for _, test := range []struct {
		name    string
		w       []uint32
		wantErr error
	}{
		{name: "2048", w: cert(RSA2048, 67, 128)},
		{name: "3072", w: cert(RSA3072, 99, 192)},
		{name: "4096", w: cert(RSA4096, 131, 256)},
		{name: "short", w: []uint32{uint32(RSA2048)}, wantErr: api.ErrRange},
		{name: "unknown type", w: cert(0x52534105, 67, 128), wantErr: api.ErrBadMessage},
		{name: "length mismatch", w: cert(RSA3072, 99, 128), wantErr: api.ErrRange},
		{name: "offset mismatch", w: cert(RSA2048, 99, 128), wantErr: api.ErrBadMessage},
		{name: "offset underflow", w: cert(RSA2048, 1, 128), wantErr: api.ErrBadMessage},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, err := ParseCertificate(test.w)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("ParseCertificate = %v, want %v", err, test.wantErr)
			}
			if test.wantErr != nil {
				return
			}
			if diff := cmp.Diff(test.w, c.Words()); diff != "" {
				t.Errorf("Got diff: %s", diff)
			}
			if got := c.Flags.Number(); got != 0x42 {
				t.Errorf("Number = %#x, want 0x42", got)
			}
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	good := make([]uint32, PrivateKeyHeaderWords+2*64)
	good[0], good[1] = uint32(VendorB), uint32(RSA2048)

	if _, err := ParsePrivateKey(good); err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}

	badAuth := append([]uint32{4}, good[1:]...)
	if _, err := ParsePrivateKey(badAuth); !errors.Is(err, api.ErrBadMessage) {
		t.Errorf("ParsePrivateKey(bad authority) = %v", err)
	}

	if _, err := ParsePrivateKey(good[:len(good)-1]); !errors.Is(err, api.ErrRange) {
		t.Errorf("ParsePrivateKey(short) = %v", err)
	}
}

func TestParsePSK(t *testing.T) {
	for _, test := range []struct {
		w       []uint32
		wantErr error
	}{
		{w: []uint32{128, 1, 2, 3, 4}},
		{w: []uint32{192, 1, 2, 3, 4, 5, 6}},
		{w: []uint32{256, 1, 2, 3, 4, 5, 6, 7, 8}},
		{w: []uint32{64, 1, 2}, wantErr: api.ErrBadMessage},
		{w: []uint32{128, 1, 2, 3}, wantErr: api.ErrRange},
		{w: nil, wantErr: api.ErrRange},
	} {
		if _, err := ParsePSK(test.w); !errors.Is(err, test.wantErr) {
			t.Errorf("ParsePSK(%v) = %v, want %v", test.w, err, test.wantErr)
		}
	}
}

func TestKeyWords(t *testing.T) {
	w, err := KeyWords([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, 3)
	if err != nil {
		t.Fatalf("KeyWords: %v", err)
	}
	if diff := cmp.Diff([]uint32{0, 0x01, 0x02030405}, w); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
	if diff := cmp.Diff([]byte{0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5}, KeyBytes(w)); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
	if _, err := KeyWords(make([]byte, 13), 3); err == nil {
		t.Error("KeyWords accepted oversized input")
	}
}

func TestParseType(t *testing.T) {
	for _, ty := range Types {
		got, err := ParseType(ty.String())
		if err != nil || got != ty {
			t.Errorf("ParseType(%q) = %v, %v", ty, got, err)
		}
	}

	if got, err := ParseType("pskmastersecret"); err != nil || got != TypePSKMasterSecret {
		t.Errorf("ParseType(pskmastersecret) = %v, %v", got, err)
	}

	if _, err := ParseType("firmware"); err == nil {
		t.Error("ParseType(firmware) succeeded")
	}
}
