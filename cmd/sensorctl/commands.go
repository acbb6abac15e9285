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

package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/renameio/v2"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sensor-os/api"
	"github.com/transparency-dev/armored-sensor-os/api/rpc"
	"github.com/transparency-dev/armored-sensor-os/internal/asset"
	"github.com/transparency-dev/armored-sensor-os/internal/cc"
	"github.com/transparency-dev/armored-sensor-os/internal/diag"
	"github.com/transparency-dev/armored-sensor-os/internal/nvm"
	"github.com/transparency-dev/armored-sensor-os/internal/system"
	"github.com/transparency-dev/armored-sensor-os/otpm"
)

type initCommand struct {
	Args struct {
		Image string `positional-arg-name:"image" required:"yes"`
	} `positional-args:"yes"`
}

func (c *initCommand) Execute(_ []string) error {
	cfg, err := loadConfig(c.Args.Image)
	if err != nil {
		return err
	}

	if _, err := otpm.CreateFile(cfg.OTPM.Path, cfg.OTPM.SizeWords); err != nil {
		return err
	}

	klog.Infof("Created %s (%d words)", cfg.OTPM.Path, cfg.OTPM.SizeWords)

	return nil
}

type packageCommand struct {
	Type    string `short:"t" long:"type" required:"yes" description:"asset type, e.g. PSKMasterSecret"`
	Root    string `short:"r" long:"root" default:"cm" choice:"cm" choice:"dm" description:"root of trust wrapping the package"`
	ClockHz uint32 `long:"clock-hz" description:"OTPM clock requested while programming"`
	Args    struct {
		Payload string `positional-arg-name:"payload" required:"yes"`
		Output  string `positional-arg-name:"output" required:"yes"`
	} `positional-args:"yes"`
}

func (c *packageCommand) Execute(_ []string) error {
	t, err := asset.ParseType(c.Type)
	if err != nil {
		return err
	}

	root := cc.RootCM
	if c.Root == "dm" {
		root = cc.RootDM
	}

	payload, err := os.ReadFile(c.Args.Payload)
	if err != nil {
		return err
	}

	w, err := asset.PayloadWords(payload)
	if err != nil {
		return err
	}

	if err := asset.Validate(t, w); err != nil {
		return fmt.Errorf("invalid %s payload: %v", t, err)
	}

	cfg, err := loadConfig("")
	if err != nil {
		return err
	}

	lib, err := cfg.NewRoot()
	if err != nil {
		return err
	}

	pkg, err := lib.PackAsset(root, uint32(t), payload)
	if err != nil {
		return err
	}

	req := &rpc.ProvisionAsset{
		AssetType:   uint16(t),
		LengthWords: uint16(len(w)),
		RootOfTrust: uint32(root),
		ClockHz:     c.ClockHz,
		Package:     pkg,
	}

	return renameio.WriteFile(c.Args.Output, req.Bytes(), 0o600)
}

type provisionCommand struct {
	Args struct {
		Image    string   `positional-arg-name:"image" required:"yes"`
		Packages []string `positional-arg-name:"package" required:"1"`
	} `positional-args:"yes"`
}

func (c *provisionCommand) Execute(_ []string) error {
	cfg, err := loadConfig(c.Args.Image)
	if err != nil {
		return err
	}

	dev, err := cfg.OpenDevice()
	if err != nil {
		return err
	}

	lib, err := cfg.NewRoot()
	if err != nil {
		return err
	}

	s, err := system.New(cfg, dev, lib)
	if err != nil {
		return err
	}

	for _, p := range []api.Phase{api.PhaseInitialize, api.PhaseDebug, api.PhaseConfigure} {
		if err := s.EnterPhase(p); err != nil {
			return fmt.Errorf("%s phase: %v", p, err)
		}
	}
	defer s.EnterPhase(api.PhaseShutdown)

	var errs []error

	bar := pb.StartNew(len(c.Args.Packages))

	for _, path := range c.Args.Packages {
		buf, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			bar.Increment()
			continue
		}

		var st rpc.Status

		if _, err := st.Decode(s.Handle(api.CmdProvisionAsset, buf)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", path, err))
		} else if st.Code != api.Success {
			errs = append(errs, fmt.Errorf("%s: %w", path, st.Code.Kind()))
		}

		bar.Increment()
	}

	bar.Finish()

	klog.Infof("%d words free", s.Store.Free())

	return errors.Join(errs...)
}

type listCommand struct {
	Args struct {
		Image string `positional-arg-name:"image"`
	} `positional-args:"yes"`
}

func (c *listCommand) Execute(_ []string) error {
	cfg, err := loadConfig(c.Args.Image)
	if err != nil {
		return err
	}

	dev, err := cfg.OpenDevice()
	if err != nil {
		return err
	}

	store := nvm.New(dev, cfg.OTPM.UserBaseWords, diag.New())
	if err := store.Init(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTYPE\tWORDS\tDETAILS")

	err = store.Walk(func(id nvm.ID, r nvm.Record) error {
		w := make([]uint32, r.Length)
		if err := store.ReadAsset(r.Address, 0, w); err != nil {
			return err
		}
		t := asset.Type(id)
		fmt.Fprintf(tw, "%#05x\t%s\t%d\t%s\n", r.Address, t, r.Length, describe(t, w))
		return nil
	})

	fmt.Fprintf(tw, "\t\t%d\tfree\n", store.Free())
	tw.Flush()

	return err
}

// describe summarises public record headers, secrets are never printed.
func describe(t asset.Type, w []uint32) string {
	switch t {
	case asset.TypePublicCertificate:
		c, err := asset.ParseCertificate(w)
		if err != nil {
			return err.Error()
		}
		f := c.Flags
		return fmt.Sprintf("%s %s/%s v%d #%d", c.KeyType, f.Authority(), f.Purpose(), f.Version(), f.Number())
	case asset.TypePrivateKey:
		k, err := asset.ParsePrivateKey(w)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%s %s", k.KeyType, k.Authority)
	case asset.TypePSKMasterSecret:
		if len(w) > 0 {
			return fmt.Sprintf("%d bits", w[0])
		}
	case asset.TypeTRNG, asset.TypeOTPMConfig:
		return fmt.Sprint(w)
	}
	return ""
}

type signDebugCommand struct {
	Key    string `short:"k" long:"key" required:"yes" description:"file holding the note signer key"`
	UID    string `long:"uid" description:"device unique ID in hex, defaults to the emulated device"`
	RMA    bool   `long:"rma" description:"request a transition to RMA"`
	Output string `short:"o" long:"output" description:"entitlement file, stdout when unset"`
}

func (c *signDebugCommand) Execute(_ []string) error {
	skey, err := os.ReadFile(c.Key)
	if err != nil {
		return err
	}

	var uid []byte

	if c.UID != "" {
		if uid, err = hex.DecodeString(c.UID); err != nil {
			return fmt.Errorf("invalid --uid: %v", err)
		}
	} else {
		cfg, err := loadConfig("")
		if err != nil {
			return err
		}
		lib, err := cfg.NewRoot()
		if err != nil {
			return err
		}
		if uid, err = lib.UniqueID(); err != nil {
			return err
		}
	}

	blob, err := cc.SignDebugEntitlement(string(skey), uid, c.RMA)
	if err != nil {
		return err
	}

	if c.Output == "" {
		_, err = os.Stdout.Write(blob)
		return err
	}

	return renameio.WriteFile(c.Output, blob, 0o600)
}

type keygenCommand struct {
	Name string `short:"n" long:"name" default:"sensor-debug" description:"key name"`
	Args struct {
		Prefix string `positional-arg-name:"prefix" required:"yes"`
	} `positional-args:"yes"`
}

func (c *keygenCommand) Execute(_ []string) error {
	skey, vkey, err := note.GenerateKey(rand.Reader, c.Name)
	if err != nil {
		return err
	}

	if err := renameio.WriteFile(c.Args.Prefix+".sec", []byte(skey), 0o600); err != nil {
		return err
	}

	if err := renameio.WriteFile(c.Args.Prefix+".pub", []byte(vkey), 0o644); err != nil {
		return err
	}

	fmt.Println(vkey)

	return nil
}
