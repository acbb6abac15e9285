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

// The sensorctl tool manages emulated sensor OTPM images: it creates blank
// images, builds and provisions encrypted asset packages, lists stored
// records and signs debug entitlements.
package main

import (
	"flag"
	"os"
	"strconv"

	"github.com/jessevdk/go-flags"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sensor-os/config"
)

type globalOptions struct {
	Config  string `short:"c" long:"config" description:"YAML configuration file"`
	Verbose int    `short:"v" long:"verbose" description:"klog verbosity level"`
}

var opts globalOptions

// loadConfig returns the configuration selected on the command line, an
// image path given to a subcommand selects the file backend.
func loadConfig(image string) (*config.Config, error) {
	c := config.Default()

	if opts.Config != "" {
		var err error
		if c, err = config.Load(opts.Config); err != nil {
			return nil, err
		}
	}

	if image != "" {
		c.OTPM.Backend = config.BackendFile
		c.OTPM.Path = image
	}

	return c, c.Validate()
}

func main() {
	fs := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(fs)

	parser := flags.NewParser(&opts, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if opts.Verbose > 0 {
			fs.Set("v", strconv.Itoa(opts.Verbose))
		}
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	for _, c := range []struct {
		name, short, long string
		data              any
	}{
		{"init", "Create a blank OTPM image", "Creates a blank OTPM image file sized from the configuration.", &initCommand{}},
		{"package", "Build an encrypted asset package", "Wraps a raw little-endian asset payload into a provisioning request.", &packageCommand{}},
		{"provision", "Provision asset packages", "Boots the emulated core on an image up to the Configure phase and provisions packages.", &provisionCommand{}},
		{"list", "List stored records", "Scans an OTPM image and prints its records.", &listCommand{}},
		{"sign-debug", "Sign a debug entitlement", "Produces a debug entitlement note for the emulated device.", &signDebugCommand{}},
		{"keygen", "Generate a debug entitlement key pair", "Generates a note signer and verifier for debug entitlements.", &keygenCommand{}},
	} {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			klog.Exitf("AddCommand(%s): %v", c.name, err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	klog.Flush()
}
