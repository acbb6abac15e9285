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

package otpm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/renameio/v2"
	"k8s.io/klog/v2"
)

// File is an OTPM array emulated by an image file, every successful Write is
// atomically persisted.
type File struct {
	*Mem

	path string
}

// CreateFile creates a blank image file of the given size, an existing image
// is never overwritten.
func CreateFile(path string, words uint) (*File, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("image %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	f := &File{
		Mem:  NewMem(words),
		path: path,
	}

	return f, f.sync()
}

// OpenFile opens an existing image file.
func OpenFile(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m, err := NewMemFromImage(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	klog.V(2).Infof("Opened OTPM image %s (%d words)", path, m.Size())

	return &File{Mem: m, path: path}, nil
}

// Write programs the emulated array and persists the image.
func (f *File) Write(addr uint, buf []uint32) error {
	if err := f.Mem.Write(addr, buf); err != nil {
		return err
	}
	return f.sync()
}

func (f *File) sync() error {
	return renameio.WriteFile(f.path, f.Mem.Image(), 0o600)
}
