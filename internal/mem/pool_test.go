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

package mem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-sensor-os/api"
)

func TestPool(t *testing.T) {
	p := NewPool(64)

	a, err := p.Alloc(48)
	require.NoError(t, err)
	require.Len(t, a, 48)

	_, err = p.Alloc(17)
	require.True(t, errors.Is(err, api.ErrNoSpace), "got %v", err)

	b, err := p.Alloc(16)
	require.NoError(t, err)
	require.Equal(t, uint(64), p.Used())

	copy(a, "secret")
	p.Free(a)
	require.Equal(t, make([]byte, 48), a)
	require.Equal(t, uint(16), p.Used())

	// Double free is a no-op.
	p.Free(a)
	require.Equal(t, uint(16), p.Used())

	p.Free(b[:4])
	require.Zero(t, p.Used())

	_, err = p.Alloc(0)
	require.True(t, errors.Is(err, api.ErrInvalidArgument), "got %v", err)
}
