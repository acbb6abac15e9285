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

package api

import (
	"errors"
)

// Error kinds visible to the host. Managers wrap these so that callers can
// test with errors.Is, the wrapping text never reaches the host.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAccessDenied    = errors.New("access denied")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNoSpace         = errors.New("no space")
	ErrRange           = errors.New("out of range")
	ErrBadMessage      = errors.New("bad message")
	ErrAgain           = errors.New("try again")
	ErrIO              = errors.New("i/o error")
	ErrSystem          = errors.New("system error")
)

// ErrorCode is the 16-bit status word returned to the host.
type ErrorCode uint16

// Host status codes, values follow the POSIX errno numbering.
const (
	Success             ErrorCode = 0
	CodeAccessDenied    ErrorCode = 1
	CodeNotFound        ErrorCode = 2
	CodeIO              ErrorCode = 5
	CodeAgain           ErrorCode = 11
	CodeAlreadyExists   ErrorCode = 17
	CodeInvalidArgument ErrorCode = 22
	CodeNoSpace         ErrorCode = 28
	CodeRange           ErrorCode = 34
	CodeBadMessage      ErrorCode = 74
	CodeSystem          ErrorCode = 0xffff
)

var codes = []struct {
	err  error
	code ErrorCode
}{
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrAccessDenied, CodeAccessDenied},
	{ErrNotFound, CodeNotFound},
	{ErrAlreadyExists, CodeAlreadyExists},
	{ErrNoSpace, CodeNoSpace},
	{ErrRange, CodeRange},
	{ErrBadMessage, CodeBadMessage},
	{ErrAgain, CodeAgain},
	{ErrIO, CodeIO},
	{ErrSystem, CodeSystem},
}

// CodeOf maps an error to its host status code, errors which carry no known
// kind are reported as system errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeSystem
}

// Kind returns the sentinel error matching a host status code.
func (c ErrorCode) Kind() error {
	for _, e := range codes {
		if e.code == c {
			return e.err
		}
	}
	if c == Success {
		return nil
	}
	return ErrSystem
}
