// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package cktap

import (
	"fmt"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
)

// PIN length limits enforced by the card
const (
	MinPINLength = 6
	MaxPINLength = 32
)

const (
	chainCodeLen  = 32
	digestLen     = 32
	maxSubpathLen = 2
)

func validatePIN(pin string) error {
	if len(pin) < MinPINLength || len(pin) > MaxPINLength {
		return fmt.Errorf("%w: PIN must be %d-%d characters, got %d",
			tapsigner.ErrInvalidArgs, MinPINLength, MaxPINLength, len(pin))
	}
	return nil
}

func validateSetup(a tapsigner.SetupArgs) error {
	if err := validatePIN(a.StartingPIN); err != nil {
		return fmt.Errorf("starting %w", err)
	}
	if err := validatePIN(a.NewPIN); err != nil {
		return fmt.Errorf("new %w", err)
	}
	if len(a.ChainCode) != 0 && len(a.ChainCode) != chainCodeLen {
		return fmt.Errorf("%w: chain code must be %d bytes, got %d",
			tapsigner.ErrInvalidArgs, chainCodeLen, len(a.ChainCode))
	}
	if a.Stage == tapsigner.SetupStageChange && a.Derive == nil {
		return fmt.Errorf("%w: change stage needs derive results", tapsigner.ErrInvalidArgs)
	}
	return nil
}

func validateSign(a tapsigner.SignArgs) error {
	if err := validatePIN(a.PIN); err != nil {
		return err
	}
	if len(a.Digest) != digestLen {
		return fmt.Errorf("%w: digest must be %d bytes, got %d",
			tapsigner.ErrInvalidArgs, digestLen, len(a.Digest))
	}
	if len(a.Subpath) > maxSubpathLen {
		return fmt.Errorf("%w: subpath has %d components, at most %d allowed",
			tapsigner.ErrInvalidArgs, len(a.Subpath), maxSubpathLen)
	}
	for _, c := range a.Subpath {
		if c&tapsigner.Hardened != 0 {
			return fmt.Errorf("%w: subpath components must not be hardened", tapsigner.ErrInvalidArgs)
		}
	}
	return nil
}

func argsTypeError(kind tapsigner.CommandKind, args any) error {
	return fmt.Errorf("%w: %s does not take %T", tapsigner.ErrInvalidArgs, kind, args)
}
