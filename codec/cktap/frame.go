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
	"github.com/fxamacker/cbor/v2"
	"github.com/skythen/apdu"
)

// APDU header bytes of the tap protocol
const (
	claTap       = 0x00
	insTap       = 0xCB
	insSelect    = 0xA4
	p1SelectByID = 0x04
)

// AppletID is the ISO applet identifier selected before any command
var AppletID = []byte{0xf0, 'C', 'o', 'i', 'n', 'k', 'i', 't', 'e', 'C', 'A', 'R', 'D', 'v', '1'}

// Status words
const (
	swOK             = 0x9000
	swAppletNotFound = 0x6A82
)

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	// Cards add fields between firmware versions; unknown keys are ignored.
	dm, err := cbor.DecOptions{MaxArrayElements: 1024, MaxMapPairs: 64}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// selectFrame builds the ISO SELECT that also returns card status
func selectFrame() ([]byte, error) {
	capdu := apdu.Capdu{Cla: claTap, Ins: insSelect, P1: p1SelectByID, Data: AppletID}
	return capdu.Bytes()
}

// wrap serializes value as CBOR inside a tap-protocol APDU
func wrap(value any) ([]byte, error) {
	body, err := cbor.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	capdu := apdu.Capdu{Cla: claTap, Ins: insTap, Data: body}
	return capdu.Bytes()
}

// unwrap checks the status word and returns the CBOR body
func unwrap(raw []byte) ([]byte, error) {
	rapdu, err := apdu.ParseRapdu(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tapsigner.ErrMalformedFrame, err)
	}

	sw := uint16(rapdu.SW1)<<8 | uint16(rapdu.SW2)
	switch sw {
	case swOK:
		return rapdu.Data, nil
	case swAppletNotFound:
		return nil, fmt.Errorf("%w: not a tap-protocol card (SW %04X)", tapsigner.ErrUnexpectedResponse, sw)
	default:
		return nil, fmt.Errorf("%w: status word %04X", tapsigner.ErrMalformedFrame, sw)
	}
}

// decode unmarshals a reply body into v and surfaces card-side errors.
func decode(body []byte, v replier) error {
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", tapsigner.ErrMalformedFrame, err)
	}
	if cerr := v.cardError(); cerr != nil {
		return cerr
	}
	return nil
}
