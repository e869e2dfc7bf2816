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

package tapsigner

import (
	"context"
	"sync/atomic"
)

// Reply tags understood by scriptCodec
const (
	tagFinal   byte = 0x01
	tagPending byte = 0x02
	tagBadAuth byte = 0x03
	tagInit    byte = 0x04 // ContinueFromInit with a follow-up frame
	tagBackup  byte = 0x05 // ContinueFromBackup ending the tap
	tagWrong   byte = 0x06 // a response of another kind
	tagPanic   byte = 0x07
	tagNil     byte = 0x08
)

// scriptCodec is a stand-in codec whose replies are driven by the first byte
// of each raw frame.
type scriptCodec struct {
	buildErr error
	builds   atomic.Int32
	parses   atomic.Int32
}

func (c *scriptCodec) BuildPayload(kind CommandKind, _ any) ([]byte, error) {
	c.builds.Add(1)
	if c.buildErr != nil {
		return nil, c.buildErr
	}
	return []byte{0xC0, byte(kind)}, nil
}

func (c *scriptCodec) ParseResponse(kind CommandKind, raw []byte) (Response, error) {
	c.parses.Add(1)
	if len(raw) == 0 {
		return nil, NewProtocolError("parse", ErrMalformedFrame)
	}
	switch raw[0] {
	case tagFinal:
		return finalFor(kind), nil
	case tagPending:
		return &Pending{For: kind, Step: "status", Frame: []byte{0xC1}}, nil
	case tagBadAuth:
		return nil, &CardError{Code: CardCodeBadAuth, Message: "bad auth"}
	case tagInit:
		return &ContinueFromInit{
			Frame: []byte{0xC2},
			Next:  Command{Kind: CommandSetup, Args: SetupArgs{Stage: SetupStageBackup}},
		}, nil
	case tagBackup:
		return &ContinueFromBackup{
			Backup: []byte{0xBB},
			Next:   Command{Kind: CommandSetup, Args: SetupArgs{Stage: SetupStageDerive, Backup: []byte{0xBB}}},
		}, nil
	case tagWrong:
		return &ChangePinResponse{}, nil
	case tagPanic:
		panic("codec exploded")
	case tagNil:
		return nil, nil
	default:
		return nil, NewProtocolError("parse", ErrMalformedFrame)
	}
}

func finalFor(kind CommandKind) Response {
	switch kind {
	case CommandSetup:
		return &SetupComplete{Backup: []byte{0xBB}, Derive: DeriveInfo{XPub: "xpub-test"}}
	case CommandDerive:
		return &DeriveResponse{Info: DeriveInfo{XPub: "xpub-test", Path: DefaultDerivationPath}}
	case CommandChangePin:
		return &ChangePinResponse{}
	case CommandBackup:
		return &BackupResponse{Data: []byte{0xBA, 0xC0}}
	case CommandSign:
		return &SignResponse{Signature: make([]byte, 64)}
	default:
		return nil
	}
}

// replyWith answers every frame with tag
func replyWith(tag byte) FrameHandler {
	return func(context.Context, []byte) ([]byte, error) {
		return []byte{tag}, nil
	}
}
