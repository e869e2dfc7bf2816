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

import tapsigner "github.com/ZaparooProject/go-tapsigner"

// REQUESTS

type command struct {
	Cmd string `cbor:"cmd"`
}

type auth struct {
	EphemeralPubKey []byte `cbor:"epubkey"` // app's ephemeral public key
	XCVC            []byte `cbor:"xcvc"`    // CVC masked with the session key
}

type waitRequest struct {
	command
}

type newRequest struct {
	command
	auth
	ChainCode []byte `cbor:"chain_code"`
	Slot      int    `cbor:"slot"`
}

type backupRequest struct {
	command
	auth
}

type deriveRequest struct {
	command
	auth
	Nonce []byte   `cbor:"nonce"`
	Path  []uint32 `cbor:"path"`
}

type xpubRequest struct {
	command
	auth
	Master bool `cbor:"master"`
}

type changeRequest struct {
	command
	auth
	Data []byte `cbor:"data"` // new CVC masked with the session key
}

type signRequest struct {
	command
	auth
	Digest  []byte   `cbor:"digest"` // digest masked with the session key
	Subpath []uint32 `cbor:"subpath,omitempty"`
	Slot    int      `cbor:"slot"`
}

// REPLIES

type replier interface {
	cardError() error
	nonce() []byte
}

// reply holds the fields every card answer may carry
type reply struct {
	Error     string `cbor:"error"`
	CardNonce []byte `cbor:"card_nonce"`
	Code      int    `cbor:"code"`
}

func (r *reply) cardError() error {
	if r.Error == "" && r.Code == 0 {
		return nil
	}
	return &tapsigner.CardError{Code: r.Code, Message: r.Error}
}

func (r *reply) nonce() []byte { return r.CardNonce }

type statusReply struct {
	reply
	Version    string   `cbor:"ver"`
	PubKey     []byte   `cbor:"pubkey"`
	Path       []uint32 `cbor:"path"`
	Proto      int      `cbor:"proto"`
	Birth      int      `cbor:"birth"`
	NumBackups int      `cbor:"num_backups"`
	AuthDelay  int      `cbor:"auth_delay"`
	Tapsigner  bool     `cbor:"tapsigner"`
}

type waitReply struct {
	reply
	AuthDelay int  `cbor:"auth_delay"`
	Success   bool `cbor:"success"`
}

type newReply struct {
	reply
	Slot int `cbor:"slot"`
}

type backupReply struct {
	reply
	Data []byte `cbor:"data"`
}

type deriveReply struct {
	reply
	Sig          []byte `cbor:"sig"`
	ChainCode    []byte `cbor:"chain_code"`
	MasterPubKey []byte `cbor:"master_pubkey"`
	PubKey       []byte `cbor:"pubkey"`
}

type xpubReply struct {
	reply
	XPub []byte `cbor:"xpub"`
}

type changeReply struct {
	reply
	Success bool `cbor:"success"`
}

type signReply struct {
	reply
	Sig    []byte `cbor:"sig"`
	PubKey []byte `cbor:"pubkey"`
	Slot   int    `cbor:"slot"`
}
