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

// Package cktap implements the Coinkite tap protocol spoken by TAPSIGNER
// cards: CBOR bodies in ISO 7816 APDUs, with ECDH-masked PIN auth.
package cktap

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/rs/zerolog"
)

// Codec errors
var (
	ErrAlreadySetup   = errors.New("card is already set up")
	ErrNotSetup       = errors.New("card has not been set up")
	ErrNoConversation = errors.New("no command in progress")
	ErrNotTapsigner   = errors.New("card is not a TAPSIGNER")
)

// op names double as the "cmd" field sent to the card
type op string

const (
	opStatus op = "status"
	opWait   op = "wait"
	opNew    op = "new"
	opBackup op = "backup"
	opDerive op = "derive"
	opXPub   op = "xpub"
	opChange op = "change"
	opSign   op = "sign"
)

// maxWaits bounds the wait commands sent while the card enforces an auth delay
const maxWaits = 16

// Options configures a Codec
type Options struct {
	// Net selects xpub version bytes. Defaults to mainnet.
	Net *chaincfg.Params
	// Rand supplies chain codes and app nonces. Defaults to crypto/rand.
	Rand io.Reader
	// KeyGen creates ephemeral keys. Defaults to secp256k1.GeneratePrivateKey.
	KeyGen func() (*secp256k1.PrivateKey, error)
	// Logger receives protocol-level debug events
	Logger *zerolog.Logger
	// StagePerTap ends every setup stage with a tap-again continuation
	// instead of continuing in the same session.
	StagePerTap bool
}

// Codec speaks the tap protocol for one conversation at a time.
// It is not safe for concurrent use; a controller runs one session at a time.
type Codec struct {
	net    *chaincfg.Params
	conv   *conversation
	genKey func() (*secp256k1.PrivateKey, error)
	random func([]byte) error
	logger zerolog.Logger
	perTap bool
}

// New creates a codec
func New(opts *Options) *Codec {
	if opts == nil {
		opts = &Options{}
	}
	c := &Codec{
		net:    opts.Net,
		genKey: secp256k1.GeneratePrivateKey,
		random: func(b []byte) error {
			_, err := rand.Read(b)
			return err
		},
		logger: tapsigner.Logger(),
		perTap: opts.StagePerTap,
	}
	if c.net == nil {
		c.net = &chaincfg.MainNetParams
	}
	if opts.Rand != nil {
		r := opts.Rand
		c.random = func(b []byte) error {
			_, err := io.ReadFull(r, b)
			return err
		}
	}
	if opts.KeyGen != nil {
		c.genKey = opts.KeyGen
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	}
	return c
}

// conversation is the state of one command across its frames
type conversation struct {
	args     any
	derive   *tapsigner.DeriveInfo
	dreply   *deriveReply
	status   *statusReply
	current  op
	nonce    []byte
	appNonce []byte
	backup   []byte
	ops      []op
	auth     authenticator
	waits    int
	kind     tapsigner.CommandKind
}

// BuildPayload validates args and returns the applet SELECT that opens the conversation.
func (c *Codec) BuildPayload(kind tapsigner.CommandKind, args any) ([]byte, error) {
	ops, err := c.plan(kind, args)
	if err != nil {
		return nil, err
	}
	c.conv = &conversation{
		kind:    kind,
		args:    args,
		ops:     ops,
		current: opStatus,
		auth:    authenticator{genKey: c.genKey},
	}
	return selectFrame()
}

func (c *Codec) plan(kind tapsigner.CommandKind, args any) ([]op, error) {
	switch kind {
	case tapsigner.CommandSetup:
		a, ok := args.(tapsigner.SetupArgs)
		if !ok {
			return nil, argsTypeError(kind, args)
		}
		if err := validateSetup(a); err != nil {
			return nil, err
		}
		switch a.Stage {
		case tapsigner.SetupStageInit:
			return []op{opNew, opBackup, opDerive, opXPub, opChange}, nil
		case tapsigner.SetupStageBackup:
			return []op{opBackup, opDerive, opXPub, opChange}, nil
		case tapsigner.SetupStageDerive:
			return []op{opDerive, opXPub, opChange}, nil
		case tapsigner.SetupStageChange:
			return []op{opChange}, nil
		default:
			return nil, fmt.Errorf("%w: unknown setup stage %d", tapsigner.ErrInvalidArgs, a.Stage)
		}
	case tapsigner.CommandDerive:
		a, ok := args.(tapsigner.DeriveArgs)
		if !ok {
			return nil, argsTypeError(kind, args)
		}
		if err := validatePIN(a.PIN); err != nil {
			return nil, err
		}
		return []op{opDerive, opXPub}, nil
	case tapsigner.CommandChangePin:
		a, ok := args.(tapsigner.ChangePinArgs)
		if !ok {
			return nil, argsTypeError(kind, args)
		}
		if err := validatePIN(a.CurrentPIN); err != nil {
			return nil, err
		}
		if err := validatePIN(a.NewPIN); err != nil {
			return nil, err
		}
		return []op{opChange}, nil
	case tapsigner.CommandBackup:
		a, ok := args.(tapsigner.BackupArgs)
		if !ok {
			return nil, argsTypeError(kind, args)
		}
		if err := validatePIN(a.PIN); err != nil {
			return nil, err
		}
		return []op{opBackup}, nil
	case tapsigner.CommandSign:
		a, ok := args.(tapsigner.SignArgs)
		if !ok {
			return nil, argsTypeError(kind, args)
		}
		if err := validateSign(a); err != nil {
			return nil, err
		}
		return []op{opSign}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command %s", tapsigner.ErrInvalidArgs, kind)
	}
}

// ParseResponse consumes one card reply and decides what comes next.
func (c *Codec) ParseResponse(kind tapsigner.CommandKind, raw []byte) (tapsigner.Response, error) {
	conv := c.conv
	if conv == nil || conv.kind != kind {
		return nil, ErrNoConversation
	}

	body, err := unwrap(raw)
	if err != nil {
		return nil, err
	}

	done := conv.current
	result, err := c.handle(conv, body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("op", string(done)).Int("remaining", len(conv.ops)).Msg("tap reply handled")

	if len(conv.ops) == 0 {
		if result == nil {
			return nil, fmt.Errorf("%w: conversation ended after %s without a result", tapsigner.ErrMalformedFrame, done)
		}
		c.conv = nil
		return result, nil
	}

	if cont, ok := result.(tapsigner.Continuation); ok && c.perTap {
		c.conv = nil
		return stripFrame(cont), nil
	}

	frame, err := c.advance(conv)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &tapsigner.Pending{For: kind, Step: string(conv.current), Frame: frame}, nil
	}
	return withFrame(result, frame), nil
}

// advance pops the next op and builds its frame
func (c *Codec) advance(conv *conversation) ([]byte, error) {
	conv.current = conv.ops[0]
	conv.ops = conv.ops[1:]
	return c.build(conv, conv.current)
}

func (c *Codec) handle(conv *conversation, body []byte) (tapsigner.Response, error) {
	switch conv.current {
	case opStatus:
		return nil, c.handleStatus(conv, body)
	case opWait:
		var r waitReply
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		conv.nonce = r.CardNonce
		if r.AuthDelay > 0 {
			return nil, c.queueWait(conv)
		}
		return nil, nil
	case opNew:
		var r newReply
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		conv.nonce = r.CardNonce
		return c.setupContinuation(conv, tapsigner.SetupStageBackup), nil
	case opBackup:
		var r backupReply
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		conv.nonce = r.CardNonce
		conv.backup = r.Data
		if conv.kind == tapsigner.CommandBackup {
			return &tapsigner.BackupResponse{Data: r.Data}, nil
		}
		return c.setupContinuation(conv, tapsigner.SetupStageDerive), nil
	case opDerive:
		return nil, c.handleDerive(conv, body)
	case opXPub:
		return c.handleXPub(conv, body)
	case opChange:
		var r changeReply
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		conv.nonce = r.CardNonce
		if conv.kind == tapsigner.CommandChangePin {
			return &tapsigner.ChangePinResponse{}, nil
		}
		return &tapsigner.SetupComplete{Backup: conv.backup, Derive: *conv.derive}, nil
	case opSign:
		return c.handleSign(conv, body)
	default:
		return nil, fmt.Errorf("%w: reply for unknown op %q", tapsigner.ErrUnexpectedResponse, conv.current)
	}
}

func (c *Codec) handleStatus(conv *conversation, body []byte) error {
	var r statusReply
	if err := decode(body, &r); err != nil {
		return err
	}
	if !r.Tapsigner {
		return ErrNotTapsigner
	}
	pub, err := secp256k1.ParsePubKey(r.PubKey)
	if err != nil {
		return fmt.Errorf("%w: card pubkey: %w", tapsigner.ErrMalformedFrame, err)
	}
	conv.status = &r
	conv.nonce = r.CardNonce
	conv.auth.cardPub = pub

	if conv.kind == tapsigner.CommandSetup {
		args, _ := conv.args.(tapsigner.SetupArgs)
		if args.Stage == tapsigner.SetupStageInit && r.Path != nil {
			return ErrAlreadySetup
		}
		if args.Stage != tapsigner.SetupStageInit && r.Path == nil {
			return ErrNotSetup
		}
		conv.backup = args.Backup
		conv.derive = args.Derive
	}
	if r.AuthDelay > 0 {
		c.logger.Debug().Int("auth_delay", r.AuthDelay).Msg("card enforces auth delay")
		return c.queueWait(conv)
	}
	return nil
}

func (c *Codec) queueWait(conv *conversation) error {
	conv.waits++
	if conv.waits > maxWaits {
		return &tapsigner.CardError{Code: tapsigner.CardCodeRateLimited, Message: "auth delay did not expire"}
	}
	conv.ops = append([]op{opWait}, conv.ops...)
	return nil
}

func (*Codec) handleDerive(conv *conversation, body []byte) error {
	var r deriveReply
	if err := decode(body, &r); err != nil {
		return err
	}
	digest := deriveMessage(conv.nonce, conv.appNonce, r.ChainCode)
	if err := verifyCompact(r.Sig, digest[:], r.MasterPubKey); err != nil {
		return err
	}
	conv.nonce = r.CardNonce
	conv.dreply = &r
	return nil
}

func (c *Codec) handleXPub(conv *conversation, body []byte) (tapsigner.Response, error) {
	var r xpubReply
	if err := decode(body, &r); err != nil {
		return nil, err
	}
	conv.nonce = r.CardNonce
	if conv.dreply == nil {
		return nil, fmt.Errorf("%w: xpub before derive", tapsigner.ErrUnexpectedResponse)
	}

	xpub, err := EncodeXPub(r.XPub, c.net)
	if err != nil {
		return nil, err
	}
	info := tapsigner.DeriveInfo{
		XPub:         xpub,
		MasterPubkey: conv.dreply.MasterPubKey,
		Pubkey:       conv.dreply.PubKey,
		ChainCode:    conv.dreply.ChainCode,
		Path:         derivePath(conv),
		Fingerprint:  Fingerprint(conv.dreply.MasterPubKey),
	}
	if conv.kind == tapsigner.CommandDerive {
		return &tapsigner.DeriveResponse{Info: info}, nil
	}
	conv.derive = &info
	return c.setupContinuation(conv, tapsigner.SetupStageChange), nil
}

func (*Codec) handleSign(conv *conversation, body []byte) (tapsigner.Response, error) {
	var r signReply
	if err := decode(body, &r); err != nil {
		return nil, err
	}
	conv.nonce = r.CardNonce
	args, _ := conv.args.(tapsigner.SignArgs)
	if err := verifyCompact(r.Sig, args.Digest, r.PubKey); err != nil {
		return nil, err
	}
	return &tapsigner.SignResponse{Slot: r.Slot, Signature: r.Sig, Pubkey: r.PubKey}, nil
}

// setupContinuation builds the continuation reached after a setup stage.
// The embedded command resumes at next with the results gathered so far.
func (*Codec) setupContinuation(conv *conversation, next tapsigner.SetupStage) tapsigner.Response {
	args, _ := conv.args.(tapsigner.SetupArgs)
	args.Stage = next
	args.Backup = conv.backup
	args.Derive = conv.derive
	cmd := tapsigner.Command{Kind: tapsigner.CommandSetup, Args: args}

	switch next {
	case tapsigner.SetupStageBackup:
		return &tapsigner.ContinueFromInit{Next: cmd}
	case tapsigner.SetupStageDerive:
		return &tapsigner.ContinueFromBackup{Backup: conv.backup, Next: cmd}
	case tapsigner.SetupStageInit, tapsigner.SetupStageChange:
		return &tapsigner.ContinueFromDerive{Backup: conv.backup, Derive: *conv.derive, Next: cmd}
	}
	return nil
}

func (c *Codec) build(conv *conversation, o op) ([]byte, error) {
	switch o {
	case opStatus:
		return selectFrame()
	case opWait:
		return wrap(waitRequest{command{Cmd: string(opWait)}})
	case opNew:
		args, _ := conv.args.(tapsigner.SetupArgs)
		chainCode := args.ChainCode
		if len(chainCode) == 0 {
			chainCode = make([]byte, 32)
			if err := c.random(chainCode); err != nil {
				return nil, err
			}
		}
		a, err := conv.auth.sign(args.StartingPIN, conv.nonce, string(o))
		if err != nil {
			return nil, err
		}
		return wrap(newRequest{command: command{Cmd: string(o)}, auth: a, ChainCode: chainCode})
	case opBackup:
		a, err := conv.auth.sign(currentPIN(conv.args), conv.nonce, string(o))
		if err != nil {
			return nil, err
		}
		return wrap(backupRequest{command: command{Cmd: string(o)}, auth: a})
	case opDerive:
		a, err := conv.auth.sign(currentPIN(conv.args), conv.nonce, string(o))
		if err != nil {
			return nil, err
		}
		conv.appNonce = make([]byte, 16)
		if err := c.random(conv.appNonce); err != nil {
			return nil, err
		}
		return wrap(deriveRequest{command: command{Cmd: string(o)}, auth: a, Nonce: conv.appNonce, Path: derivePath(conv)})
	case opXPub:
		a, err := conv.auth.sign(currentPIN(conv.args), conv.nonce, string(o))
		if err != nil {
			return nil, err
		}
		return wrap(xpubRequest{command: command{Cmd: string(o)}, auth: a})
	case opChange:
		current, next := changePINs(conv.args)
		a, err := conv.auth.sign(current, conv.nonce, string(o))
		if err != nil {
			return nil, err
		}
		return wrap(changeRequest{command: command{Cmd: string(o)}, auth: a, Data: conv.auth.encrypt([]byte(next))})
	case opSign:
		args, _ := conv.args.(tapsigner.SignArgs)
		a, err := conv.auth.sign(args.PIN, conv.nonce, string(o))
		if err != nil {
			return nil, err
		}
		return wrap(signRequest{
			command: command{Cmd: string(o)},
			auth:    a,
			Digest:  conv.auth.encrypt(args.Digest),
			Subpath: args.Subpath,
		})
	default:
		return nil, fmt.Errorf("%w: cannot build %q", tapsigner.ErrInvalidArgs, o)
	}
}

// Reset drops any conversation in progress
func (c *Codec) Reset() {
	c.conv = nil
}

func currentPIN(args any) string {
	switch a := args.(type) {
	case tapsigner.SetupArgs:
		return a.StartingPIN
	case tapsigner.DeriveArgs:
		return a.PIN
	case tapsigner.BackupArgs:
		return a.PIN
	case tapsigner.SignArgs:
		return a.PIN
	case tapsigner.ChangePinArgs:
		return a.CurrentPIN
	default:
		return ""
	}
}

func changePINs(args any) (current, next string) {
	switch a := args.(type) {
	case tapsigner.SetupArgs:
		return a.StartingPIN, a.NewPIN
	case tapsigner.ChangePinArgs:
		return a.CurrentPIN, a.NewPIN
	default:
		return "", ""
	}
}

func derivePath(conv *conversation) []uint32 {
	if a, ok := conv.args.(tapsigner.DeriveArgs); ok && len(a.Path) > 0 {
		return a.Path
	}
	return tapsigner.DefaultDerivationPath
}

func withFrame(resp tapsigner.Response, frame []byte) tapsigner.Response {
	switch r := resp.(type) {
	case *tapsigner.ContinueFromInit:
		r.Frame = frame
	case *tapsigner.ContinueFromBackup:
		r.Frame = frame
	case *tapsigner.ContinueFromDerive:
		r.Frame = frame
	}
	return resp
}

func stripFrame(resp tapsigner.Continuation) tapsigner.Response {
	return withFrame(resp, nil)
}
