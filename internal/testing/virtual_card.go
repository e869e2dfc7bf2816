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

// Package testing provides an emulated TAPSIGNER and an in-memory transport
// for exercising sessions without hardware.
package testing

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/ZaparooProject/go-tapsigner/codec/cktap"
	"github.com/ZaparooProject/go-tapsigner/internal/syncutil"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/fxamacker/cbor/v2"
	"github.com/skythen/apdu"
)

// Default emulator values
const (
	DefaultCVC       = "123456"
	CardVersion      = "1.0.3"
	badAuthThreshold = 3
	authDelaySeconds = 15
)

var errNoWallet = errors.New("no wallet")

// TestCardUID is the UID reported for the emulated card
var TestCardUID = []byte{0x04, 0x7A, 0x3C, 0x11, 0x92, 0x60, 0x80}

// cardRequest is the union of every field an app may send
type cardRequest struct {
	Cmd       string   `cbor:"cmd"`
	EPubKey   []byte   `cbor:"epubkey"`
	XCVC      []byte   `cbor:"xcvc"`
	ChainCode []byte   `cbor:"chain_code"`
	Nonce     []byte   `cbor:"nonce"`
	Path      []uint32 `cbor:"path"`
	Data      []byte   `cbor:"data"`
	Digest    []byte   `cbor:"digest"`
	Subpath   []uint32 `cbor:"subpath"`
	Slot      int      `cbor:"slot"`
	Master    bool     `cbor:"master"`
}

// VirtualCard emulates a TAPSIGNER at the APDU level
type VirtualCard struct {
	cardKey    *btcec.PrivateKey
	master     *hdkeychain.ExtendedKey
	net        *chaincfg.Params
	cvc        string
	nonce      []byte
	lastNonce  []byte
	path       []uint32
	commands   []string
	UID        []byte
	numBackups int
	authDelay  int
	badAuth    int
	mu         syncutil.Mutex
	selected   bool
}

// NewVirtualCard creates a factory-fresh card protected by cvc
func NewVirtualCard(cvc string) *VirtualCard {
	if cvc == "" {
		cvc = DefaultCVC
	}
	key, err := btcec.NewPrivateKey()
	if err != nil {
		panic(fmt.Sprintf("generate card key: %v", err))
	}
	return &VirtualCard{
		cardKey: key,
		net:     &chaincfg.MainNetParams,
		cvc:     cvc,
		nonce:   randomBytes(16),
		UID:     TestCardUID,
	}
}

// NewSetUpVirtualCard creates a card that already holds a backed-up wallet
// at the default path
func NewSetUpVirtualCard(cvc string) *VirtualCard {
	v := NewVirtualCard(cvc)
	if err := v.provision(randomBytes(32)); err != nil {
		panic(fmt.Sprintf("provision card: %v", err))
	}
	v.numBackups = 1
	return v
}

// GetUIDString returns the UID as a hex string
func (v *VirtualCard) GetUIDString() string {
	return hex.EncodeToString(v.UID)
}

// CVC returns the current PIN
func (v *VirtualCard) CVC() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cvc
}

// IsSetUp reports whether a wallet has been created
func (v *VirtualCard) IsSetUp() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.master != nil
}

// NumBackups returns how many backups were exported
func (v *VirtualCard) NumBackups() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.numBackups
}

// SetAuthDelay forces the card to require n wait commands
func (v *VirtualCard) SetAuthDelay(n int) {
	v.mu.Lock()
	v.authDelay = n
	v.mu.Unlock()
}

// Commands returns the tap commands received so far, including "select"
func (v *VirtualCard) Commands() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.commands...)
}

// CommandCount returns how many times cmd was received
func (v *VirtualCard) CommandCount(cmd string) int {
	count := 0
	for _, c := range v.Commands() {
		if c == cmd {
			count++
		}
	}
	return count
}

// MasterXPub returns the wallet's master extended public key
func (v *VirtualCard) MasterXPub() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.master == nil {
		return ""
	}
	pub, err := v.master.Neuter()
	if err != nil {
		return ""
	}
	return pub.String()
}

// DerivedXPub returns the extended public key at the card's current path
func (v *VirtualCard) DerivedXPub() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	key, err := v.deriveLocked(v.path)
	if err != nil {
		return ""
	}
	pub, err := key.Neuter()
	if err != nil {
		return ""
	}
	return pub.String()
}

// Process answers one command APDU
func (v *VirtualCard) Process(frame []byte) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	capdu, err := apdu.ParseCapdu(frame)
	if err != nil {
		return statusWord(0x67, 0x00)
	}

	switch capdu.Ins {
	case 0xA4:
		v.commands = append(v.commands, "select")
		if !bytes.Equal(capdu.Data, cktap.AppletID) {
			return statusWord(0x6A, 0x82)
		}
		v.selected = true
		return v.respond(v.statusLocked())
	case 0xCB:
		if !v.selected {
			return statusWord(0x69, 0x85)
		}
		var req cardRequest
		if err := cbor.Unmarshal(capdu.Data, &req); err != nil {
			return v.respond(errorReply(tapsigner.CardCodeBadCBOR, "bad CBOR"))
		}
		v.commands = append(v.commands, req.Cmd)
		return v.respond(v.handle(&req))
	default:
		return statusWord(0x6D, 0x00)
	}
}

func (v *VirtualCard) handle(req *cardRequest) map[string]any {
	switch req.Cmd {
	case "status":
		return v.statusLocked()
	case "wait":
		if v.authDelay > 0 {
			v.authDelay--
		}
		return v.withNonce(map[string]any{"success": true, "auth_delay": v.authDelay})
	}

	sessionKey, reply := v.authenticate(req)
	if reply != nil {
		return reply
	}

	switch req.Cmd {
	case "new":
		return v.handleNew(req)
	case "backup":
		return v.handleBackup()
	case "derive":
		return v.handleDerive(req)
	case "xpub":
		return v.handleXPub(req)
	case "change":
		return v.handleChange(req, sessionKey)
	case "sign":
		return v.handleSign(req, sessionKey)
	default:
		return errorReply(tapsigner.CardCodeUnknownCmd, "unknown command")
	}
}

// authenticate checks the masked CVC and returns the session key
func (v *VirtualCard) authenticate(req *cardRequest) ([32]byte, map[string]any) {
	var sk [32]byte
	if v.authDelay > 0 {
		return sk, errorReply(tapsigner.CardCodeRateLimited, "rate limited")
	}
	if len(req.EPubKey) == 0 || len(req.XCVC) == 0 {
		return sk, errorReply(tapsigner.CardCodeNeedsAuth, "needs auth")
	}
	epub, err := btcec.ParsePubKey(req.EPubKey)
	if err != nil {
		return sk, errorReply(tapsigner.CardCodeBadArguments, "bad pubkey")
	}

	sk = cktap.SessionKey(v.cardKey, epub)
	mask := cktap.CVCMask(sk, v.nonce, req.Cmd, len(req.XCVC))
	got := make([]byte, len(req.XCVC))
	for i := range got {
		got[i] = req.XCVC[i] ^ mask[i]
	}
	// every authenticated attempt consumes the nonce
	v.lastNonce = v.nonce
	v.nonce = randomBytes(16)

	if string(got) != v.cvc {
		v.badAuth++
		if v.badAuth >= badAuthThreshold {
			v.authDelay = authDelaySeconds
		}
		return sk, errorReply(tapsigner.CardCodeBadAuth, "bad auth")
	}
	v.badAuth = 0
	return sk, nil
}

func (v *VirtualCard) handleNew(req *cardRequest) map[string]any {
	if v.master != nil {
		return errorReply(tapsigner.CardCodeInvalidState, "already set up")
	}
	if len(req.ChainCode) != 32 {
		return errorReply(tapsigner.CardCodeBadArguments, "chain code")
	}
	if err := v.provision(req.ChainCode); err != nil {
		return errorReply(tapsigner.CardCodeInvalidState, err.Error())
	}
	return v.withNonce(map[string]any{"slot": 0})
}

// provision creates the wallet. Caller holds mu or owns v exclusively.
func (v *VirtualCard) provision(chainCode []byte) error {
	seed := sha256.Sum256(append(v.cardKey.Serialize(), chainCode...))
	master, err := hdkeychain.NewMaster(seed[:], v.net)
	if err != nil {
		return err
	}
	v.master = master
	v.path = append([]uint32(nil), tapsigner.DefaultDerivationPath...)
	return nil
}

func (v *VirtualCard) handleBackup() map[string]any {
	if v.master == nil {
		return errorReply(tapsigner.CardCodeInvalidState, "no wallet")
	}
	v.numBackups++
	plain := []byte(v.master.String())
	mask := sha256.Sum256(v.cardKey.Serialize())
	data := make([]byte, len(plain))
	for i := range plain {
		data[i] = plain[i] ^ mask[i%len(mask)]
	}
	return v.withNonce(map[string]any{"data": data})
}

func (v *VirtualCard) handleDerive(req *cardRequest) map[string]any {
	if v.master == nil {
		return errorReply(tapsigner.CardCodeInvalidState, "no wallet")
	}
	if v.numBackups == 0 {
		return errorReply(tapsigner.CardCodeBackupFirst, "backup first")
	}
	if len(req.Nonce) != 16 {
		return errorReply(tapsigner.CardCodeWeakNonce, "weak nonce")
	}
	for _, c := range req.Path {
		if c&tapsigner.Hardened == 0 {
			return errorReply(tapsigner.CardCodeBadArguments, "path must be hardened")
		}
	}
	key, err := v.deriveLocked(req.Path)
	if err != nil {
		return errorReply(tapsigner.CardCodeBadArguments, err.Error())
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return errorReply(tapsigner.CardCodeInvalidState, err.Error())
	}
	masterPriv, err := v.master.ECPrivKey()
	if err != nil {
		return errorReply(tapsigner.CardCodeInvalidState, err.Error())
	}
	masterPub, err := v.master.ECPubKey()
	if err != nil {
		return errorReply(tapsigner.CardCodeInvalidState, err.Error())
	}

	chainCode := key.ChainCode()
	msg := append([]byte("OPENDIME"), v.lastNonce...)
	msg = append(msg, req.Nonce...)
	msg = append(msg, chainCode...)
	digest := sha256.Sum256(msg)
	v.path = append([]uint32(nil), req.Path...)

	return v.withNonce(map[string]any{
		"sig":           compactSig(masterPriv, digest[:]),
		"chain_code":    chainCode,
		"master_pubkey": masterPub.SerializeCompressed(),
		"pubkey":        pub.SerializeCompressed(),
	})
}

func (v *VirtualCard) handleXPub(req *cardRequest) map[string]any {
	if v.master == nil {
		return errorReply(tapsigner.CardCodeInvalidState, "no wallet")
	}
	key := v.master
	if !req.Master {
		derived, err := v.deriveLocked(v.path)
		if err != nil {
			return errorReply(tapsigner.CardCodeInvalidState, err.Error())
		}
		key = derived
	}
	pub, err := key.Neuter()
	if err != nil {
		return errorReply(tapsigner.CardCodeInvalidState, err.Error())
	}
	raw := base58.Decode(pub.String())
	return v.withNonce(map[string]any{"xpub": raw[:len(raw)-4]})
}

func (v *VirtualCard) handleChange(req *cardRequest, sk [32]byte) map[string]any {
	if len(req.Data) < cktap.MinPINLength || len(req.Data) > cktap.MaxPINLength {
		return errorReply(tapsigner.CardCodeBadArguments, "bad PIN length")
	}
	newCVC := make([]byte, len(req.Data))
	for i := range newCVC {
		newCVC[i] = req.Data[i] ^ sk[i]
	}
	v.cvc = string(newCVC)
	return v.withNonce(map[string]any{"success": true})
}

func (v *VirtualCard) handleSign(req *cardRequest, sk [32]byte) map[string]any {
	if v.master == nil {
		return errorReply(tapsigner.CardCodeInvalidState, "no wallet")
	}
	if len(req.Digest) != 32 || len(req.Subpath) > 2 {
		return errorReply(tapsigner.CardCodeBadArguments, "bad digest or subpath")
	}
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = req.Digest[i] ^ sk[i]
	}
	key, err := v.deriveLocked(append(append([]uint32(nil), v.path...), req.Subpath...))
	if err != nil {
		return errorReply(tapsigner.CardCodeBadArguments, err.Error())
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return errorReply(tapsigner.CardCodeInvalidState, err.Error())
	}
	return v.withNonce(map[string]any{
		"slot":   req.Slot,
		"sig":    compactSig(priv, digest),
		"pubkey": priv.PubKey().SerializeCompressed(),
	})
}

func (v *VirtualCard) statusLocked() map[string]any {
	status := map[string]any{
		"proto":       1,
		"ver":         CardVersion,
		"birth":       700_000,
		"tapsigner":   true,
		"pubkey":      v.cardKey.PubKey().SerializeCompressed(),
		"card_nonce":  v.nonce,
		"num_backups": v.numBackups,
	}
	if v.master != nil {
		status["path"] = v.path
	}
	if v.authDelay > 0 {
		status["auth_delay"] = v.authDelay
	}
	return status
}

func (v *VirtualCard) deriveLocked(path []uint32) (*hdkeychain.ExtendedKey, error) {
	if v.master == nil {
		return nil, errNoWallet
	}
	key := v.master
	for _, idx := range path {
		child, err := key.Derive(idx)
		if err != nil {
			return nil, err
		}
		key = child
	}
	return key, nil
}

// withNonce rotates the nonce and adds it to reply
func (v *VirtualCard) withNonce(reply map[string]any) map[string]any {
	v.nonce = randomBytes(16)
	reply["card_nonce"] = v.nonce
	return reply
}

func (*VirtualCard) respond(reply map[string]any) []byte {
	body, err := cbor.Marshal(reply)
	if err != nil {
		return statusWord(0x6F, 0x00)
	}
	rapdu := apdu.Rapdu{Data: body, SW1: 0x90, SW2: 0x00}
	raw, err := rapdu.Bytes()
	if err != nil {
		return statusWord(0x6F, 0x00)
	}
	return raw
}

func errorReply(code int, msg string) map[string]any {
	return map[string]any{"error": msg, "code": code}
}

func statusWord(sw1, sw2 byte) []byte {
	return []byte{sw1, sw2}
}

// compactSig signs digest and drops the recovery byte, leaving r||s
func compactSig(priv *btcec.PrivateKey, digest []byte) []byte {
	sig, err := ecdsa.SignCompact(priv, digest, true)
	if err != nil {
		panic(fmt.Sprintf("sign: %v", err))
	}
	return sig[1:]
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("random: %v", err))
	}
	return b
}
