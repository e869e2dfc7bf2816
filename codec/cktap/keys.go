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
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const openDime = "OPENDIME"

// serializedXPubLen is version(4) depth(1) parent(4) child(4) chain code(32) key(33)
const serializedXPubLen = 78

var errBadSignature = errors.New("card signature does not verify")

// EncodeXPub re-encodes the card's serialized extended key for net.
func EncodeXPub(raw []byte, net *chaincfg.Params) (string, error) {
	if len(raw) != serializedXPubLen {
		return "", fmt.Errorf("%w: xpub is %d bytes", tapsigner.ErrMalformedFrame, len(raw))
	}
	depth := raw[4]
	parentFP := raw[5:9]
	childNum := binary.BigEndian.Uint32(raw[9:13])
	chainCode := raw[13:45]
	key := raw[45:78]
	if _, err := btcec.ParsePubKey(key); err != nil {
		return "", fmt.Errorf("%w: xpub key: %w", tapsigner.ErrMalformedFrame, err)
	}

	ext := hdkeychain.NewExtendedKey(net.HDPublicKeyID[:], key, chainCode, parentFP, depth, childNum, false)
	return ext.String(), nil
}

// Fingerprint is the BIP-32 fingerprint of a compressed public key
func Fingerprint(pubkey []byte) [4]byte {
	var fp [4]byte
	copy(fp[:], btcutil.Hash160(pubkey)[:4])
	return fp
}

// deriveMessage is what the card signs to prove it holds the master key
func deriveMessage(cardNonce, appNonce, chainCode []byte) [32]byte {
	msg := make([]byte, 0, len(openDime)+len(cardNonce)+len(appNonce)+len(chainCode))
	msg = append(msg, openDime...)
	msg = append(msg, cardNonce...)
	msg = append(msg, appNonce...)
	msg = append(msg, chainCode...)
	return sha256.Sum256(msg)
}

// verifyCompact checks a 64-byte r||s signature over digest
func verifyCompact(sig, digest, pubkey []byte) error {
	if len(sig) != 64 {
		return fmt.Errorf("%w: signature is %d bytes", tapsigner.ErrMalformedFrame, len(sig))
	}
	pub, err := btcec.ParsePubKey(pubkey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %w", tapsigner.ErrMalformedFrame, err)
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return errBadSignature
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return errBadSignature
	}
	if !ecdsa.NewSignature(&r, &s).Verify(digest, pub) {
		return errBadSignature
	}
	return nil
}
