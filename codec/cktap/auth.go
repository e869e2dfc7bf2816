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
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var errNoCardKey = errors.New("card public key not known yet")

// SessionKey derives the symmetric key shared by priv and pub:
// sha256 of the compressed ECDH point.
func SessionKey(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) [32]byte {
	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()
	shared := secp256k1.NewPublicKey(&result.X, &result.Y)
	return sha256.Sum256(shared.SerializeCompressed())
}

// CVCMask returns the mask applied to a CVC for cmd under sessionKey and cardNonce.
func CVCMask(sessionKey [32]byte, cardNonce []byte, cmd string, n int) []byte {
	md := sha256.Sum256(append(append([]byte(nil), cardNonce...), cmd...))
	mask := xor(sessionKey[:], md[:])
	if n > len(mask) {
		n = len(mask)
	}
	return mask[:n]
}

// authenticator produces the auth fields for one command
type authenticator struct {
	cardPub    *secp256k1.PublicKey
	genKey     func() (*secp256k1.PrivateKey, error)
	sessionKey [32]byte
}

// sign creates a fresh ephemeral key, stores the session key and masks cvc.
func (a *authenticator) sign(cvc string, cardNonce []byte, cmd string) (auth, error) {
	if a.cardPub == nil {
		return auth{}, errNoCardKey
	}
	eph, err := a.genKey()
	if err != nil {
		return auth{}, err
	}
	a.sessionKey = SessionKey(eph, a.cardPub)
	mask := CVCMask(a.sessionKey, cardNonce, cmd, len(cvc))
	return auth{
		EphemeralPubKey: eph.PubKey().SerializeCompressed(),
		XCVC:            xor([]byte(cvc), mask),
	}, nil
}

// encrypt masks data with the current session key
func (a *authenticator) encrypt(data []byte) []byte {
	return xor(data, a.sessionKey[:len(data)])
}

// xor returns a^b over the length of a. b must be at least as long as a.
func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
