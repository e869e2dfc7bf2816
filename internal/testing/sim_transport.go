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

package testing

import (
	"context"
	"time"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/ZaparooProject/go-tapsigner/internal/syncutil"
)

// SimTransport wraps a VirtualCard and implements tapsigner.Transport.
// It lets sessions run end to end against the emulated card, including
// the card leaving the field and coming back.
type SimTransport struct {
	card         *VirtualCard
	jitter       *JitterConfig
	presentCh    chan struct{}
	openChannels int
	frames       int
	removeAfter  int
	enableCount  int
	disableCount int
	mu           syncutil.Mutex
	enabled      bool
	present      bool
}

// NewSimTransport creates a transport with card already in the field
func NewSimTransport(card *VirtualCard) *SimTransport {
	return &SimTransport{
		card:      card,
		present:   true,
		presentCh: make(chan struct{}),
	}
}

// EnableDiscovery implements tapsigner.Transport
func (t *SimTransport) EnableDiscovery(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enableCount++
	t.enabled = true
	return nil
}

// Discover implements tapsigner.Transport
func (t *SimTransport) Discover(ctx context.Context) (tapsigner.CardHandle, error) {
	for {
		t.mu.Lock()
		enabled := t.enabled
		present := t.present
		card := t.card
		wait := t.presentCh
		t.mu.Unlock()

		if !enabled {
			return tapsigner.CardHandle{}, tapsigner.NewTransportError("discover", tapsigner.ErrHardwareUnavailable)
		}
		if present && card != nil {
			return tapsigner.CardHandle{
				UID:        card.GetUIDString(),
				Reader:     "sim",
				DetectedAt: time.Now(),
			}, nil
		}

		select {
		case <-ctx.Done():
			return tapsigner.CardHandle{}, ctx.Err()
		case <-wait:
		}
	}
}

// Connect implements tapsigner.Transport
func (t *SimTransport) Connect(ctx context.Context, _ tapsigner.CardHandle) (tapsigner.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.present || t.card == nil {
		return nil, tapsigner.NewTransportError("connect", tapsigner.ErrCardLost)
	}
	t.openChannels++
	var ch tapsigner.Channel = &simChannel{owner: t, card: t.card}
	if t.jitter != nil {
		ch = NewJitteryChannel(ch, *t.jitter)
	}
	return ch, nil
}

// DisableDiscovery implements tapsigner.Transport
func (t *SimTransport) DisableDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disableCount++
	t.enabled = false
	return nil
}

// Type implements tapsigner.Transport
func (*SimTransport) Type() tapsigner.TransportType {
	return tapsigner.TransportMock
}

type simChannel struct {
	owner  *SimTransport
	card   *VirtualCard
	closed bool
}

func (c *simChannel) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.owner.admitFrame(c) {
		return nil, tapsigner.NewTransportError("transceive", tapsigner.ErrCardLost)
	}
	return c.card.Process(frame), nil
}

func (c *simChannel) Close() error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.owner.openChannels--
	}
	return nil
}

// admitFrame counts a frame and applies a pending removal
func (t *SimTransport) admitFrame(c *simChannel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.closed {
		return false
	}
	if !t.present || t.card != c.card {
		return false
	}
	t.frames++
	if t.removeAfter > 0 && t.frames > t.removeAfter {
		t.removeAfter = 0
		t.present = false
		return false
	}
	return true
}

// Test helper methods

// SetCardPresent places the card in the field or removes it
func (t *SimTransport) SetCardPresent(present bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.present = present
	close(t.presentCh)
	t.presentCh = make(chan struct{})
}

// SetCard swaps the card in the field
func (t *SimTransport) SetCard(card *VirtualCard) {
	t.mu.Lock()
	t.card = card
	t.mu.Unlock()
}

// RemoveAfter lifts the card once n more frames have been exchanged
func (t *SimTransport) RemoveAfter(n int) {
	t.mu.Lock()
	t.frames = 0
	t.removeAfter = n
	t.mu.Unlock()
}

// SetJitter wraps channels opened from now on with jitter simulation
func (t *SimTransport) SetJitter(config JitterConfig) {
	t.mu.Lock()
	t.jitter = &config
	t.mu.Unlock()
}

// DiscoveryEnabled reports whether discovery is currently on
func (t *SimTransport) DiscoveryEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// EnableCount returns how many times EnableDiscovery was called
func (t *SimTransport) EnableCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enableCount
}

// DisableCount returns how many times DisableDiscovery was called
func (t *SimTransport) DisableCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disableCount
}

// OpenChannels returns how many channels are open
func (t *SimTransport) OpenChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openChannels
}
