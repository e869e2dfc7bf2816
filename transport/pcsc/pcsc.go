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

// Package pcsc drives a PC/SC contactless reader as a tapsigner.Transport.
package pcsc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/ZaparooProject/go-tapsigner/internal/syncutil"
	"github.com/ebfe/scard"
)

// getUIDAPDU is the PC/SC pseudo-APDU that returns the card UID
var getUIDAPDU = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

// card is the part of *scard.Card a channel uses
type card interface {
	Transmit(cmd []byte) ([]byte, error)
	Disconnect(d scard.Disposition) error
}

// pcscContext is the part of *scard.Context the transport uses
type pcscContext interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (card, error)
	Cancel() error
	Release() error
}

type scardContext struct {
	*scard.Context
}

func (c scardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (card, error) {
	c2, err := c.Context.Connect(reader, mode, proto)
	if err != nil {
		return nil, err //nolint:wrapcheck // adapter
	}
	return c2, nil
}

// Config configures the transport
type Config struct {
	// Reader restricts discovery to one reader name; empty means any
	Reader string
	// PollTimeout bounds each GetStatusChange wait so cancellation is prompt
	PollTimeout time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{PollTimeout: 250 * time.Millisecond}
}

// Transport is a PC/SC-backed tapsigner.Transport
type Transport struct {
	ctx     pcscContext
	config  *Config
	pending card
	reader  string
	mu      syncutil.Mutex
	enabled atomic.Bool
}

// Open establishes a PC/SC context
func Open(config *Config) (*Transport, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	return newTransport(scardContext{ctx}, config), nil
}

func newTransport(ctx pcscContext, config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	return &Transport{ctx: ctx, config: config}
}

// ListReaders returns the names of attached PC/SC readers
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	defer func() { _ = ctx.Release() }()
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return readers, nil
}

// EnableDiscovery implements tapsigner.Transport
func (t *Transport) EnableDiscovery(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.readers(); err != nil {
		return err
	}
	t.enabled.Store(true)
	return nil
}

func (t *Transport) readers() ([]string, error) {
	if t.config.Reader != "" {
		return []string{t.config.Reader}, nil
	}
	readers, err := t.ctx.ListReaders()
	if err != nil {
		return nil, tapsigner.NewTransportError("list readers",
			fmt.Errorf("%w: %w", tapsigner.ErrHardwareUnavailable, err))
	}
	if len(readers) == 0 {
		return nil, tapsigner.NewTransportError("list readers", tapsigner.ErrHardwareUnavailable)
	}
	return readers, nil
}

// Discover waits for a card on any reader, connects and reads its UID.
func (t *Transport) Discover(ctx context.Context) (tapsigner.CardHandle, error) {
	readers, err := t.readers()
	if err != nil {
		return tapsigner.CardHandle{}, err
	}
	states := make([]scard.ReaderState, len(readers))
	for i, r := range readers {
		states[i] = scard.ReaderState{Reader: r, CurrentState: scard.StateUnaware}
	}

	stop := context.AfterFunc(ctx, func() { _ = t.ctx.Cancel() })
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return tapsigner.CardHandle{}, err
		}
		if !t.enabled.Load() {
			return tapsigner.CardHandle{}, tapsigner.NewTransportError("discover", tapsigner.ErrHardwareUnavailable)
		}

		err := t.ctx.GetStatusChange(states, t.config.PollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, scard.ErrCancelled):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return tapsigner.CardHandle{}, ctxErr
			}
			continue
		default:
			return tapsigner.CardHandle{}, tapsigner.NewTransportError("discover",
				fmt.Errorf("%w: %w", tapsigner.ErrHardwareUnavailable, err))
		}

		for i := range states {
			event := states[i].EventState
			states[i].CurrentState = event &^ scard.StateChanged
			if event&scard.StatePresent == 0 || event&scard.StateMute != 0 {
				continue
			}
			handle, err := t.claim(states[i].Reader)
			if err != nil {
				tapsigner.Debugf("pcsc: %s: %v", states[i].Reader, err)
				continue
			}
			return handle, nil
		}
	}
}

// claim connects to the card on reader and holds the connection for Connect
func (t *Transport) claim(reader string) (tapsigner.CardHandle, error) {
	c, err := t.ctx.Connect(reader, scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		return tapsigner.CardHandle{}, fmt.Errorf("connect: %w", err)
	}
	uid := ""
	if resp, err := c.Transmit(getUIDAPDU); err == nil && len(resp) >= 2 &&
		resp[len(resp)-2] == 0x90 && resp[len(resp)-1] == 0x00 {
		uid = strings.ToUpper(hex.EncodeToString(resp[:len(resp)-2]))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled.Load() {
		// DisableDiscovery ran while we were connecting
		_ = c.Disconnect(scard.LeaveCard)
		return tapsigner.CardHandle{}, tapsigner.NewTransportError("claim", tapsigner.ErrHardwareUnavailable)
	}
	if t.pending != nil {
		_ = t.pending.Disconnect(scard.LeaveCard)
	}
	t.pending = c
	t.reader = reader

	return tapsigner.CardHandle{UID: uid, Reader: reader, DetectedAt: time.Now()}, nil
}

// Connect hands over the connection opened by Discover
func (t *Transport) Connect(ctx context.Context, handle tapsigner.CardHandle) (tapsigner.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		t.dropPendingLocked()
		return nil, err
	}
	if t.pending == nil || t.reader != handle.Reader {
		return nil, tapsigner.NewTransportError("connect", tapsigner.ErrCardLost)
	}
	ch := &channel{card: t.pending}
	t.pending = nil
	return ch, nil
}

// DisableDiscovery stops Discover and drops any connection nobody claimed
func (t *Transport) DisableDiscovery() error {
	t.enabled.Store(false)
	cancelErr := t.ctx.Cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropPendingLocked()
	if cancelErr != nil {
		return fmt.Errorf("cancel status wait: %w", cancelErr)
	}
	return nil
}

func (t *Transport) dropPendingLocked() {
	if t.pending != nil {
		_ = t.pending.Disconnect(scard.LeaveCard)
		t.pending = nil
	}
}

// Type implements tapsigner.Transport
func (*Transport) Type() tapsigner.TransportType {
	return tapsigner.TransportPCSC
}

// Close releases the PC/SC context
func (t *Transport) Close() error {
	_ = t.DisableDiscovery()
	if err := t.ctx.Release(); err != nil {
		return fmt.Errorf("release PC/SC context: %w", err)
	}
	return nil
}

type channel struct {
	card   card
	mu     syncutil.Mutex
	closed bool
}

func (c *channel) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, tapsigner.NewTransportError("transceive", tapsigner.ErrChannelClosed)
	}
	resp, err := c.card.Transmit(frame)
	if err == nil {
		return resp, nil
	}
	if isCardRemoved(err) {
		return nil, tapsigner.NewTransportError("transceive", fmt.Errorf("%w: %w", tapsigner.ErrCardLost, err))
	}
	return nil, tapsigner.NewTransportError("transceive", fmt.Errorf("%w: %w", tapsigner.ErrLinkLost, err))
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.card.Disconnect(scard.LeaveCard); err != nil && !isCardRemoved(err) {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// isCardRemoved checks if a PC/SC error means the card left the field
func isCardRemoved(err error) bool {
	switch {
	case errors.Is(err, scard.ErrRemovedCard),
		errors.Is(err, scard.ErrResetCard),
		errors.Is(err, scard.ErrNoSmartcard),
		errors.Is(err, scard.ErrUnpoweredCard):
		return true
	default:
		return false
	}
}
