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

// Package libnfc drives any libnfc-supported reader as a tapsigner.Transport.
package libnfc

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
	"github.com/clausecker/nfc/v2"
)

// maxFrame is the largest extended-length reply libnfc hands back
const maxFrame = 262

// device is the part of nfc.Device the transport uses
type device interface {
	InitiatorInit() error
	InitiatorListPassiveTargets(m nfc.Modulation) ([]nfc.Target, error)
	InitiatorTransceiveBytes(tx, rx []byte, timeout int) (int, error)
	InitiatorDeselectTarget() error
	AbortCommand() error
	Close() error
	Connection() string
}

// Config configures the transport
type Config struct {
	PollInterval time.Duration
	// ExchangeTimeout in milliseconds; 0 lets libnfc pick
	ExchangeTimeout int
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{PollInterval: 150 * time.Millisecond, ExchangeTimeout: 0}
}

// Transport is a libnfc-backed tapsigner.Transport
type Transport struct {
	dev         device
	config      *Config
	mu          syncutil.Mutex // serializes device access
	enabled     atomic.Bool
	initialized atomic.Bool
}

// Open opens the libnfc device named by connstring; empty means the default device.
func Open(connstring string, config *Config) (*Transport, error) {
	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("failed to open libnfc device %q: %w", connstring, err)
	}
	return newTransport(dev, config), nil
}

func newTransport(dev device, config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	return &Transport{dev: dev, config: config}
}

// ListReaders returns the connstrings of attached libnfc devices
func ListReaders() ([]string, error) {
	devices, err := nfc.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list NFC devices: %w", err)
	}
	return devices, nil
}

// EnableDiscovery puts the device in initiator mode on first use
func (t *Transport) EnableDiscovery(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.initialized.Load() {
		t.mu.Lock()
		err := t.dev.InitiatorInit()
		t.mu.Unlock()
		if err != nil {
			return tapsigner.NewTransportError("init",
				fmt.Errorf("%w: %w", tapsigner.ErrHardwareUnavailable, err))
		}
		t.initialized.Store(true)
	}
	t.enabled.Store(true)
	return nil
}

// Discover polls for an ISO 14443-4A target
func (t *Transport) Discover(ctx context.Context) (tapsigner.CardHandle, error) {
	modulation := nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}
	for {
		if err := ctx.Err(); err != nil {
			return tapsigner.CardHandle{}, err
		}
		if !t.enabled.Load() {
			return tapsigner.CardHandle{}, tapsigner.NewTransportError("discover", tapsigner.ErrHardwareUnavailable)
		}

		t.mu.Lock()
		targets, err := t.dev.InitiatorListPassiveTargets(modulation)
		t.mu.Unlock()
		if err != nil {
			if isFatal(err) {
				return tapsigner.CardHandle{}, tapsigner.NewTransportError("discover",
					fmt.Errorf("%w: %w", tapsigner.ErrHardwareUnavailable, err))
			}
			tapsigner.Debugf("libnfc: list targets failed, continuing: %v", err)
		}

		for _, target := range targets {
			iso, ok := target.(*nfc.ISO14443aTarget)
			if !ok || iso.Sak&0x20 == 0 {
				continue
			}
			n := iso.UIDLen
			if n <= 0 || n > len(iso.UID) {
				continue
			}
			return tapsigner.CardHandle{
				UID:        strings.ToUpper(hex.EncodeToString(iso.UID[:n])),
				Reader:     t.dev.Connection(),
				DetectedAt: time.Now(),
			}, nil
		}

		select {
		case <-ctx.Done():
			return tapsigner.CardHandle{}, ctx.Err()
		case <-time.After(t.config.PollInterval):
		}
	}
}

// Connect returns a channel to the target selected by Discover
func (t *Transport) Connect(ctx context.Context, _ tapsigner.CardHandle) (tapsigner.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &channel{owner: t}, nil
}

// DisableDiscovery stops Discover and aborts a blocking libnfc call
func (t *Transport) DisableDiscovery() error {
	if !t.enabled.Swap(false) {
		return nil
	}
	if err := t.dev.AbortCommand(); err != nil && !isAborted(err) {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

// Type implements tapsigner.Transport
func (*Transport) Type() tapsigner.TransportType {
	return tapsigner.TransportLibNFC
}

// Close closes the device
func (t *Transport) Close() error {
	_ = t.DisableDiscovery()
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.dev.Close(); err != nil {
		return fmt.Errorf("close libnfc device: %w", err)
	}
	return nil
}

type channel struct {
	owner  *Transport
	closed atomic.Bool
}

func (c *channel) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, tapsigner.NewTransportError("transceive", tapsigner.ErrChannelClosed)
	}

	// libnfc blocks in C; abort it if ctx ends first
	stop := context.AfterFunc(ctx, func() { _ = c.owner.dev.AbortCommand() })
	defer stop()

	var rx [maxFrame]byte
	c.owner.mu.Lock()
	n, err := c.owner.dev.InitiatorTransceiveBytes(frame, rx[:], c.owner.config.ExchangeTimeout)
	c.owner.mu.Unlock()
	if err == nil {
		return append([]byte(nil), rx[:n]...), nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case isCardGone(err):
		return nil, tapsigner.NewTransportError("transceive", fmt.Errorf("%w: %w", tapsigner.ErrCardLost, err))
	default:
		return nil, tapsigner.NewTransportError("transceive", fmt.Errorf("%w: %w", tapsigner.ErrLinkLost, err))
	}
}

func (c *channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.owner.mu.Lock()
	err := c.owner.dev.InitiatorDeselectTarget()
	c.owner.mu.Unlock()
	if err != nil && !isCardGone(err) {
		return fmt.Errorf("deselect: %w", err)
	}
	return nil
}

func errorCode(err error) (nfc.Error, bool) {
	var code nfc.Error
	if errors.As(err, &code) {
		return code, true
	}
	return 0, false
}

// isCardGone reports libnfc errors raised when the card leaves the field
func isCardGone(err error) bool {
	code, ok := errorCode(err)
	if !ok {
		return false
	}
	switch code {
	case nfc.ETIMEOUT, nfc.ETGRELEASED, nfc.ERFTRANS:
		return true
	default:
		return false
	}
}

// isFatal reports errors after which the device must be reopened
func isFatal(err error) bool {
	code, ok := errorCode(err)
	return ok && code == nfc.EIO
}

func isAborted(err error) bool {
	code, ok := errorCode(err)
	return ok && code == nfc.EOPABORTED
}
