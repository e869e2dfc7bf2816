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

// Package pn532link drives a PN532 reader as a tapsigner.Transport.
// Cards are found with InListPassiveTarget and spoken to with InDataExchange,
// which carries ISO 14443-4 APDUs.
package pn532link

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	pn532 "github.com/ZaparooProject/go-pn532"
	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/ZaparooProject/go-tapsigner/internal/syncutil"
)

// PN532 status codes that mean the card left the field
const (
	statusTimeout         byte = 0x01
	statusTargetReleased  byte = 0x29
	statusCardDisappeared byte = 0x2B
)

// sakISO14443_4 marks a target that speaks ISO 14443-4 (T=CL)
const sakISO14443_4 = 0x20

const (
	brTy106TypeA = 0x00
	releaseGrace = 500 * time.Millisecond
)

// device is the part of *pn532.Device this transport drives
type device interface {
	InitContext(ctx context.Context) error
	InListPassiveTargetWithTimeoutContext(ctx context.Context, maxTg, brTy, mxRtyATR byte) ([]*pn532.DetectedTag, error)
	SendDataExchangeContext(ctx context.Context, data []byte) ([]byte, error)
	InReleaseContext(ctx context.Context, targetNumber byte) error
	Close() error
}

// Config holds polling configuration options
type Config struct {
	// Path names the reader in card handles and logs
	Path         string
	PollInterval time.Duration
	// HardwareTimeoutRetries is passed as mxRtyATR to InListPassiveTarget.
	// Each retry is about 150ms; keep it low so discovery stays cancellable.
	HardwareTimeoutRetries byte
}

// DefaultConfig returns the default polling configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval:           100 * time.Millisecond,
		HardwareTimeoutRetries: 0x05,
	}
}

// Transport is a PN532-backed tapsigner.Transport
type Transport struct {
	dev         device
	config      *Config
	mu          syncutil.Mutex // serializes device access
	enabled     atomic.Bool
	initialized atomic.Bool
}

// New wraps an open PN532 device
func New(dev *pn532.Device, config *Config) *Transport {
	return newTransport(dev, config)
}

func newTransport(dev device, config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	return &Transport{dev: dev, config: config}
}

// EnableDiscovery initializes the reader on first use and starts accepting Discover calls
func (t *Transport) EnableDiscovery(ctx context.Context) error {
	if !t.initialized.Load() {
		t.mu.Lock()
		err := t.dev.InitContext(ctx)
		t.mu.Unlock()
		if err != nil {
			return tapsigner.NewTransportError("init",
				fmt.Errorf("%w: %w", tapsigner.ErrHardwareUnavailable, err))
		}
		t.initialized.Store(true)
	}
	t.enabled.Store(true)
	tapsigner.Debugf("pn532: discovery enabled on %s", t.config.Path)
	return nil
}

// Discover polls until an ISO 14443-4 card is in the field
func (t *Transport) Discover(ctx context.Context) (tapsigner.CardHandle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return tapsigner.CardHandle{}, err
		}
		if !t.enabled.Load() {
			return tapsigner.CardHandle{}, tapsigner.NewTransportError("discover", tapsigner.ErrHardwareUnavailable)
		}

		tag, err := t.poll(ctx)
		switch {
		case err != nil && pn532.IsFatal(err):
			return tapsigner.CardHandle{}, tapsigner.NewTransportError("discover",
				fmt.Errorf("%w: %w", tapsigner.ErrHardwareUnavailable, err))
		case err != nil && ctx.Err() != nil:
			return tapsigner.CardHandle{}, ctx.Err()
		case err != nil:
			tapsigner.Debugf("pn532: poll failed, continuing: %v", err)
		case tag != nil && tag.SAK&sakISO14443_4 == 0:
			tapsigner.Debugf("pn532: ignoring tag %s (SAK %02X), not ISO 14443-4", tag.UID, tag.SAK)
		case tag != nil:
			return tapsigner.CardHandle{
				UID:        tag.UID,
				Reader:     t.config.Path,
				Target:     1,
				DetectedAt: tag.DetectedAt,
			}, nil
		}

		select {
		case <-ctx.Done():
			return tapsigner.CardHandle{}, ctx.Err()
		case <-time.After(t.config.PollInterval):
		}
	}
}

func (t *Transport) poll(ctx context.Context) (*pn532.DetectedTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tags, err := t.dev.InListPassiveTargetWithTimeoutContext(ctx, 1, brTy106TypeA, t.config.HardwareTimeoutRetries)
	if err != nil {
		if isCardGone(err) || errors.Is(err, pn532.ErrNoTagDetected) {
			return nil, nil
		}
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags[0], nil
}

// Connect opens a channel to the target found by Discover
func (t *Transport) Connect(ctx context.Context, card tapsigner.CardHandle) (tapsigner.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := card.Target
	if target == 0 {
		target = 1
	}
	return &channel{owner: t, target: target}, nil
}

// DisableDiscovery stops Discover. The PN532 only polls on request, so the
// radio is idle once no InListPassiveTarget is in flight.
func (t *Transport) DisableDiscovery() error {
	t.enabled.Store(false)
	return nil
}

// Type implements tapsigner.Transport
func (*Transport) Type() tapsigner.TransportType {
	return tapsigner.TransportPN532
}

// Close closes the underlying reader
func (t *Transport) Close() error {
	t.enabled.Store(false)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.dev.Close(); err != nil {
		return fmt.Errorf("close pn532: %w", err)
	}
	return nil
}

type channel struct {
	owner  *Transport
	closed atomic.Bool
	target byte
}

func (c *channel) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, tapsigner.NewTransportError("transceive", tapsigner.ErrChannelClosed)
	}
	c.owner.mu.Lock()
	resp, err := c.owner.dev.SendDataExchangeContext(ctx, frame)
	c.owner.mu.Unlock()
	if err == nil {
		return resp, nil
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
	ctx, cancel := context.WithTimeout(context.Background(), releaseGrace)
	defer cancel()
	c.owner.mu.Lock()
	err := c.owner.dev.InReleaseContext(ctx, c.target)
	c.owner.mu.Unlock()
	if err != nil && !isCardGone(err) {
		return fmt.Errorf("release target %d: %w", c.target, err)
	}
	return nil
}

// isCardGone reports PN532 status codes raised when the card leaves the field
func isCardGone(err error) bool {
	var pe *pn532.PN532Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.ErrorCode {
	case statusTimeout, statusTargetReleased, statusCardDisappeared:
		return true
	default:
		return false
	}
}
