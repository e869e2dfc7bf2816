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
	"sync"
	"time"

	"github.com/ZaparooProject/go-tapsigner/internal/syncutil"
)

// Transport is the contactless hardware seen by the session layer.
// Implementations must honour ctx in every blocking call and leave discovery
// disabled once DisableDiscovery has returned.
type Transport interface {
	// EnableDiscovery turns on the radio listening for cards
	EnableDiscovery(ctx context.Context) error

	// Discover blocks until a card is in range or ctx is done
	Discover(ctx context.Context) (CardHandle, error)

	// Connect opens an exclusive half-duplex channel to the card
	Connect(ctx context.Context, card CardHandle) (Channel, error)

	// DisableDiscovery turns the radio listening off. It is idempotent.
	DisableDiscovery() error

	// Type returns the transport type
	Type() TransportType
}

// Channel is an open link to one card.
type Channel interface {
	// Transceive performs one request/response exchange
	Transceive(ctx context.Context, frame []byte) ([]byte, error)

	// Close releases the link. Safe to call more than once, and on failed channels.
	Close() error
}

// CardHandle identifies a card found by Discover.
type CardHandle struct {
	DetectedAt time.Time
	UID        string // UID as hex string
	Reader     string // reader the card was seen on
	Target     byte   // reader-specific target number
}

// TransportType represents the kind of reader backend
type TransportType string

const (
	// TransportPN532 is a PN532 reader over UART, I2C or SPI.
	TransportPN532 TransportType = "pn532"
	// TransportPCSC is a PC/SC smart card reader.
	TransportPCSC TransportType = "pcsc"
	// TransportLibNFC is a libnfc-supported reader.
	TransportLibNFC TransportType = "libnfc"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// FrameHandler answers one frame for MockTransport.
type FrameHandler func(ctx context.Context, frame []byte) ([]byte, error)

// MockTransport provides a scripted Transport for testing
type MockTransport struct {
	handler      FrameHandler
	discoverErr  error
	enableErr    error
	disableErr   error
	presentCh    chan struct{}
	replies      []mockReply
	channels     []*mockChannel
	frames       [][]byte
	delay        time.Duration
	enableCount  int
	disableCount int
	mu           syncutil.Mutex
	enabled      bool
	present      bool
}

type mockReply struct {
	err  error
	data []byte
}

// NewMockTransport creates a mock transport with a card already in range
func NewMockTransport() *MockTransport {
	return &MockTransport{
		present:   true,
		presentCh: make(chan struct{}),
	}
}

// EnableDiscovery implements Transport
func (m *MockTransport) EnableDiscovery(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enableCount++
	if m.enableErr != nil {
		return m.enableErr
	}
	m.enabled = true
	return nil
}

// Discover implements Transport
func (m *MockTransport) Discover(ctx context.Context) (CardHandle, error) {
	for {
		m.mu.Lock()
		err := m.discoverErr
		present := m.present
		enabled := m.enabled
		wait := m.presentCh
		m.mu.Unlock()

		if err != nil {
			return CardHandle{}, err
		}
		if !enabled {
			return CardHandle{}, NewTransportError("discover", ErrHardwareUnavailable)
		}
		if present {
			return CardHandle{UID: "04A1B2C3D4E5F6", Reader: "mock", DetectedAt: time.Now()}, nil
		}

		select {
		case <-ctx.Done():
			return CardHandle{}, ctx.Err()
		case <-wait:
		}
	}
}

// Connect implements Transport
func (m *MockTransport) Connect(ctx context.Context, _ CardHandle) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return nil, NewTransportError("connect", ErrCardLost)
	}
	ch := &mockChannel{owner: m}
	m.channels = append(m.channels, ch)
	return ch, nil
}

// DisableDiscovery implements Transport
func (m *MockTransport) DisableDiscovery() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableCount++
	m.enabled = false
	return m.disableErr
}

// Type implements Transport
func (*MockTransport) Type() TransportType {
	return TransportMock
}

type mockChannel struct {
	owner      *MockTransport
	closeCount int
	mu         sync.Mutex
	closed     bool
}

func (c *mockChannel) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, NewTransportError("transceive", ErrChannelClosed)
	}
	return c.owner.exchange(ctx, frame)
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	c.closed = true
	return nil
}

func (m *MockTransport) exchange(ctx context.Context, frame []byte) ([]byte, error) {
	m.mu.Lock()
	delay := m.delay
	m.frames = append(m.frames, append([]byte(nil), frame...))
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	m.mu.Lock()
	if !m.present {
		m.mu.Unlock()
		return nil, NewTransportError("transceive", ErrCardLost)
	}
	if len(m.replies) > 0 {
		reply := m.replies[0]
		m.replies = m.replies[1:]
		m.mu.Unlock()
		return reply.data, reply.err
	}
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		return handler(ctx, frame)
	}
	return nil, NewTransportError("transceive", ErrLinkLost)
}

// Test helper methods

// SetCardPresent places the card in range or removes it
func (m *MockTransport) SetCardPresent(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = present
	close(m.presentCh)
	m.presentCh = make(chan struct{})
}

// SetHandler answers frames that have no queued reply
func (m *MockTransport) SetHandler(handler FrameHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

// QueueReply queues a raw reply for the next frame
func (m *MockTransport) QueueReply(data []byte) {
	m.mu.Lock()
	m.replies = append(m.replies, mockReply{data: data})
	m.mu.Unlock()
}

// QueueError queues an error for the next frame
func (m *MockTransport) QueueError(err error) {
	m.mu.Lock()
	m.replies = append(m.replies, mockReply{err: err})
	m.mu.Unlock()
}

// SetDiscoverError makes Discover fail
func (m *MockTransport) SetDiscoverError(err error) {
	m.mu.Lock()
	m.discoverErr = err
	m.mu.Unlock()
}

// SetEnableError makes EnableDiscovery fail
func (m *MockTransport) SetEnableError(err error) {
	m.mu.Lock()
	m.enableErr = err
	m.mu.Unlock()
}

// SetDisableError makes DisableDiscovery return err after disabling
func (m *MockTransport) SetDisableError(err error) {
	m.mu.Lock()
	m.disableErr = err
	m.mu.Unlock()
}

// SetDelay configures a delay before every reply
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

// DiscoveryEnabled reports whether discovery is currently on
func (m *MockTransport) DiscoveryEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// DisableCount returns how many times DisableDiscovery was called
func (m *MockTransport) DisableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disableCount
}

// EnableCount returns how many times EnableDiscovery was called
func (m *MockTransport) EnableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enableCount
}

// Frames returns every frame sent so far
func (m *MockTransport) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

// ChannelCloseCounts returns the Close call count of each opened channel
func (m *MockTransport) ChannelCloseCounts() []int {
	m.mu.Lock()
	channels := append([]*mockChannel(nil), m.channels...)
	m.mu.Unlock()

	counts := make([]int, len(channels))
	for i, ch := range channels {
		ch.mu.Lock()
		counts[i] = ch.closeCount
		ch.mu.Unlock()
	}
	return counts
}
