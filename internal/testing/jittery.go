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
	"math/rand/v2"
	"time"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/ZaparooProject/go-tapsigner/internal/syncutil"
)

// JitterConfig configures the behavior of JitteryChannel.
type JitterConfig struct {
	MaxLatency    time.Duration
	StallDuration time.Duration
	StallAfter    int // exchanges before a single stall
	DropAfter     int // exchanges before the link drops, 0 disables
	Seed          uint64
}

// DefaultJitterConfig returns a configuration resembling a slow USB reader.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatency: 20 * time.Millisecond,
	}
}

// JitteryChannel wraps a Channel to simulate reader latency, stalls and
// a card that drifts out of the field partway through a conversation.
type JitteryChannel struct {
	backend   tapsigner.Channel
	rng       *rand.Rand
	config    JitterConfig
	exchanges int
	mu        syncutil.Mutex
	stalled   bool
}

// NewJitteryChannel wraps backend with jitter simulation.
func NewJitteryChannel(backend tapsigner.Channel, config JitterConfig) *JitteryChannel {
	var rng *rand.Rand
	if config.Seed != 0 {
		rng = rand.New(rand.NewPCG(config.Seed, config.Seed^0xDEADBEEF)) //nolint:gosec // Test code, not crypto
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // Test code, not crypto
	}
	return &JitteryChannel{
		backend: backend,
		config:  config,
		rng:     rng,
	}
}

// Transceive delays, then forwards the frame to the backend.
func (j *JitteryChannel) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	j.mu.Lock()
	j.exchanges++
	count := j.exchanges
	var delay time.Duration
	if j.config.MaxLatency > 0 {
		delay = time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1))
	}
	if j.config.StallAfter > 0 && !j.stalled && count > j.config.StallAfter {
		j.stalled = true
		delay += j.config.StallDuration
	}
	j.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if j.config.DropAfter > 0 && count > j.config.DropAfter {
		return nil, tapsigner.NewTransportError("transceive", tapsigner.ErrCardLost)
	}
	return j.backend.Transceive(ctx, frame) //nolint:wrapcheck // Pass-through wrapper
}

// Close closes the backend channel.
func (j *JitteryChannel) Close() error {
	return j.backend.Close() //nolint:wrapcheck // Pass-through wrapper
}

// Exchanges returns how many frames were attempted
func (j *JitteryChannel) Exchanges() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exchanges
}
