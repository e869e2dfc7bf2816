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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryConfig configures caller-level retries. Sessions never retry on their
// own; a retry here is a whole new session and usually a new tap.
type RetryConfig struct {
	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsRetryableByTap.
	Retryable func(error) bool
	// OnRetry runs between attempts, typically to ask the user to tap again.
	OnRetry func(attempt int, err error)
	// MaxAttempts caps the number of sessions run; zero runs once with no retry.
	MaxAttempts int
	// InitialBackoff is the pause after the first failed attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the pause between attempts.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the pause after every failure.
	BackoffMultiplier float64
	// Jitter stretches each pause by up to this fraction, at random.
	Jitter float64
	// RetryTimeout bounds all attempts together; zero leaves only ctx.
	RetryTimeout time.Duration
}

// DefaultRetryConfig allows three taps with a short, growing pause between them.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// RetryableFunc runs one attempt, normally one whole session.
type RetryableFunc func() error

// RetryWithConfig calls attempt until it succeeds, fails with an error the
// config does not retry, or runs out of attempts or time. The last attempt's
// error is returned when retries are exhausted or ctx ends between attempts.
func RetryWithConfig(ctx context.Context, config *RetryConfig, attempt RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return attempt()
	}

	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	retryable := config.Retryable
	if retryable == nil {
		retryable = IsRetryableByTap
	}

	var lastErr error
	pause := config.InitialBackoff
	for n := 1; n <= config.MaxAttempts; n++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("retry context cancelled: %w", ctx.Err())
		}

		err := attempt()
		if err == nil || !retryable(err) {
			return err
		}
		lastErr = err
		if n == config.MaxAttempts {
			break
		}

		if !waitFor(ctx, calculateJitteredSleep(pause, config.Jitter)) {
			return lastErr
		}
		pause = calculateNextBackoff(pause, config)
		if config.OnRetry != nil {
			config.OnRetry(n, lastErr)
		}
	}
	return lastErr
}

// waitFor sleeps for d and reports false if ctx ended first.
func waitFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func calculateNextBackoff(pause time.Duration, config *RetryConfig) time.Duration {
	next := time.Duration(float64(pause) * config.BackoffMultiplier)
	if config.MaxBackoff > 0 && next > config.MaxBackoff {
		return config.MaxBackoff
	}
	return next
}

// calculateJitteredSleep lengthens base by a random share of up to jitter.
// If crypto/rand fails the pause is left as is.
func calculateJitteredSleep(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return base
	}
	share := float64(binary.LittleEndian.Uint64(buf[:])) / float64(1<<64)
	return base + time.Duration(share*float64(base)*jitter)
}
