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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Microsecond,
		MaxBackoff:        10 * time.Microsecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	t.Parallel()

	config := DefaultRetryConfig()
	assert.Positive(t, config.MaxAttempts)
	assert.Greater(t, config.MaxBackoff, config.InitialBackoff)
	assert.Greater(t, config.BackoffMultiplier, 1.0)
	assert.Nil(t, config.Retryable)
}

func TestCalculateNextBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		config  *RetryConfig
		name    string
		current time.Duration
		want    time.Duration
	}{
		{
			name:    "doubles",
			current: 100 * time.Millisecond,
			config:  &RetryConfig{BackoffMultiplier: 2.0, MaxBackoff: 5 * time.Second},
			want:    200 * time.Millisecond,
		},
		{
			name:    "capped",
			current: 3 * time.Second,
			config:  &RetryConfig{BackoffMultiplier: 2.0, MaxBackoff: 5 * time.Second},
			want:    5 * time.Second,
		},
		{
			name:    "fractional",
			current: 200 * time.Millisecond,
			config:  &RetryConfig{BackoffMultiplier: 1.5, MaxBackoff: 10 * time.Second},
			want:    300 * time.Millisecond,
		},
		{
			name:    "no cap",
			current: 10 * time.Second,
			config:  &RetryConfig{BackoffMultiplier: 3.0},
			want:    30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, calculateNextBackoff(tt.current, tt.config))
		})
	}
}

func TestCalculateJitteredSleep(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	assert.Equal(t, base, calculateJitteredSleep(base, 0))

	for range 100 {
		got := calculateJitteredSleep(base, 0.5)
		assert.GreaterOrEqual(t, got, base)
		assert.LessOrEqual(t, got, base+base/2)
	}
}

func TestRetryWithConfig(t *testing.T) {
	t.Parallel()

	t.Run("re-tap after card lost", func(t *testing.T) {
		t.Parallel()
		calls := 0
		var retried []int
		config := fastRetryConfig(3)
		config.OnRetry = func(attempt int, err error) {
			retried = append(retried, attempt)
			assert.ErrorIs(t, err, ErrCardLost)
		}

		err := RetryWithConfig(context.Background(), config, func() error {
			calls++
			if calls < 3 {
				return NewTransportError("transceive", ErrCardLost)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, retried)
	})

	t.Run("protocol errors are not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := RetryWithConfig(context.Background(), fastRetryConfig(5), func() error {
			calls++
			return NewProtocolError("parse", ErrMalformedFrame)
		})
		require.ErrorIs(t, err, ErrMalformedFrame)
		assert.Equal(t, 1, calls)
	})

	t.Run("auth is not retried by tap", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := RetryWithConfig(context.Background(), fastRetryConfig(5), func() error {
			calls++
			return &CardError{Code: CardCodeBadAuth}
		})
		require.ErrorIs(t, err, ErrAuth)
		assert.Equal(t, 1, calls)
	})

	t.Run("custom predicate", func(t *testing.T) {
		t.Parallel()
		calls := 0
		config := fastRetryConfig(4)
		config.Retryable = IsRetryable
		err := RetryWithConfig(context.Background(), config, func() error {
			calls++
			return &CardError{Code: CardCodeBadAuth}
		})
		require.ErrorIs(t, err, ErrAuth)
		assert.Equal(t, 4, calls)
	})

	t.Run("exhausted returns last error", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := RetryWithConfig(context.Background(), fastRetryConfig(2), func() error {
			calls++
			return NewClassifiedError(ErrorKindTimeout, "session", ErrTimeout)
		})
		require.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 2, calls)
	})

	t.Run("no retries configured", func(t *testing.T) {
		t.Parallel()
		calls := 0
		sentinel := errors.New("once")
		err := RetryWithConfig(context.Background(), &RetryConfig{}, func() error {
			calls++
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := RetryWithConfig(ctx, fastRetryConfig(3), func() error {
			calls++
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})

	t.Run("overall timeout", func(t *testing.T) {
		t.Parallel()
		config := fastRetryConfig(1000)
		config.InitialBackoff = 5 * time.Millisecond
		config.MaxBackoff = 5 * time.Millisecond
		config.RetryTimeout = 30 * time.Millisecond

		start := time.Now()
		err := RetryWithConfig(context.Background(), config, func() error {
			return NewTransportError("discover", ErrLinkLost)
		})
		require.ErrorIs(t, err, ErrLinkLost)
		assert.Less(t, time.Since(start), time.Second)
	})
}
