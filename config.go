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
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultSessionTimeout bounds a session from discovery to result.
const DefaultSessionTimeout = 90 * time.Second

// Config holds session controller options
type Config struct {
	// Timeout is the deadline for one session, measured from discovery start
	Timeout time.Duration
	// ProgressBuffer is the capacity of the progress channel; full means dropped
	ProgressBuffer int
	// TraceDepth is the number of wire frames kept for error reports
	TraceDepth int
	// MaxExchanges bounds the frames one command may exchange in a session
	MaxExchanges int
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:        DefaultSessionTimeout,
		ProgressBuffer: 8,
		TraceDepth:     16,
		MaxExchanges:   32,
	}
}

func (c *Config) withDefaults() *Config {
	out := *DefaultConfig()
	if c == nil {
		return &out
	}
	if c.Timeout > 0 {
		out.Timeout = c.Timeout
	}
	if c.ProgressBuffer > 0 {
		out.ProgressBuffer = c.ProgressBuffer
	}
	if c.TraceDepth > 0 {
		out.TraceDepth = c.TraceDepth
	}
	if c.MaxExchanges > 0 {
		out.MaxExchanges = c.MaxExchanges
	}
	return &out
}

// Option configures a Controller
type Option func(*Controller)

// WithConfig replaces the controller configuration. Zero fields keep their defaults.
func WithConfig(cfg *Config) Option {
	return func(c *Controller) {
		c.config = cfg.withDefaults()
	}
}

// WithTimeout sets the session deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		if timeout > 0 {
			c.config.Timeout = timeout
		}
	}
}

// WithLogger sets the logger used for session events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithIDGenerator replaces the session id source.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) {
		if gen != nil {
			c.newID = gen
		}
	}
}

func newSessionID() string {
	return uuid.NewString()
}
