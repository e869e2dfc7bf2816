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
	"bytes"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func captureConsole(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetConsoleOutput(&buf)
	t.Cleanup(func() {
		SetConsoleOutput(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
		SetDebugEnabled(false)
	})
	return &buf
}

func TestDebugf_HiddenUnlessEnabled(t *testing.T) {
	buf := captureConsole(t)

	SetDebugEnabled(false)
	Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())
	assert.False(t, DebugEnabled())

	SetDebugEnabled(true)
	Debugf("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
	assert.True(t, DebugEnabled())
}

func TestLogger_InfoAlwaysReachesConsole(t *testing.T) {
	buf := captureConsole(t)
	SetDebugEnabled(false)

	log := Logger()
	log.Info().Str("session", "abc").Msg("session completed")
	log.Debug().Msg("frame bytes")

	assert.Contains(t, buf.String(), "session completed")
	assert.Contains(t, buf.String(), `"session":"abc"`)
	assert.NotContains(t, buf.String(), "frame bytes")
}
