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
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanupSessionLog resets the session log globals.
// Must be called in test cleanup to avoid state leakage between tests.
func cleanupSessionLog(t *testing.T) {
	t.Helper()
	logMu.Lock()
	defer logMu.Unlock()
	if sessionLogFile != nil {
		_ = sessionLogFile.Close()
	}
	sessionLogFile = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	baseLogger = buildLogger()
}

func TestInitSessionLog_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { cleanupSessionLog(t) })

	path, err := InitSessionLog(dir)
	require.NoError(t, err)
	assert.Equal(t, path, GetSessionLogPath())
	assert.Equal(t, dir, filepath.Dir(path))

	_, err = os.Stat(path)
	require.NoError(t, err, "log file should exist")

	matched, err := regexp.MatchString(`^tapsigner_\d{8}_\d{6}\.log$`, filepath.Base(path))
	require.NoError(t, err)
	assert.True(t, matched, "unexpected log file name %s", path)
}

func TestSessionLog_ReceivesDebugLines(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })
	SetDebugEnabled(false)

	path, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)

	Debugf("select sent to %s", "reader-0")
	Debugln("nonce", 42)
	require.NoError(t, CloseSessionLog())
	assert.Empty(t, GetSessionLogPath())

	content, err := os.ReadFile(path) //nolint:gosec // path is from InitSessionLog
	require.NoError(t, err)
	text := string(content)

	assert.Contains(t, text, "=== TAPSIGNER Debug Session Log ===")
	assert.Contains(t, text, "PID:")
	assert.Contains(t, text, "select sent to reader-0")
	assert.Contains(t, text, "nonce42")
	assert.Contains(t, text, "=== Session ended ===")
}

func TestCloseSessionLog_WithoutInit(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })
	require.NoError(t, CloseSessionLog())
}

func TestInitSessionLog_BadDirectory(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })

	_, err := InitSessionLog(filepath.Join(t.TempDir(), "missing", "deeper"))
	require.Error(t, err)
	assert.Empty(t, GetSessionLogPath())
}
