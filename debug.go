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
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/ZaparooProject/go-tapsigner/internal/syncutil"
	"github.com/rs/zerolog"
)

// debugEnabled controls whether debug lines reach the console
var debugEnabled atomic.Bool

var (
	logMu      syncutil.RWMutex
	console    io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	baseLogger           = buildLogger()
)

func init() {
	if os.Getenv("TAPSIGNER_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled.Store(true)
	}
}

// consoleFilter drops events below info unless debug is enabled.
// The session log receives every level.
type consoleFilter struct {
	w io.Writer
}

func (f consoleFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f consoleFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.InfoLevel && !debugEnabled.Load() {
		return len(p), nil
	}
	return f.w.Write(p)
}

// buildLogger must be called with logMu held when sessionLogWriter may change.
func buildLogger() zerolog.Logger {
	writers := []io.Writer{consoleFilter{w: console}}
	if sessionLogWriter != nil {
		writers = append(writers, sessionLogWriter)
	}
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()
}

// Logger returns the package logger
func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return baseLogger
}

// SetConsoleOutput redirects console output, mainly for tests and plain-text CLI modes.
func SetConsoleOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	console = w
	baseLogger = buildLogger()
}

// Debugf logs a debug line. It always reaches the session log file
// (if initialized) and reaches the console only when debug is enabled.
func Debugf(format string, args ...any) {
	l := Logger()
	l.Debug().Msgf(format, args...)
}

// Debugln logs a debug line built like fmt.Sprint.
func Debugln(args ...any) {
	l := Logger()
	l.Debug().Msg(fmt.Sprint(args...))
}

// SetDebugEnabled allows programmatic control of console debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
}

// DebugEnabled reports whether console debug output is on
func DebugEnabled() bool {
	return debugEnabled.Load()
}
