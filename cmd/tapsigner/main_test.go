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

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/ZaparooProject/go-tapsigner/codec/cktap"
	virt "github.com/ZaparooProject/go-tapsigner/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simReader adapts the simulated transport to the closable reader the CLI expects
type simReader struct {
	*virt.SimTransport
	closed *atomic.Bool
}

func (r simReader) Close() error {
	r.closed.Store(true)
	return nil
}

type testApp struct {
	*app
	sim    *virt.SimTransport
	opened *atomic.Int32
	closed *atomic.Bool
}

func newTestApp(card *virt.VirtualCard, stdin string) *testApp {
	sim := virt.NewSimTransport(card)
	ta := &testApp{
		app:    newApp(strings.NewReader(stdin)),
		sim:    sim,
		opened: &atomic.Int32{},
		closed: &atomic.Bool{},
	}
	ta.getenv = func(string) string { return "" }
	ta.defaultPath = func() string { return "" }
	ta.sources = nil
	ta.open = func(*config) (cardTransport, error) {
		ta.opened.Add(1)
		return simReader{SimTransport: sim, closed: ta.closed}, nil
	}
	ta.codec = func(*config) tapsigner.Codec {
		nop := zerolog.Nop()
		return cktap.New(&cktap.Options{Logger: &nop})
	}
	return ta
}

func execute(a *app, args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	root := newRootCommand(a)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--timeout", "5s"}, args...))
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestDerive_PrintsXPub(t *testing.T) {
	t.Parallel()

	card := virt.NewSetUpVirtualCard("")
	ta := newTestApp(card, "")

	stdout, _, err := execute(ta.app, "derive", "--pin", virt.DefaultCVC)
	require.NoError(t, err)
	assert.Contains(t, stdout, "xpub: "+card.DerivedXPub())
	assert.Contains(t, stdout, "path: m/84h/0h/0h")
	assert.True(t, ta.closed.Load(), "reader should be closed")
	assert.False(t, ta.sim.DiscoveryEnabled())
}

func TestDerive_PromptsForPIN(t *testing.T) {
	t.Parallel()

	t.Run("wrong then right", func(t *testing.T) {
		t.Parallel()
		card := virt.NewSetUpVirtualCard("")
		ta := newTestApp(card, "000000\n"+virt.DefaultCVC+"\n")

		stdout, stderr, err := execute(ta.app, "derive")
		require.NoError(t, err)
		assert.Contains(t, stdout, card.DerivedXPub())
		assert.Contains(t, stderr, "Wrong PIN")
		assert.Equal(t, 2, strings.Count(stderr, "PIN: "))
	})

	t.Run("flag PIN is not re-prompted", func(t *testing.T) {
		t.Parallel()
		card := virt.NewSetUpVirtualCard("")
		ta := newTestApp(card, virt.DefaultCVC+"\n")

		_, stderr, err := execute(ta.app, "derive", "--pin", "000000")
		require.ErrorIs(t, err, tapsigner.ErrAuth)
		assert.NotContains(t, stderr, "PIN: ")
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		card := virt.NewSetUpVirtualCard("")
		ta := newTestApp(card, "")

		_, _, err := execute(ta.app, "derive")
		require.Error(t, err)
		assert.Empty(t, card.Commands())
	})
}

func TestSetup_WritesBackupFile(t *testing.T) {
	t.Parallel()

	card := virt.NewVirtualCard("")
	ta := newTestApp(card, "")
	out := filepath.Join(t.TempDir(), "backup.aes")

	stdout, _, err := execute(ta.app, "setup",
		"--pin", virt.DefaultCVC, "--new-pin", "86420135", "--backup-out", out)
	require.NoError(t, err)

	assert.Contains(t, stdout, "Setup complete")
	assert.Contains(t, stdout, "xpub: "+card.DerivedXPub())
	assert.Equal(t, "86420135", card.CVC())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	if runtime.GOOS != "windows" {
		info, err := os.Stat(out)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestSetup_RepromptsStartingPIN(t *testing.T) {
	t.Parallel()

	card := virt.NewVirtualCard("")
	ta := newTestApp(card, "999999\n"+virt.DefaultCVC+"\n")

	stdout, stderr, err := execute(ta.app, "setup", "--new-pin", "86420135")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Wrong PIN")
	assert.Contains(t, stdout, "backup: ")
	assert.True(t, card.IsSetUp())
}

func TestSetup_InvalidChainCode(t *testing.T) {
	t.Parallel()

	ta := newTestApp(virt.NewVirtualCard(""), "")
	_, _, err := execute(ta.app, "setup", "--pin", virt.DefaultCVC, "--new-pin", "86420135", "--chain-code", "zz")
	require.ErrorIs(t, err, tapsigner.ErrInvalidArgs)
	assert.Zero(t, ta.opened.Load())
}

func TestChangePin(t *testing.T) {
	t.Parallel()

	card := virt.NewSetUpVirtualCard("")
	ta := newTestApp(card, "")

	stdout, _, err := execute(ta.app, "change-pin", "--pin", virt.DefaultCVC, "--new-pin", "24681357")
	require.NoError(t, err)
	assert.Contains(t, stdout, "PIN changed")
	assert.Equal(t, "24681357", card.CVC())
}

func TestBackup(t *testing.T) {
	t.Parallel()

	card := virt.NewSetUpVirtualCard("")
	ta := newTestApp(card, "")
	out := filepath.Join(t.TempDir(), "tapsigner.aes")

	stdout, _, err := execute(ta.app, "backup", "--pin", virt.DefaultCVC, "-o", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "written to "+out)
	assert.Equal(t, 2, card.NumBackups())
}

func TestSign(t *testing.T) {
	t.Parallel()

	t.Run("signs digest", func(t *testing.T) {
		t.Parallel()
		card := virt.NewSetUpVirtualCard("")
		ta := newTestApp(card, "")
		digest := hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))

		stdout, _, err := execute(ta.app, "sign", "--pin", virt.DefaultCVC, "--digest", digest, "--subpath", "0/5")
		require.NoError(t, err)
		assert.Contains(t, stdout, "signature: ")
		assert.Contains(t, stdout, "pubkey: ")
	})

	t.Run("rejects short digest", func(t *testing.T) {
		t.Parallel()
		ta := newTestApp(virt.NewSetUpVirtualCard(""), "")

		_, _, err := execute(ta.app, "sign", "--pin", virt.DefaultCVC, "--digest", "abcd")
		require.ErrorIs(t, err, tapsigner.ErrInvalidArgs)
		assert.Zero(t, ta.opened.Load())
	})
}

func TestNoCardTimesOut(t *testing.T) {
	t.Parallel()

	ta := newTestApp(virt.NewSetUpVirtualCard(""), "")
	ta.sim.SetCardPresent(false)

	start := time.Now()
	_, _, err := execute(ta.app, "derive", "--pin", virt.DefaultCVC, "--timeout", "100ms", "--retries", "0")
	require.ErrorIs(t, err, tapsigner.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestReaders(t *testing.T) {
	t.Parallel()

	ta := newTestApp(nil, "")
	ta.sources = []readerSource{
		{name: "pcsc", list: func(context.Context) ([]string, error) {
			return []string{"ACS ACR1252 Dual Reader PICC"}, nil
		}},
		{name: "libnfc", list: func(context.Context) ([]string, error) {
			return nil, errors.New("libnfc not installed")
		}},
		{name: "serial", list: func(context.Context) ([]string, error) { return nil, nil }},
	}

	stdout, stderr, err := execute(ta.app, "readers")
	require.NoError(t, err)
	assert.Contains(t, stdout, "pcsc: ACS ACR1252 Dual Reader PICC")
	assert.Contains(t, stdout, "libnfc: unavailable (libnfc not installed)")
	assert.Contains(t, stdout, "serial: none")
	assert.NotContains(t, stderr, "No readers found")
	assert.Zero(t, ta.opened.Load())
}

func TestLoadConfig_Layering(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport = "pcsc"
reader = "ACS ACR122U"
timeout = "30s"
retries = 5
`), 0o600))

	ta := newTestApp(nil, "")
	ta.getenv = func(key string) string {
		return map[string]string{
			"TAPSIGNER_RETRIES": "1",
			"TAPSIGNER_READER":  "from-env",
		}[key]
	}

	root := newRootCommand(ta.app)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path, "--reader", "from-flag", "readers"})
	require.NoError(t, root.Execute())

	assert.Equal(t, "pcsc", ta.cfg.Transport)
	assert.Equal(t, "from-flag", ta.cfg.Reader)
	assert.Equal(t, 30*time.Second, ta.cfg.Timeout)
	assert.Equal(t, 1, ta.cfg.Retries)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing explicit file", func(t *testing.T) {
		t.Parallel()
		ta := newTestApp(nil, "")
		_, _, err := execute(ta.app, "--config", filepath.Join(t.TempDir(), "nope.toml"), "readers")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("unknown transport", func(t *testing.T) {
		t.Parallel()
		ta := newTestApp(nil, "")
		_, _, err := execute(ta.app, "--transport", "bluetooth", "readers")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown transport")
	})
}

// Not parallel: the session log is process-wide.
func TestRunCLI_ClosesSessionLogOnFailure(t *testing.T) {
	dir := t.TempDir()
	ta := newTestApp(virt.NewSetUpVirtualCard(""), "")
	var errOut bytes.Buffer

	code := runCLI(context.Background(), ta.app,
		[]string{"--log-dir", dir, "sign", "--pin", virt.DefaultCVC, "--digest", "abcd"}, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "Error: ")
	assert.Empty(t, tapsigner.GetSessionLogPath())

	matches, err := filepath.Glob(filepath.Join(dir, "tapsigner_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== Session ended ===")
}

func TestRunCLI_CancelledExitsCleanly(t *testing.T) {
	t.Parallel()

	ta := newTestApp(virt.NewSetUpVirtualCard(""), "")
	ta.sim.SetCardPresent(false)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	var errOut bytes.Buffer
	code := runCLI(ctx, ta.app, []string{"derive", "--pin", virt.DefaultCVC, "--retries", "0"}, &errOut)
	assert.Equal(t, 0, code)
	assert.NotContains(t, errOut.String(), "Error: ")
}
