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

// Command tapsigner sets up and uses a TAPSIGNER card over NFC.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/ZaparooProject/go-tapsigner/codec/cktap"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const maxPINPrompts = 3

// app carries the state shared by all subcommands
type app struct {
	in     *bufio.Reader
	getenv func(string) string
	open   func(cfg *config) (cardTransport, error)
	codec  func(cfg *config) tapsigner.Codec
	// defaultPath locates the config file when --config is not given
	defaultPath func() string
	cfgPath     string
	sources     []readerSource
	cfg         config
}

func newApp(in io.Reader) *app {
	return &app{
		in:          bufio.NewReader(in),
		getenv:      os.Getenv,
		open:        openTransport,
		codec:       newCodec,
		defaultPath: defaultConfigPath,
		sources:     defaultReaderSources(),
		cfg:         defaultConfig(),
	}
}

func newCodec(cfg *config) tapsigner.Codec {
	opts := &cktap.Options{}
	if cfg.Testnet {
		opts.Net = &chaincfg.TestNet3Params
	}
	return cktap.New(opts)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "tapsigner",
		Short:         "Set up and use a TAPSIGNER over NFC",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "Path to config file (default ~/.tapsigner/config.toml)")
	flags.StringVar(&a.cfg.Transport, "transport", a.cfg.Transport, "Reader transport: auto, pn532, pcsc or libnfc")
	flags.StringVar(&a.cfg.Reader, "reader", "", "Reader name, device path or libnfc connstring")
	flags.DurationVar(&a.cfg.Timeout, "timeout", a.cfg.Timeout, "How long to wait for a card per tap")
	flags.IntVar(&a.cfg.Retries, "retries", a.cfg.Retries, "Extra taps to allow after the card is lost")
	flags.BoolVar(&a.cfg.Debug, "debug", false, "Enable debug output")
	flags.BoolVar(&a.cfg.Testnet, "testnet", false, "Render keys for testnet")
	flags.StringVar(&a.cfg.PIN, "pin", "", "Card PIN (prompted when empty)")
	flags.StringVar(&a.cfg.LogDir, "log-dir", "", "Write a session log file to this directory")

	root.AddCommand(
		newSetupCommand(a),
		newDeriveCommand(a),
		newChangePinCommand(a),
		newBackupCommand(a),
		newSignCommand(a),
		newReadersCommand(a),
	)
	return root
}

// loadConfig layers the config file and environment under the flags the user set.
func (a *app) loadConfig(cmd *cobra.Command) error {
	changed := make(map[string]bool)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		changed[f.Name] = true
	})

	path := a.cfgPath
	if path == "" {
		path = a.defaultPath()
	}
	if path != "" && fileExists(path) {
		fc, err := loadFileConfig(path)
		if err != nil {
			return err
		}
		if err := applyFileConfig(&a.cfg, fc, changed); err != nil {
			return err
		}
	} else if a.cfgPath != "" {
		return fmt.Errorf("config file %s not found", a.cfgPath)
	}

	if err := applyEnvConfig(&a.cfg, changed, a.getenv); err != nil {
		return err
	}
	if err := a.cfg.validate(); err != nil {
		return err
	}

	if a.cfg.Debug {
		tapsigner.SetDebugEnabled(true)
	}
	if a.cfg.LogDir != "" {
		logPath, err := tapsigner.InitSessionLog(a.cfg.LogDir)
		if err != nil {
			return fmt.Errorf("session log: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Logging to %s\n", logPath)
	}
	return nil
}

// withController opens the reader, runs fn and closes everything again
func (a *app) withController(cmd *cobra.Command, fn func(ctx context.Context, ctrl *tapsigner.Controller) error) error {
	t, err := a.open(&a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := t.Close(); closeErr != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Failed to close reader: %v\n", closeErr)
		}
	}()

	ctrl := tapsigner.NewController(t, a.codec(&a.cfg), tapsigner.WithTimeout(a.cfg.Timeout))

	done := make(chan struct{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printProgress(cmd.ErrOrStderr(), ctrl.Progress(), done)
	}()
	err = fn(cmd.Context(), ctrl)
	close(done)
	<-printed
	return err
}

func printProgress(w io.Writer, updates <-chan tapsigner.Progress, done <-chan struct{}) {
	last := ""
	for {
		select {
		case <-done:
			return
		case p := <-updates:
			if p.Message != last {
				_, _ = fmt.Fprintln(w, p.Message)
				last = p.Message
			}
		}
	}
}

// retryByTap repeats fn while the card can simply be presented again
func (a *app) retryByTap(cmd *cobra.Command, fn func() error) error {
	if a.cfg.Retries == 0 {
		return fn()
	}
	rc := tapsigner.DefaultRetryConfig()
	rc.MaxAttempts = a.cfg.Retries + 1
	rc.OnRetry = func(attempt int, err error) {
		tapsigner.Debugf("retry %d after: %v", attempt, err)
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), tapsigner.MsgTapAgain)
	}
	return tapsigner.RetryWithConfig(cmd.Context(), rc, fn)
}

// withPIN runs fn with the configured PIN, or prompts for one. A prompted PIN
// that the card rejects is asked for again.
func (a *app) withPIN(cmd *cobra.Command, label string, fn func(pin string) error) error {
	pin := a.cfg.PIN
	prompted := false
	if pin == "" {
		var err error
		if pin, err = a.prompt(cmd, label); err != nil {
			return err
		}
		prompted = true
	}

	for attempt := 1; ; attempt++ {
		err := fn(pin)
		if !errors.Is(err, tapsigner.ErrAuth) || !prompted || attempt >= maxPINPrompts {
			return err
		}
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Wrong PIN, please try again")
		if pin, err = a.prompt(cmd, label); err != nil {
			return err
		}
	}
}

func (a *app) prompt(cmd *cobra.Command, label string) (string, error) {
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", label)
	line, err := a.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	if line == "" {
		return "", fmt.Errorf("%w: empty %s", tapsigner.ErrInvalidArgs, strings.ToLower(label))
	}
	return line, nil
}

func main() {
	os.Exit(mainWithExitCode(os.Args[1:]))
}

func mainWithExitCode(args []string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			_, _ = fmt.Fprint(os.Stderr, "\nShutting down gracefully...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	return runCLI(ctx, newApp(os.Stdin), args, os.Stderr)
}

// runCLI executes the command tree and maps the outcome to an exit code.
// The session log is closed whatever the command returned.
func runCLI(ctx context.Context, a *app, args []string, errOut io.Writer) int {
	defer func() {
		if err := tapsigner.CloseSessionLog(); err != nil {
			_, _ = fmt.Fprintf(errOut, "Failed to close session log: %v\n", err)
		}
	}()

	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetErr(errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, tapsigner.ErrCancelled) || errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	return 0
}
