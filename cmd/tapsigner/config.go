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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Transport names accepted by --transport
const (
	transportAuto   = "auto"
	transportPN532  = "pn532"
	transportPCSC   = "pcsc"
	transportLibNFC = "libnfc"
)

// config is the resolved CLI configuration
type config struct {
	Transport string
	Reader    string
	LogDir    string
	PIN       string
	Timeout   time.Duration
	Retries   int
	Debug     bool
	Testnet   bool
}

func defaultConfig() config {
	return config{
		Transport: transportAuto,
		Timeout:   90 * time.Second,
		Retries:   2,
	}
}

// validate checks the combined configuration
func (c *config) validate() error {
	switch c.Transport {
	case transportAuto, transportPN532, transportPCSC, transportLibNFC:
	default:
		return fmt.Errorf("unknown transport %q (want auto, pn532, pcsc or libnfc)", c.Transport)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	return nil
}

// fileConfig mirrors config with TOML-friendly types. The PIN is never read from a file.
type fileConfig struct {
	Transport string `toml:"transport"`
	Reader    string `toml:"reader"`
	Timeout   string `toml:"timeout"`
	LogDir    string `toml:"log_dir"`
	Retries   *int   `toml:"retries"`
	Debug     *bool  `toml:"debug"`
	Testnet   *bool  `toml:"testnet"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path) //nolint:gosec // path comes from the user on purpose
	if err != nil {
		return fc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// defaultConfigPath returns ~/.tapsigner/config.toml, or "" without a home directory
func defaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".tapsigner", "config.toml")
	}
	return ""
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// configSetter writes values unless the matching flag was set on the command line
type configSetter struct {
	changed map[string]bool
}

func (s configSetter) setString(flag, value string, dst *string) {
	if value != "" && !s.changed[flag] {
		*dst = value
	}
}

func (s configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", flag, value, err)
	}
	*dst = d
	return nil
}

func (s configSetter) setInt(flag string, value *int, dst *int) {
	if value != nil && !s.changed[flag] {
		*dst = *value
	}
}

func (s configSetter) setBool(flag string, value *bool, dst *bool) {
	if value != nil && !s.changed[flag] {
		*dst = *value
	}
}

func applyFileConfig(cfg *config, fc fileConfig, changed map[string]bool) error {
	s := configSetter{changed: changed}
	s.setString("transport", fc.Transport, &cfg.Transport)
	s.setString("reader", fc.Reader, &cfg.Reader)
	s.setString("log-dir", fc.LogDir, &cfg.LogDir)
	if err := s.setDuration("timeout", fc.Timeout, &cfg.Timeout); err != nil {
		return err
	}
	s.setInt("retries", fc.Retries, &cfg.Retries)
	s.setBool("debug", fc.Debug, &cfg.Debug)
	s.setBool("testnet", fc.Testnet, &cfg.Testnet)
	return nil
}

// applyEnvConfig reads TAPSIGNER_* variables. They override the file and lose to flags.
func applyEnvConfig(cfg *config, changed map[string]bool, getenv func(string) string) error {
	s := configSetter{changed: changed}
	s.setString("transport", getenv("TAPSIGNER_TRANSPORT"), &cfg.Transport)
	s.setString("reader", getenv("TAPSIGNER_READER"), &cfg.Reader)
	s.setString("log-dir", getenv("TAPSIGNER_LOG_DIR"), &cfg.LogDir)
	s.setString("pin", getenv("TAPSIGNER_PIN"), &cfg.PIN)
	if err := s.setDuration("timeout", getenv("TAPSIGNER_TIMEOUT"), &cfg.Timeout); err != nil {
		return err
	}
	if v := getenv("TAPSIGNER_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TAPSIGNER_RETRIES %q: %w", v, err)
		}
		s.setInt("retries", &n, &cfg.Retries)
	}
	if v := getenv("TAPSIGNER_TESTNET"); v != "" {
		b := parseBool(v)
		s.setBool("testnet", &b, &cfg.Testnet)
	}
	if v := getenv("TAPSIGNER_DEBUG"); v != "" {
		b := parseBool(v)
		s.setBool("debug", &b, &cfg.Debug)
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
