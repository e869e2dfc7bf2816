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

package pn532link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pn532 "github.com/ZaparooProject/go-pn532"
	"github.com/ZaparooProject/go-pn532/detection"
	_ "github.com/ZaparooProject/go-pn532/detection/i2c"  // register I2C detector
	_ "github.com/ZaparooProject/go-pn532/detection/spi"  // register SPI detector
	_ "github.com/ZaparooProject/go-pn532/detection/uart" // register UART detector
	"github.com/ZaparooProject/go-pn532/transport/i2c"
	"github.com/ZaparooProject/go-pn532/transport/spi"
	"github.com/ZaparooProject/go-pn532/transport/uart"
)

// OpenOptions configures Open
type OpenOptions struct {
	// Path selects a reader; empty means auto-detect
	Path           string
	ConnectTimeout time.Duration
	Retries        int
}

// Open connects to a PN532 at opts.Path, or the first one detected.
func Open(opts OpenOptions, config *Config) (*Transport, error) {
	connectOpts := make([]pn532.ConnectOption, 0, 4)
	if opts.Path == "" {
		connectOpts = append(connectOpts,
			pn532.WithAutoDetection(),
			pn532.WithTransportFromDeviceFactory(transportFromDevice))
	} else {
		connectOpts = append(connectOpts, pn532.WithTransportFactory(transportFromPath))
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	connectOpts = append(connectOpts, pn532.WithConnectTimeout(timeout))
	if opts.Retries > 0 {
		connectOpts = append(connectOpts, pn532.WithConnectionRetries(opts.Retries))
	}

	dev, err := pn532.ConnectDevice(opts.Path, connectOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PN532 device: %w", err)
	}

	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = opts.Path
		if config.Path == "" {
			config.Path = "pn532"
		}
	}
	return New(dev, config), nil
}

// ListReaders runs PN532 detection across UART, I2C and SPI.
func ListReaders(ctx context.Context) ([]detection.DeviceInfo, error) {
	opts := detection.DefaultOptions()
	devices, err := detection.DetectAll(ctx, &opts)
	if err != nil {
		return nil, fmt.Errorf("detect PN532 readers: %w", err)
	}
	return devices, nil
}

func transportFromDevice(device detection.DeviceInfo) (pn532.Transport, error) {
	switch strings.ToLower(device.Transport) {
	case "uart":
		transport, err := uart.New(device.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create UART transport: %w", err)
		}
		return transport, nil
	case "i2c":
		transport, err := i2c.New(device.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create I2C transport: %w", err)
		}
		return transport, nil
	case "spi":
		transport, err := spi.New(device.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SPI transport: %w", err)
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", device.Transport)
	}
}

func transportFromPath(path string) (pn532.Transport, error) {
	if path == "" {
		return nil, errors.New("empty device path")
	}
	return transportFromDevice(detection.DeviceInfo{Transport: transportKind(path), Path: path})
}

// transportKind guesses the bus from a device path
func transportKind(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "i2c"):
		return "i2c"
	case strings.Contains(lower, "spi"):
		return "spi"
	default:
		return "uart"
	}
}
