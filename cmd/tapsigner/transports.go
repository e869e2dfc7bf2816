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
	"io"
	"strings"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/ZaparooProject/go-tapsigner/transport/libnfc"
	"github.com/ZaparooProject/go-tapsigner/transport/pcsc"
	"github.com/ZaparooProject/go-tapsigner/transport/pn532link"
)

// cardTransport is a transport the CLI owns and must close
type cardTransport interface {
	tapsigner.Transport
	io.Closer
}

// openTransport opens the reader selected by cfg
func openTransport(cfg *config) (cardTransport, error) {
	switch cfg.Transport {
	case transportPCSC:
		return openPCSC(cfg.Reader)
	case transportPN532:
		return openPN532(cfg)
	case transportLibNFC:
		return openLibNFC(cfg.Reader)
	case transportAuto:
		return openAuto(cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func openPCSC(reader string) (cardTransport, error) {
	pcscCfg := pcsc.DefaultConfig()
	pcscCfg.Reader = reader
	t, err := pcsc.Open(pcscCfg)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func openPN532(cfg *config) (cardTransport, error) {
	t, err := pn532link.Open(pn532link.OpenOptions{Path: cfg.Reader, Retries: cfg.Retries}, nil)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func openLibNFC(connstring string) (cardTransport, error) {
	t, err := libnfc.Open(connstring, nil)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// openAuto prefers a PC/SC reader, then a PN532, then libnfc.
func openAuto(cfg *config) (cardTransport, error) {
	if cfg.Reader != "" {
		return nil, errors.New("--reader needs an explicit --transport")
	}

	var errs []error
	if readers, err := pcsc.ListReaders(); err != nil {
		errs = append(errs, fmt.Errorf("pcsc: %w", err))
	} else if len(readers) > 0 {
		tapsigner.Debugf("auto: using PC/SC reader %s", readers[0])
		return openPCSC(readers[0])
	}

	t, err := openPN532(cfg)
	if err == nil {
		return t, nil
	}
	errs = append(errs, fmt.Errorf("pn532: %w", err))

	if devices, listErr := libnfc.ListReaders(); listErr != nil {
		errs = append(errs, fmt.Errorf("libnfc: %w", listErr))
	} else if len(devices) > 0 {
		tapsigner.Debugf("auto: using libnfc device %s", devices[0])
		return openLibNFC(devices[0])
	}

	return nil, fmt.Errorf("%w: no reader found (%s)", tapsigner.ErrHardwareUnavailable, joinErrors(errs))
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
