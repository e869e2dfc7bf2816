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
	"context"
	"fmt"
	"io"

	"github.com/ZaparooProject/go-tapsigner/transport/libnfc"
	"github.com/ZaparooProject/go-tapsigner/transport/pcsc"
	"github.com/ZaparooProject/go-tapsigner/transport/pn532link"
	"go.bug.st/serial"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// readerSource lists candidate readers of one kind
type readerSource struct {
	list func(ctx context.Context) ([]string, error)
	name string
}

func defaultReaderSources() []readerSource {
	return []readerSource{
		{name: "pcsc", list: func(context.Context) ([]string, error) { return pcsc.ListReaders() }},
		{name: "libnfc", list: func(context.Context) ([]string, error) { return libnfc.ListReaders() }},
		{name: "pn532", list: listPN532},
		{name: "serial", list: func(context.Context) ([]string, error) { return serial.GetPortsList() }},
		{name: "i2c", list: listI2CBuses},
		{name: "spi", list: listSPIPorts},
	}
}

func listPN532(ctx context.Context) ([]string, error) {
	devices, err := pn532link.ListReaders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		out = append(out, fmt.Sprintf("%s (%s, %s)", d.Path, d.Transport, d.Name))
	}
	return out, nil
}

func listI2CBuses(context.Context) ([]string, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	refs := i2creg.All()
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.Name)
	}
	return out, nil
}

func listSPIPorts(context.Context) ([]string, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	refs := spireg.All()
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.Name)
	}
	return out, nil
}

// printReaders writes every source's readers. A failing source is reported, not fatal.
func printReaders(ctx context.Context, w io.Writer, sources []readerSource) int {
	found := 0
	for _, src := range sources {
		names, err := src.list(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(w, "%s: unavailable (%v)\n", src.name, err)
			continue
		}
		if len(names) == 0 {
			_, _ = fmt.Fprintf(w, "%s: none\n", src.name)
			continue
		}
		for _, n := range names {
			_, _ = fmt.Fprintf(w, "%s: %s\n", src.name, n)
			found++
		}
	}
	return found
}
