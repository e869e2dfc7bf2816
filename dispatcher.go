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
	"context"
	"fmt"

	"github.com/ZaparooProject/go-tapsigner/internal/syncutil"
	"github.com/rs/zerolog"
)

// Dispatcher executes one command against an open channel. It never retries.
// The last response it parsed successfully is kept, even across failed
// dispatches, until ClearRetained is called.
type Dispatcher struct {
	codec        Codec
	retained     Response
	logger       zerolog.Logger
	traceDepth   int
	maxExchanges int
	mu           syncutil.RWMutex
}

// NewDispatcher creates a dispatcher around codec
func NewDispatcher(codec Codec, config *Config, logger zerolog.Logger) *Dispatcher {
	config = config.withDefaults()
	return &Dispatcher{
		codec:        codec,
		logger:       logger,
		traceDepth:   config.TraceDepth,
		maxExchanges: config.MaxExchanges,
	}
}

// Dispatch sends cmd over ch and returns the final response.
// Follow-up frames requested by the codec are exchanged on the same channel.
func (d *Dispatcher) Dispatch(ctx context.Context, ch Channel, cmd Command) (Response, error) {
	trace := NewTraceBuffer(d.traceDepth)
	var last Response

	fail := func(op string, err error) error {
		ce := Classify(err)
		// copy; transports may hand out shared error values
		out := *ce
		if out.Op == "" || out.Op == "exchange" {
			out.Op = op
		}
		out.WithCommand(cmd.Kind)
		if out.Variant == "" {
			out.Variant = VariantOf(last)
		}
		if out.Last == nil {
			out.Last = last
		}
		out.Trace = trace.Entries()
		return &out
	}

	frame, err := d.codec.BuildPayload(cmd.Kind, cmd.Args)
	if err != nil {
		return nil, fail("build", err)
	}

	for exchange := 0; ; exchange++ {
		if exchange >= d.maxExchanges {
			return nil, fail("dispatch", NewProtocolError("dispatch",
				fmt.Errorf("%w: %d", ErrTooManyExchanges, exchange)))
		}
		if err := ctx.Err(); err != nil {
			return nil, fail("transceive", err)
		}

		trace.RecordTX(frame, "")
		d.logger.Debug().Stringer("command", cmd.Kind).Int("exchange", exchange).Int("tx", len(frame)).Msg("sending frame")

		raw, err := ch.Transceive(ctx, frame)
		if err != nil {
			return nil, fail("transceive", err)
		}
		trace.RecordRX(raw, "")

		resp, err := d.codec.ParseResponse(cmd.Kind, raw)
		if err != nil {
			return nil, fail("parse", err)
		}
		if resp == nil {
			return nil, fail("parse", NewProtocolError("parse", ErrMalformedFrame))
		}

		if _, pending := resp.(*Pending); !pending {
			last = resp
			d.retain(resp)
		}
		d.logger.Debug().Stringer("command", cmd.Kind).Str("variant", resp.Variant()).Int("rx", len(raw)).Msg("parsed response")

		next := nextFrame(resp)
		if len(next) == 0 {
			if _, pending := resp.(*Pending); pending {
				return nil, fail("parse", NewProtocolError("parse",
					fmt.Errorf("%w: pending response without frame", ErrMalformedFrame)))
			}
			return resp, nil
		}
		frame = next
	}
}

func (d *Dispatcher) retain(resp Response) {
	d.mu.Lock()
	d.retained = resp
	d.mu.Unlock()
}

// LastResponse returns the last successfully parsed response, or nil
func (d *Dispatcher) LastResponse() Response {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.retained
}

// ClearRetained forgets the retained response
func (d *Dispatcher) ClearRetained() {
	d.mu.Lock()
	d.retained = nil
	d.mu.Unlock()
}
