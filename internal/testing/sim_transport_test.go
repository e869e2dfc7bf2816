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

package testing

import (
	"context"
	"testing"
	"time"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/ZaparooProject/go-tapsigner/codec/cktap"
	"github.com/skythen/apdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectFrame(t *testing.T) []byte {
	t.Helper()
	capdu := apdu.Capdu{Cla: 0x00, Ins: 0xA4, P1: 0x04, Data: cktap.AppletID}
	frame, err := capdu.Bytes()
	require.NoError(t, err)
	return frame
}

func TestSimTransport_DiscoverRequiresEnable(t *testing.T) {
	t.Parallel()

	sim := NewSimTransport(NewVirtualCard(""))
	_, err := sim.Discover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, tapsigner.ErrHardwareUnavailable)
	assert.ErrorIs(t, err, tapsigner.ErrTransport)
}

func TestSimTransport_DiscoverWaitsForCard(t *testing.T) {
	t.Parallel()

	card := NewVirtualCard("")
	sim := NewSimTransport(card)
	sim.SetCardPresent(false)
	ctx := context.Background()
	require.NoError(t, sim.EnableDiscovery(ctx))

	go func() {
		time.Sleep(20 * time.Millisecond)
		sim.SetCardPresent(true)
	}()

	handle, err := sim.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, card.GetUIDString(), handle.UID)
	assert.Equal(t, "sim", handle.Reader)
}

func TestSimTransport_DiscoverHonoursContext(t *testing.T) {
	t.Parallel()

	sim := NewSimTransport(NewVirtualCard(""))
	sim.SetCardPresent(false)
	require.NoError(t, sim.EnableDiscovery(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sim.Discover(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimTransport_RemoveAfter(t *testing.T) {
	t.Parallel()

	sim := NewSimTransport(NewVirtualCard(""))
	ctx := context.Background()
	require.NoError(t, sim.EnableDiscovery(ctx))
	handle, err := sim.Discover(ctx)
	require.NoError(t, err)
	ch, err := sim.Connect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, 1, sim.OpenChannels())

	sim.RemoveAfter(1)
	_, err = ch.Transceive(ctx, selectFrame(t))
	require.NoError(t, err)

	_, err = ch.Transceive(ctx, selectFrame(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, tapsigner.ErrCardLost)

	_, err = sim.Connect(ctx, handle)
	assert.ErrorIs(t, err, tapsigner.ErrCardLost)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Zero(t, sim.OpenChannels())
}

func TestSimTransport_DisableDiscovery(t *testing.T) {
	t.Parallel()

	sim := NewSimTransport(NewVirtualCard(""))
	require.NoError(t, sim.EnableDiscovery(context.Background()))
	assert.True(t, sim.DiscoveryEnabled())

	require.NoError(t, sim.DisableDiscovery())
	require.NoError(t, sim.DisableDiscovery())
	assert.False(t, sim.DiscoveryEnabled())
	assert.Equal(t, 1, sim.EnableCount())
	assert.Equal(t, 2, sim.DisableCount())
	assert.Equal(t, tapsigner.TransportMock, sim.Type())
}

func TestJitteryChannel(t *testing.T) {
	t.Parallel()

	t.Run("DelaysWithinBound", func(t *testing.T) {
		t.Parallel()
		sim := NewSimTransport(NewVirtualCard(""))
		sim.SetJitter(JitterConfig{MaxLatency: 5 * time.Millisecond, Seed: 12345})
		ctx := context.Background()
		require.NoError(t, sim.EnableDiscovery(ctx))
		ch, err := sim.Connect(ctx, tapsigner.CardHandle{})
		require.NoError(t, err)

		jittery, ok := ch.(*JitteryChannel)
		require.True(t, ok)
		for range 5 {
			_, err = ch.Transceive(ctx, selectFrame(t))
			require.NoError(t, err)
		}
		assert.Equal(t, 5, jittery.Exchanges())
	})

	t.Run("StallHonoursContext", func(t *testing.T) {
		t.Parallel()
		sim := NewSimTransport(NewVirtualCard(""))
		ch, err := sim.Connect(context.Background(), tapsigner.CardHandle{})
		require.NoError(t, err)
		jittery := NewJitteryChannel(ch, JitterConfig{StallAfter: 1, StallDuration: time.Second, Seed: 7})

		_, err = jittery.Transceive(context.Background(), selectFrame(t))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err = jittery.Transceive(ctx, selectFrame(t))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("DropAfter", func(t *testing.T) {
		t.Parallel()
		sim := NewSimTransport(NewVirtualCard(""))
		ch, err := sim.Connect(context.Background(), tapsigner.CardHandle{})
		require.NoError(t, err)
		jittery := NewJitteryChannel(ch, JitterConfig{DropAfter: 1, Seed: 99})

		ctx := context.Background()
		_, err = jittery.Transceive(ctx, selectFrame(t))
		require.NoError(t, err)
		_, err = jittery.Transceive(ctx, selectFrame(t))
		assert.ErrorIs(t, err, tapsigner.ErrCardLost)
	})
}
