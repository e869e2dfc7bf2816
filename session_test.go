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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(m *MockTransport, codec Codec, opts ...Option) *Controller {
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return NewController(m, codec, opts...)
}

func waitForState(t *testing.T, c *Controller, state SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := c.Active()
		return ok && info.State == state
	}, 2*time.Second, time.Millisecond, "session never reached %s", state)
}

func drainProgress(c *Controller) []string {
	var out []string
	for {
		select {
		case p := <-c.Progress():
			out = append(out, p.Message)
		default:
			return out
		}
	}
}

type runResult struct {
	resp Response
	err  error
}

func runAsync(ctx context.Context, c *Controller, cmd Command) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		resp, err := c.Run(ctx, cmd)
		done <- runResult{resp: resp, err: err}
	}()
	return done
}

func awaitResult(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("session did not resolve")
		return runResult{}
	}
}

func kindOf(t *testing.T, err error) ErrorKind {
	t.Helper()
	kind, ok := KindOf(err)
	require.True(t, ok, "expected an error")
	return kind
}

func TestController_DeriveHappyPath(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.QueueReply([]byte{tagPending})
	m.SetHandler(replyWith(tagFinal))
	c := newTestController(m, &scriptCodec{})

	resp, err := c.Derive(context.Background(), DeriveArgs{PIN: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "xpub-test", resp.Info.XPub)

	info := c.LastSession()
	assert.Equal(t, StateCompleted, info.State)
	assert.Equal(t, CommandDerive, info.Command)
	assert.Equal(t, []SessionState{
		StateIdle, StateDiscovering, StateConnected, StateCommandRunning, StateCompleted,
	}, info.History)

	assert.False(t, m.DiscoveryEnabled())
	assert.Equal(t, 1, m.EnableCount())
	assert.Equal(t, 1, m.DisableCount())
	assert.Equal(t, []int{1}, m.ChannelCloseCounts())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Sessions)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Teardowns)

	assert.Equal(t, []string{MsgHoldCard, MsgCardDetected, MsgRunning, MsgDone}, drainProgress(c))
	assert.IsType(t, &DeriveResponse{}, c.LastResponse())

	_, active := c.Active()
	assert.False(t, active)
}

func TestController_SingleFlight(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetCardPresent(false)
	c := newTestController(m, &scriptCodec{}, WithIDGenerator(func() string { return "first" }))

	done := runAsync(context.Background(), c, DeriveCommand("123456"))
	waitForState(t, c, StateDiscovering)

	info, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, "first", info.ID)
	assert.Equal(t, DefaultSessionTimeout, info.Deadline.Sub(info.StartedAt))

	_, err := c.Run(context.Background(), BackupCommand("123456"))
	require.ErrorIs(t, err, ErrSessionActive)
	assert.Equal(t, ErrorKindTransport, kindOf(t, err))
	assert.Equal(t, int64(1), c.Stats().Rejected)

	// the rejected request must not disturb the live session
	still, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, "first", still.ID)

	require.True(t, c.Cancel())
	r := awaitResult(t, done)
	require.ErrorIs(t, r.err, ErrCancelled)
	assert.True(t, IsSilent(r.err))

	assert.False(t, c.Cancel())
	assert.False(t, m.DiscoveryEnabled())
	assert.Equal(t, 1, m.DisableCount())
}

func TestController_ContextCancelDuringDiscovery(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetCardPresent(false)
	c := newTestController(m, &scriptCodec{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c, DeriveCommand("123456"))
	waitForState(t, c, StateDiscovering)
	cancel()

	r := awaitResult(t, done)
	assert.Nil(t, r.resp)
	assert.Equal(t, ErrorKindCancelled, kindOf(t, r.err))
	assert.Equal(t, StateCancelled, c.LastSession().State)
	assert.Equal(t, int64(1), c.Stats().Cancelled)
	assert.Equal(t, int64(1), c.Stats().Teardowns)
	assert.False(t, m.DiscoveryEnabled())
	assert.Empty(t, m.ChannelCloseCounts())
}

func TestController_TimeoutWithNoCard(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetCardPresent(false)
	c := newTestController(m, &scriptCodec{}, WithTimeout(40*time.Millisecond))

	start := time.Now()
	_, err := c.Run(context.Background(), DeriveCommand("123456"))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryableByTap(err))
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Equal(t, StateTimedOut, c.LastSession().State)
	assert.Equal(t, int64(1), c.Stats().TimedOut)
	assert.False(t, m.DiscoveryEnabled())
	assert.Equal(t, 1, m.DisableCount())

	msgs := drainProgress(c)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "No card found in time", msgs[len(msgs)-1])
}

func TestController_CancelDuringExchange(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetDelay(time.Hour)
	m.SetHandler(replyWith(tagFinal))
	c := newTestController(m, &scriptCodec{})

	done := runAsync(context.Background(), c, DeriveCommand("123456"))
	waitForState(t, c, StateCommandRunning)
	require.True(t, c.Cancel())

	r := awaitResult(t, done)
	require.ErrorIs(t, r.err, ErrCancelled)
	assert.Equal(t, []SessionState{
		StateIdle, StateDiscovering, StateConnected, StateCommandRunning, StateCancelled,
	}, c.LastSession().History)
	assert.Equal(t, []int{1}, m.ChannelCloseCounts())
	assert.False(t, m.DiscoveryEnabled())
}

func TestController_PanicInDispatch(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetHandler(replyWith(tagPanic))
	c := newTestController(m, &scriptCodec{})

	_, err := c.Run(context.Background(), SignCommand("123456", make([]byte, 32)))
	require.ErrorIs(t, err, ErrPanicDuringDispatch)
	assert.Equal(t, ErrorKindProtocol, kindOf(t, err))
	assert.Equal(t, StateFailed, c.LastSession().State)
	assert.Equal(t, []int{1}, m.ChannelCloseCounts())
	assert.Equal(t, 1, m.DisableCount())
	assert.Equal(t, int64(1), c.Stats().Teardowns)
}

func TestController_TeardownErrorDoesNotOverrideResult(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetHandler(replyWith(tagFinal))
	m.SetDisableError(errors.New("radio stuck"))
	c := newTestController(m, &scriptCodec{})

	data, err := c.Backup(context.Background(), BackupArgs{PIN: "123456"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBA, 0xC0}, data)
	assert.Equal(t, StateCompleted, c.LastSession().State)
}

func TestController_AuthFailure(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetHandler(replyWith(tagBadAuth))
	c := newTestController(m, &scriptCodec{})

	err := c.ChangePin(context.Background(), ChangePinArgs{CurrentPIN: "000000", NewPIN: "654321"})
	require.ErrorIs(t, err, ErrAuth)
	assert.True(t, IsSilent(err))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryableByTap(err))

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CommandChangePin, ce.Command)
	assert.Equal(t, StateFailed, c.LastSession().State)
	assert.Equal(t, int64(1), c.Stats().Failed)
}

func TestController_CardRemovedThenSuccess(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.QueueReply([]byte{tagPending})
	m.QueueError(NewTransportError("transceive", ErrCardLost))
	m.SetHandler(replyWith(tagFinal))
	c := newTestController(m, &scriptCodec{})

	_, err := c.Derive(context.Background(), DeriveArgs{PIN: "123456"})
	require.ErrorIs(t, err, ErrCardLost)
	assert.True(t, IsRetryableByTap(err))
	assert.False(t, m.DiscoveryEnabled())

	resp, err := c.Derive(context.Background(), DeriveArgs{PIN: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "xpub-test", resp.Info.XPub)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Sessions)
	assert.Equal(t, int64(2), stats.Teardowns)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, []int{1, 1}, m.ChannelCloseCounts())
}

func TestController_HardwareUnavailable(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetEnableError(NewTransportError("enable", ErrHardwareUnavailable))
	c := newTestController(m, &scriptCodec{})

	_, err := c.Run(context.Background(), DeriveCommand("123456"))
	require.ErrorIs(t, err, ErrHardwareUnavailable)
	assert.Equal(t, ErrorKindTransport, kindOf(t, err))
	assert.Equal(t, 1, m.DisableCount())
	assert.Empty(t, m.ChannelCloseCounts())
}

func TestController_UnexpectedVariant(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetHandler(replyWith(tagWrong))
	c := newTestController(m, &scriptCodec{})

	_, err := c.Derive(context.Background(), DeriveArgs{PIN: "123456"})
	require.ErrorIs(t, err, ErrUnexpectedResponse)

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorKindProtocol, ce.Kind)
	assert.Equal(t, "Change", ce.Variant)
	require.True(t, ce.CommandKnown())
	assert.Equal(t, CommandDerive, ce.Command, "names the command that ran, not the reply's kind")
	assert.Contains(t, ce.Error(), "derive: protocol")
}

func TestController_ProgressNeverBlocks(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetHandler(replyWith(tagFinal))
	c := newTestController(m, &scriptCodec{}, WithConfig(&Config{ProgressBuffer: 1}))

	for range 3 {
		_, err := c.Run(context.Background(), BackupCommand("123456"))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{MsgHoldCard}, drainProgress(c))
}

// Every combination of completion, cancel and timeout must resolve exactly
// once, with exactly one teardown and every channel closed.
func TestController_RacingTerminalSignals(t *testing.T) {
	t.Parallel()

	var completed, interrupted atomic.Int32
	for i := range 60 {
		m := NewMockTransport()
		m.SetDelay(time.Duration(i%4) * time.Millisecond)
		m.SetHandler(replyWith(tagFinal))
		c := newTestController(m, &scriptCodec{}, WithTimeout(time.Duration(1+i%3)*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(time.Duration(i%5) * 500 * time.Microsecond)
			if i%2 == 0 {
				c.Cancel()
			} else {
				cancel()
			}
		}()

		resp, err := c.Run(ctx, DeriveCommand("123456"))
		cancel()

		require.NotEqual(t, resp == nil, err == nil, "iteration %d: exactly one of response or error", i)
		stats := c.Stats()
		require.Equal(t, int64(1), stats.Teardowns, "iteration %d", i)
		require.Equal(t, int64(1), stats.Completed+stats.Failed+stats.Cancelled+stats.TimedOut, "iteration %d", i)
		require.False(t, m.DiscoveryEnabled(), "iteration %d", i)
		for _, n := range m.ChannelCloseCounts() {
			require.Equal(t, 1, n, "iteration %d", i)
		}

		last := c.LastSession()
		require.True(t, last.State.Terminal())
		if err == nil {
			require.Equal(t, StateCompleted, last.State)
			completed.Add(1)
			continue
		}
		kind := kindOf(t, err)
		require.Contains(t, []ErrorKind{ErrorKindCancelled, ErrorKindTimeout}, kind, "iteration %d: %v", i, err)
		require.Equal(t, terminalStateFor(kind), last.State)
		interrupted.Add(1)
	}
	assert.Equal(t, int32(60), completed.Load()+interrupted.Load())
}

// stallingTransport blocks EnableDiscovery or Connect until ctx ends, or until
// release is closed when ignoreCtx is set.
type stallingTransport struct {
	*MockTransport
	entered      chan struct{}
	release      chan struct{}
	enteredOnce  atomic.Bool
	stallEnable  bool
	stallConnect bool
	ignoreCtx    bool
}

func newStallingTransport() *stallingTransport {
	return &stallingTransport{
		MockTransport: NewMockTransport(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (t *stallingTransport) stall(ctx context.Context) error {
	if t.enteredOnce.CompareAndSwap(false, true) {
		close(t.entered)
	}
	if t.ignoreCtx {
		<-t.release
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (t *stallingTransport) EnableDiscovery(ctx context.Context) error {
	if t.stallEnable {
		if err := t.stall(ctx); err != nil {
			return err
		}
		return t.MockTransport.EnableDiscovery(context.Background())
	}
	return t.MockTransport.EnableDiscovery(ctx)
}

func (t *stallingTransport) Connect(ctx context.Context, card CardHandle) (Channel, error) {
	if t.stallConnect {
		if err := t.stall(ctx); err != nil {
			return nil, err
		}
	}
	return t.MockTransport.Connect(ctx, card)
}

func awaitEntered(t *testing.T, st *stallingTransport) {
	t.Helper()
	select {
	case <-st.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("transport call never started")
	}
}

func TestController_StalledHardware(t *testing.T) {
	t.Parallel()

	t.Run("deadline fires while enabling discovery", func(t *testing.T) {
		t.Parallel()
		st := newStallingTransport()
		st.stallEnable = true
		c := NewController(st, &scriptCodec{}, WithLogger(zerolog.Nop()), WithTimeout(50*time.Millisecond))

		r := awaitResult(t, runAsync(context.Background(), c, DeriveCommand("123456")))
		require.ErrorIs(t, r.err, ErrTimeout)
		assert.Equal(t, StateTimedOut, c.LastSession().State)
		assert.False(t, st.DiscoveryEnabled())
	})

	t.Run("cancel while enabling discovery", func(t *testing.T) {
		t.Parallel()
		st := newStallingTransport()
		st.stallEnable = true
		c := NewController(st, &scriptCodec{}, WithLogger(zerolog.Nop()))

		done := runAsync(context.Background(), c, DeriveCommand("123456"))
		awaitEntered(t, st)

		cancelled := make(chan bool, 1)
		go func() { cancelled <- c.Cancel() }()
		select {
		case ok := <-cancelled:
			assert.True(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("Cancel blocked on the hardware call")
		}

		r := awaitResult(t, done)
		require.ErrorIs(t, r.err, ErrCancelled)
		assert.Equal(t, StateCancelled, c.LastSession().State)
	})

	t.Run("deadline fires while connecting", func(t *testing.T) {
		t.Parallel()
		st := newStallingTransport()
		st.stallConnect = true
		c := NewController(st, &scriptCodec{}, WithLogger(zerolog.Nop()), WithTimeout(50*time.Millisecond))

		r := awaitResult(t, runAsync(context.Background(), c, DeriveCommand("123456")))
		require.ErrorIs(t, r.err, ErrTimeout)
		assert.Equal(t, []SessionState{StateIdle, StateDiscovering, StateTimedOut}, c.LastSession().History)
		assert.Empty(t, st.ChannelCloseCounts())
		assert.False(t, st.DiscoveryEnabled())
	})

	t.Run("late enable after teardown is undone", func(t *testing.T) {
		t.Parallel()
		st := newStallingTransport()
		st.stallEnable = true
		st.ignoreCtx = true
		c := NewController(st, &scriptCodec{}, WithLogger(zerolog.Nop()))

		done := runAsync(context.Background(), c, DeriveCommand("123456"))
		awaitEntered(t, st)
		require.True(t, c.Cancel())
		require.Eventually(t, func() bool { return st.DisableCount() == 1 }, 2*time.Second, time.Millisecond)
		close(st.release)

		r := awaitResult(t, done)
		require.ErrorIs(t, r.err, ErrCancelled)
		assert.False(t, st.DiscoveryEnabled())
		assert.Equal(t, 1, st.EnableCount())
		assert.Equal(t, 2, st.DisableCount())
	})
}
