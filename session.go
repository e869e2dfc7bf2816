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
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-tapsigner/internal/syncutil"
	"github.com/rs/zerolog"
)

// session is one exclusive engagement with a card
type session struct {
	startedAt    time.Time
	deadline     time.Time
	parent       context.Context
	channel      Channel
	completion   *completion
	id           string
	history      []SessionState
	command      Command
	teardownOnce sync.Once
	state        SessionState
	mu           syncutil.Mutex
	tornDown     bool
}

func (s *session) transitionLocked(to SessionState) bool {
	if !CanTransition(s.state, to) {
		return false
	}
	s.state = to
	s.history = append(s.history, to)
	return true
}

// transition moves the session forward; it is a no-op once the session is terminal.
func (s *session) transition(to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

// finish resolves the session. Only the first call has any effect.
func (s *session) finish(state SessionState, resp Response, err *ClassifiedError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.completion.resolve(outcome{state: state, resp: resp, err: err}) {
		return false
	}
	s.transitionLocked(state)
	return true
}

// attach hands ch to the session unless teardown already ran.
func (s *session) attach(ch Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return false
	}
	s.channel = ch
	return true
}

func (s *session) isTornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tornDown
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		Command:   s.command.Kind,
		State:     s.state,
		StartedAt: s.startedAt,
		Deadline:  s.deadline,
		History:   append([]SessionState(nil), s.history...),
	}
}

// ControllerStats counts session outcomes
type ControllerStats struct {
	Sessions       int64
	Completed      int64
	Failed         int64
	Cancelled      int64
	TimedOut       int64
	Teardowns      int64
	DroppedSignals int64
	Rejected       int64
}

// Controller runs commands against cards, one session at a time.
type Controller struct {
	transport  Transport
	dispatcher *Dispatcher
	config     *Config
	progress   chan Progress
	active     *session
	newID      func() string
	last       SessionInfo
	logger     zerolog.Logger
	stats      struct {
		sessions, completed, failed, cancelled, timedOut atomic.Int64
		teardowns, dropped, rejected                     atomic.Int64
	}
	mu syncutil.Mutex
}

// NewController creates a controller that owns transport for the duration of each session
func NewController(transport Transport, codec Codec, opts ...Option) *Controller {
	c := &Controller{
		transport: transport,
		config:    DefaultConfig(),
		logger:    Logger(),
		newID:     newSessionID,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.progress = make(chan Progress, c.config.ProgressBuffer)
	c.dispatcher = NewDispatcher(codec, c.config, c.logger)
	return c
}

// RunCommand runs one command built from kind and args
func (c *Controller) RunCommand(ctx context.Context, kind CommandKind, args any) (Response, error) {
	return c.Run(ctx, Command{Kind: kind, Args: args})
}

// Run performs one end-to-end session: discover, connect, dispatch, teardown.
// It blocks until the session resolves. Teardown has completed when it returns.
func (c *Controller) Run(ctx context.Context, cmd Command) (Response, error) {
	s, err := c.acquire(ctx, cmd)
	if err != nil {
		return nil, err
	}
	defer c.release(s)

	log := c.logger.With().Str("session", s.id).Stringer("command", cmd.Kind).Logger()
	log.Debug().Time("deadline", s.deadline).Msg("session started")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.transition(StateDiscovering)

	deadline := time.AfterFunc(time.Until(s.deadline), func() {
		s.finish(StateTimedOut, nil, NewClassifiedError(ErrorKindTimeout, "session", ErrTimeout).WithCommand(cmd.Kind))
		cancel()
	})
	stopWatch := context.AfterFunc(ctx, func() {
		ce := Classify(ctx.Err())
		out := *ce
		out.Op = "session"
		out.WithCommand(cmd.Kind)
		s.finish(terminalStateFor(out.Kind), nil, &out)
	})

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		c.work(sessCtx, s, log)
	}()

	<-s.completion.Done()
	safeTimerStop(deadline)
	stopWatch()
	cancel()
	c.teardown(s, log)
	<-workerDone

	result := s.completion.wait()
	c.record(s, result, log)

	if result.err != nil {
		return nil, result.err
	}
	return result.resp, nil
}

func (c *Controller) acquire(ctx context.Context, cmd Command) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		c.stats.rejected.Add(1)
		return nil, NewTransportError("acquire", ErrSessionActive).WithCommand(cmd.Kind)
	}

	now := time.Now()
	s := &session{
		id:         c.newID(),
		command:    cmd,
		parent:     ctx,
		startedAt:  now,
		deadline:   now.Add(c.config.Timeout),
		completion: newCompletion(),
		history:    []SessionState{StateIdle},
	}
	c.active = s
	c.stats.sessions.Add(1)
	return s, nil
}

func (c *Controller) release(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		c.active = nil
	}
	c.last = s.info()
}

// work is the hardware side of a session. Its results race with cancel and timeout.
func (c *Controller) work(ctx context.Context, s *session, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered panic during session")
			s.finish(StateFailed, nil, NewProtocolError("dispatch",
				fmt.Errorf("%w: %v", ErrPanicDuringDispatch, r)).WithCommand(s.command.Kind))
		}
	}()

	proceed, err := c.enableDiscovery(ctx, s)
	if err != nil {
		c.fail(s, "enable discovery", err)
		return
	}
	if !proceed {
		return
	}
	c.publish(Progress{SessionID: s.id, Message: MsgHoldCard})

	card, err := c.transport.Discover(ctx)
	if err != nil {
		c.fail(s, "discover", err)
		return
	}
	log.Debug().Str("uid", card.UID).Str("reader", card.Reader).Msg("card detected")
	c.publish(Progress{SessionID: s.id, Message: MsgCardDetected, TagDetected: true})

	ch, err := c.transport.Connect(ctx, card)
	if err != nil {
		c.fail(s, "connect", err)
		return
	}
	if !s.attach(ch) {
		_ = ch.Close()
		return
	}
	if !s.transition(StateConnected) || !s.transition(StateCommandRunning) {
		return
	}
	c.publish(Progress{SessionID: s.id, Message: MsgRunning, TagDetected: true})

	resp, err := c.dispatcher.Dispatch(ctx, ch, s.command)
	if err != nil {
		c.fail(s, "dispatch", err)
		return
	}
	s.finish(StateCompleted, resp, nil)
}

// enableDiscovery turns discovery on unless the session was already torn down.
// s.mu is not held across the hardware call so cancel and timeout can resolve
// the session meanwhile; a teardown that ran during the call is repeated here.
func (c *Controller) enableDiscovery(ctx context.Context, s *session) (bool, error) {
	if s.isTornDown() {
		return false, nil
	}
	if err := c.transport.EnableDiscovery(ctx); err != nil {
		return false, err
	}
	if s.isTornDown() {
		_ = safeCall(c.transport.DisableDiscovery)
		return false, nil
	}
	return true, nil
}

func (c *Controller) fail(s *session, op string, err error) {
	// A cancelled or expired caller context outranks whatever the hardware reported.
	if perr := s.parent.Err(); perr != nil {
		err = perr
	}
	ce := Classify(err)
	out := *ce
	if out.Op == "" || out.Op == "exchange" {
		out.Op = op
	}
	out.WithCommand(s.command.Kind)
	s.finish(terminalStateFor(out.Kind), nil, &out)
}

// teardown closes the channel and disables discovery, exactly once per session.
// Errors and panics from the hardware are logged and never change the result.
func (c *Controller) teardown(s *session, log zerolog.Logger) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.tornDown = true
		ch := s.channel
		s.channel = nil
		s.mu.Unlock()

		if ch != nil {
			if err := safeCall(ch.Close); err != nil {
				log.Warn().Err(err).Msg("closing channel failed")
			}
		}
		if err := safeCall(c.transport.DisableDiscovery); err != nil {
			log.Warn().Err(err).Msg("disabling discovery failed")
		}
		c.stats.teardowns.Add(1)
	})
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (c *Controller) record(s *session, result outcome, log zerolog.Logger) {
	c.stats.dropped.Add(int64(s.completion.dropped.Load()))

	switch result.state {
	case StateCompleted:
		c.stats.completed.Add(1)
		log.Info().Str("variant", VariantOf(result.resp)).Msg("session completed")
		c.publish(Progress{SessionID: s.id, Message: MsgDone})
		return
	case StateCancelled:
		c.stats.cancelled.Add(1)
	case StateTimedOut:
		c.stats.timedOut.Add(1)
	case StateIdle, StateDiscovering, StateConnected, StateCommandRunning, StateFailed:
		c.stats.failed.Add(1)
	}

	if result.err == nil {
		return
	}
	event := log.Info()
	if result.err.Kind == ErrorKindProtocol {
		event = log.Error()
	}
	event.Err(result.err).Stringer("state", result.state).Msg("session ended")
	c.publish(Progress{SessionID: s.id, Message: failureMessage(result.err)})
}

// Cancel abandons the active session, if any. It reports whether a session was cancelled.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return false
	}
	return s.finish(StateCancelled, nil,
		NewClassifiedError(ErrorKindCancelled, "cancel", ErrCancelled).WithCommand(s.command.Kind))
}

// Active returns a snapshot of the running session
func (c *Controller) Active() (SessionInfo, bool) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// LastSession returns a snapshot of the most recently finished session
func (c *Controller) LastSession() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// LastResponse returns the last response parsed by the dispatcher across sessions
func (c *Controller) LastResponse() Response {
	return c.dispatcher.LastResponse()
}

// ClearRetained forgets the dispatcher's retained response
func (c *Controller) ClearRetained() {
	c.dispatcher.ClearRetained()
}

// Stats returns outcome counters
func (c *Controller) Stats() ControllerStats {
	return ControllerStats{
		Sessions:       c.stats.sessions.Load(),
		Completed:      c.stats.completed.Load(),
		Failed:         c.stats.failed.Load(),
		Cancelled:      c.stats.cancelled.Load(),
		TimedOut:       c.stats.timedOut.Load(),
		Teardowns:      c.stats.teardowns.Load(),
		DroppedSignals: c.stats.dropped.Load(),
		Rejected:       c.stats.rejected.Load(),
	}
}

// runAs runs kind and narrows the result with Expect
func runAs[T Response](ctx context.Context, c *Controller, kind CommandKind, args any) (T, error) {
	resp, err := c.RunCommand(ctx, kind, args)
	return Expect[T](kind, resp, err)
}

// Derive runs a Derive command and returns the key info
func (c *Controller) Derive(ctx context.Context, args DeriveArgs) (*DeriveResponse, error) {
	return runAs[*DeriveResponse](ctx, c, CommandDerive, args)
}

// ChangePin runs a ChangePin command
func (c *Controller) ChangePin(ctx context.Context, args ChangePinArgs) error {
	_, err := runAs[*ChangePinResponse](ctx, c, CommandChangePin, args)
	return err
}

// Backup runs a Backup command and returns the encrypted backup
func (c *Controller) Backup(ctx context.Context, args BackupArgs) ([]byte, error) {
	resp, err := runAs[*BackupResponse](ctx, c, CommandBackup, args)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Sign runs a Sign command
func (c *Controller) Sign(ctx context.Context, args SignArgs) (*SignResponse, error) {
	return runAs[*SignResponse](ctx, c, CommandSign, args)
}
