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
)

// ChainStep tells the caller what to do after a setup attempt
type ChainStep int

const (
	// StepComplete means setup finished; Result holds the outcome
	StepComplete ChainStep = iota
	// StepTapAgain means a stage finished and the next one needs a new tap
	StepTapAgain
	// StepRetryPIN means the PIN was rejected; the same command is retried after re-entry
	StepRetryPIN
	// StepResume means a later exchange failed; the chain resumes from the last good stage
	StepResume
	// StepRestart means nothing was retained; setup starts over from the first command
	StepRestart
	// StepAbandoned means the chain was cancelled
	StepAbandoned
)

func (s ChainStep) String() string {
	switch s {
	case StepComplete:
		return "complete"
	case StepTapAgain:
		return "tap-again"
	case StepRetryPIN:
		return "retry-pin"
	case StepResume:
		return "resume"
	case StepRestart:
		return "restart"
	case StepAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("ChainStep(%d)", int(s))
	}
}

// Runner runs one command in one session. *Controller implements it.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Response, error)
}

// SetupChain tracks a multi-tap setup. It is plain caller-owned data and is
// lost when the process exits.
type SetupChain struct {
	result    *SetupComplete
	last      Continuation
	initial   Command
	next      Command
	abandoned bool
}

// NewSetupChain seeds a chain with the first setup command
func NewSetupChain(initial Command) (*SetupChain, error) {
	if initial.Kind != CommandSetup {
		return nil, NewProtocolError("chain", fmt.Errorf("%w: %s is not a setup command", ErrInvalidArgs, initial.Kind))
	}
	return &SetupChain{initial: initial, next: initial}, nil
}

// Next returns the command to run on the next tap
func (c *SetupChain) Next() Command {
	return c.next
}

// Done reports whether the chain reached SetupComplete
func (c *SetupChain) Done() bool {
	return c.result != nil
}

// Abandoned reports whether the chain was cancelled
func (c *SetupChain) Abandoned() bool {
	return c.abandoned
}

// Result returns the completed setup, if any
func (c *SetupChain) Result() (*SetupComplete, bool) {
	return c.result, c.result != nil
}

// Last returns the last continuation the chain advanced through
func (c *SetupChain) Last() Continuation {
	return c.last
}

// Advance applies a successful setup response.
func (c *SetupChain) Advance(resp Response) (ChainStep, error) {
	switch r := resp.(type) {
	case *SetupComplete:
		c.result = r
		return StepComplete, nil
	case Continuation:
		c.last = r
		c.next = r.NextCommand()
		return StepTapAgain, nil
	default:
		return StepResume, NewUnexpectedResponseError(CommandSetup, resp)
	}
}

// Fail applies a failed attempt. A rejected PIN keeps the current command.
// Other failures resume from the newest response that reached the host during
// this chain, or restart when there is none. Cancellation abandons the chain.
func (c *SetupChain) Fail(err error) ChainStep {
	ce := Classify(err)
	if ce == nil {
		return StepTapAgain
	}

	switch ce.Kind {
	case ErrorKindAuth:
		return StepRetryPIN
	case ErrorKindCancelled:
		c.abandoned = true
		return StepAbandoned
	case ErrorKindTransport, ErrorKindProtocol, ErrorKindTimeout:
	}

	if ce.Last != nil {
		if step, ok := c.resumeFrom(ce.Last); ok {
			return step
		}
	}
	if c.last != nil {
		c.next = c.last.NextCommand()
		return StepResume
	}
	c.next = c.initial
	return StepRestart
}

func (c *SetupChain) resumeFrom(resp Response) (ChainStep, bool) {
	switch r := resp.(type) {
	case *SetupComplete:
		c.result = r
		return StepComplete, true
	case Continuation:
		c.last = r
		c.next = r.NextCommand()
		return StepResume, true
	default:
		return 0, false
	}
}

// SetPIN replaces the starting PIN of the pending and initial commands after a rejected attempt.
func (c *SetupChain) SetPIN(pin string) {
	c.next = withStartingPIN(c.next, pin)
	c.initial = withStartingPIN(c.initial, pin)
}

func withStartingPIN(cmd Command, pin string) Command {
	args, ok := cmd.Args.(SetupArgs)
	if !ok {
		return cmd
	}
	args.StartingPIN = pin
	cmd.Args = args
	return cmd
}

// Run performs one tap with r and applies the outcome. The returned error is
// the classified failure, if any; the step says what the caller should do next.
func (c *SetupChain) Run(ctx context.Context, r Runner) (ChainStep, error) {
	if c.result != nil {
		return StepComplete, nil
	}
	if c.abandoned {
		return StepAbandoned, NewClassifiedError(ErrorKindCancelled, "chain", ErrCancelled).WithCommand(CommandSetup)
	}

	resp, err := r.Run(ctx, c.next)
	if err != nil {
		return c.Fail(err), err
	}
	return c.Advance(resp)
}

// RunToCompletion repeats Run until setup completes or a step needs the caller.
// onTap is invoked before every tap after the first and may block, for example
// to prompt the user; returning an error stops the chain. With a nil onTap only
// clean stage boundaries continue; the first failed tap is returned.
func (c *SetupChain) RunToCompletion(ctx context.Context, r Runner, onTap func(ChainStep) error) (*SetupComplete, error) {
	for {
		step, err := c.Run(ctx, r)
		switch step {
		case StepComplete:
			return c.result, nil
		case StepAbandoned:
			return nil, err
		case StepRetryPIN, StepResume, StepRestart:
			if onTap == nil {
				return nil, err
			}
		case StepTapAgain:
		}
		if kind, failed := KindOf(err); failed && kind == ErrorKindProtocol {
			return nil, err
		}
		if onTap != nil {
			if hookErr := onTap(step); hookErr != nil {
				return nil, hookErr
			}
		}
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
	}
}
