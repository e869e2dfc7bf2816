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
	"fmt"
	"time"
)

// SessionState represents the finite state machine of one session
type SessionState int

const (
	StateIdle SessionState = iota
	StateDiscovering
	StateConnected
	StateCommandRunning
	StateCompleted
	StateFailed
	StateCancelled
	StateTimedOut
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDiscovering:
		return "Discovering"
	case StateConnected:
		return "Connected"
	case StateCommandRunning:
		return "CommandRunning"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	case StateTimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible
func (s SessionState) Terminal() bool {
	return s >= StateCompleted
}

// validTransitions lists the forward edges. Every non-terminal state may also
// move to Failed, Cancelled or TimedOut.
var validTransitions = map[SessionState]SessionState{
	StateIdle:           StateDiscovering,
	StateDiscovering:    StateConnected,
	StateConnected:      StateCommandRunning,
	StateCommandRunning: StateCompleted,
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to SessionState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateFailed, StateCancelled, StateTimedOut:
		return true
	case StateIdle, StateDiscovering, StateConnected, StateCommandRunning, StateCompleted:
		return validTransitions[from] == to
	default:
		return false
	}
}

// terminalStateFor maps an error class to the state a session ends in.
func terminalStateFor(kind ErrorKind) SessionState {
	switch kind {
	case ErrorKindCancelled:
		return StateCancelled
	case ErrorKindTimeout:
		return StateTimedOut
	case ErrorKindAuth, ErrorKindTransport, ErrorKindProtocol:
		return StateFailed
	default:
		return StateFailed
	}
}

// SessionInfo is a point-in-time copy of a session
type SessionInfo struct {
	StartedAt time.Time
	Deadline  time.Time
	ID        string
	History   []SessionState
	State     SessionState
	Command   CommandKind
}

// safeTimerStop stops a timer and drains its channel if it already fired
func safeTimerStop(timer *time.Timer) {
	if timer != nil && !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
