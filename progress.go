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

// Progress is an advisory status update. Delivery is best effort and must not
// drive control flow.
type Progress struct {
	SessionID   string
	Message     string
	TagDetected bool
}

// Progress messages shown while a session runs
const (
	MsgHoldCard     = "Hold your TAPSIGNER near the reader"
	MsgCardDetected = "Card detected, keep it in place"
	MsgRunning      = "Talking to card"
	MsgDone         = "Done, you can remove the card"
	MsgTapAgain     = "Tap your card again to continue"
)

// publish sends p without blocking; updates are dropped when nobody reads.
func (c *Controller) publish(p Progress) {
	select {
	case c.progress <- p:
	default:
		c.logger.Debug().Str("session", p.SessionID).Str("message", p.Message).Msg("progress update dropped")
	}
}

// Progress returns the advisory progress stream shared by all sessions
func (c *Controller) Progress() <-chan Progress {
	return c.progress
}

func failureMessage(err *ClassifiedError) string {
	switch err.Kind {
	case ErrorKindAuth:
		return "Wrong PIN, please try again"
	case ErrorKindTransport:
		return "Lost contact with the card, please tap again"
	case ErrorKindTimeout:
		return "No card found in time"
	case ErrorKindCancelled:
		return "Cancelled"
	default:
		return "The card returned an unexpected response"
	}
}
