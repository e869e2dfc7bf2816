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

import "sync/atomic"

// outcome is the single result of a session
type outcome struct {
	resp  Response
	err   *ClassifiedError
	state SessionState
}

// completion is a single-assignment result cell. The first resolve wins;
// every later one is counted and discarded.
type completion struct {
	done     chan struct{}
	result   outcome
	dropped  atomic.Int32
	resolved atomic.Bool
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// resolve stores o if the cell is still empty and reports whether it did.
func (c *completion) resolve(o outcome) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		c.dropped.Add(1)
		return false
	}
	c.result = o
	close(c.done)
	return true
}

// Done is closed once the cell holds a result
func (c *completion) Done() <-chan struct{} {
	return c.done
}

// wait blocks until the cell holds a result and returns it
func (c *completion) wait() outcome {
	<-c.done
	return c.result
}
