//go:build deadlock

// Package syncutil holds the mutex types used by the session controller,
// dispatcher and transports. This file is compiled with -tags=deadlock.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

func init() {
	// A session may legitimately hold a transport lock for a whole card exchange.
	deadlock.Opts.DeadlockTimeout = 2 * time.Minute
}

// Mutex wraps deadlock.Mutex for deadlock detection.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex for deadlock detection.
type RWMutex struct {
	deadlock.RWMutex
}
