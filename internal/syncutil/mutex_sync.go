//go:build !deadlock

// Package syncutil holds the mutex types used by the session controller,
// dispatcher and transports. Plain sync types are used by default; build with
// -tags=deadlock to swap in github.com/sasha-s/go-deadlock and catch lock
// ordering mistakes between teardown and in-flight exchanges.
package syncutil

import "sync"

// Mutex wraps sync.Mutex.
//
//nolint:gocritic // embedding exposes Lock/Unlock directly
type Mutex struct {
	sync.Mutex
}

// RWMutex wraps sync.RWMutex.
//
//nolint:gocritic // embedding exposes Lock/Unlock/RLock/RUnlock directly
type RWMutex struct {
	sync.RWMutex
}
