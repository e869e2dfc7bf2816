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
	"fmt"
	"io"
	"runtime"
	"syscall"
)

// Error classes. A *ClassifiedError matches exactly one of these with errors.Is.
var (
	ErrAuth      = errors.New("authentication failed")
	ErrTransport = errors.New("transport failure")
	ErrProtocol  = errors.New("protocol failure")
	ErrCancelled = errors.New("cancelled")
	ErrTimeout   = errors.New("timed out")
)

// Transport conditions - retryable by presenting the card again
var (
	ErrSessionActive       = errors.New("session already active")
	ErrHardwareUnavailable = errors.New("contactless hardware unavailable")
	ErrCardLost            = errors.New("card left the field")
	ErrLinkLost            = errors.New("link to card lost")
	ErrChannelClosed       = errors.New("channel is closed")
)

// Protocol conditions - not retryable without changing the command
var (
	ErrMalformedFrame      = errors.New("malformed response frame")
	ErrUnexpectedResponse  = errors.New("unexpected response variant")
	ErrInvalidArgs         = errors.New("invalid command arguments")
	ErrTooManyExchanges    = errors.New("too many exchanges for one command")
	ErrPanicDuringDispatch = errors.New("panic during dispatch")
)

// ErrorKind is the closed taxonomy every failure is mapped into.
type ErrorKind int

const (
	// ErrorKindProtocol covers malformed or unexpected responses and codec rejections.
	ErrorKindProtocol ErrorKind = iota
	// ErrorKindAuth is a wrong PIN or rate-limited PIN attempt.
	ErrorKindAuth
	// ErrorKindTransport is link loss, card removal or unavailable hardware.
	ErrorKindTransport
	// ErrorKindCancelled is a caller-initiated abandon.
	ErrorKindCancelled
	// ErrorKindTimeout is a session deadline expiry.
	ErrorKindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindAuth:
		return "auth"
	case ErrorKindTransport:
		return "transport"
	case ErrorKindProtocol:
		return "protocol"
	case ErrorKindCancelled:
		return "cancelled"
	case ErrorKindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case ErrorKindAuth:
		return ErrAuth
	case ErrorKindTransport:
		return ErrTransport
	case ErrorKindCancelled:
		return ErrCancelled
	case ErrorKindTimeout:
		return ErrTimeout
	default:
		return ErrProtocol
	}
}

// ClassifiedError wraps a raw failure with its class and the context needed to act on it.
type ClassifiedError struct {
	Err     error
	Last    Response     // last response parsed before the failure, if any
	Op      string       // operation that failed
	Variant string       // response variant involved, if known
	Trace   []TraceEntry // wire trace leading up to the failure
	Kind    ErrorKind
	Command CommandKind
	hasCmd  bool
}

func (e *ClassifiedError) Error() string {
	prefix := e.Kind.String()
	if e.hasCmd {
		prefix = e.Command.String() + ": " + prefix
	}
	msg := fmt.Sprintf("%s: %s", prefix, e.Op)
	if e.Variant != "" {
		msg += " (" + e.Variant + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the class sentinel for this error.
func (e *ClassifiedError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// WithCommand records which command kind was running.
func (e *ClassifiedError) WithCommand(kind CommandKind) *ClassifiedError {
	e.Command = kind
	e.hasCmd = true
	return e
}

// CommandKnown reports whether Command was set.
func (e *ClassifiedError) CommandKnown() bool {
	return e.hasCmd
}

// FormatTrace renders the attached wire trace.
func (e *ClassifiedError) FormatTrace() string {
	return formatTrace(e.Trace)
}

// CardError is an error reply reported by the card itself.
type CardError struct {
	Message string
	Code    int
}

// Card error codes reported in the "code" field of an error reply.
const (
	CardCodeBadArguments = 400
	CardCodeBadAuth      = 401
	CardCodeNeedsAuth    = 403
	CardCodeUnknownCmd   = 404
	CardCodeInvalidCmd   = 405
	CardCodeInvalidState = 406
	CardCodeWeakNonce    = 417
	CardCodeBadCBOR      = 422
	CardCodeBackupFirst  = 425
	CardCodeRateLimited  = 429
)

func (e *CardError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("card error %d (%s)", e.Code, cardCodeMeaning(e.Code))
	}
	return fmt.Sprintf("card error %d (%s): %s", e.Code, cardCodeMeaning(e.Code), e.Message)
}

// IsAuthFailure reports whether the card rejected the PIN, including the rate-limited case.
func (e *CardError) IsAuthFailure() bool {
	return e.Code == CardCodeBadAuth || e.Code == CardCodeRateLimited
}

// Is lets errors.Is(err, ErrAuth) match PIN rejections without classification.
func (e *CardError) Is(target error) bool {
	return target == ErrAuth && e.IsAuthFailure()
}

func cardCodeMeaning(code int) string {
	meanings := map[int]string{
		CardCodeBadArguments: "invalid arguments",
		CardCodeBadAuth:      "bad auth",
		CardCodeNeedsAuth:    "auth required",
		CardCodeUnknownCmd:   "unknown command",
		CardCodeInvalidCmd:   "invalid command",
		CardCodeInvalidState: "invalid state",
		CardCodeWeakNonce:    "weak nonce",
		CardCodeBadCBOR:      "bad CBOR",
		CardCodeBackupFirst:  "backup first",
		CardCodeRateLimited:  "rate limited",
	}
	if m, ok := meanings[code]; ok {
		return m
	}
	return "unknown error"
}

// Classify maps a raw failure into the taxonomy. It never returns nil for a non-nil err.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	return &ClassifiedError{Err: err, Op: "exchange", Kind: classifyKind(err)}
}

func classifyKind(err error) ErrorKind {
	var cardErr *CardError
	if errors.As(err, &cardErr) {
		if cardErr.IsAuthFailure() {
			return ErrorKindAuth
		}
		return ErrorKindProtocol
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return ErrorKindCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrAuth):
		return ErrorKindAuth
	case errors.Is(err, ErrTransport),
		errors.Is(err, ErrSessionActive),
		errors.Is(err, ErrHardwareUnavailable),
		errors.Is(err, ErrCardLost),
		errors.Is(err, ErrLinkLost),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		isDeviceGoneError(err):
		return ErrorKindTransport
	default:
		return ErrorKindProtocol
	}
}

// Windows error codes for device disconnection detection.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

// isDeviceGoneError checks for OS-level errors raised when a reader is unplugged mid-exchange.
func isDeviceGoneError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
	switch errno {
	case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
		return true
	}

	if runtime.GOOS == "windows" {
		//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
		switch errno {
		case errAccessDenied, errGenFailure, errNoSuchDevice:
			return true
		}
	}
	return false
}

// KindOf returns the class of err, classifying it if needed.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return 0, false
	}
	return Classify(err).Kind, true
}

// IsRetryable reports whether err may succeed on another attempt.
// Auth failures count as retryable once a new PIN has been entered.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == ErrorKindAuth || kind == ErrorKindTransport || kind == ErrorKindTimeout
}

// IsRetryableByTap reports whether presenting the card again, with the same arguments, may succeed.
func IsRetryableByTap(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == ErrorKindTransport || kind == ErrorKindTimeout
}

// IsSilent reports whether err should not be shown to the user as a failure.
func IsSilent(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == ErrorKindAuth || kind == ErrorKindCancelled
}

// Error constructors for consistent error creation

// NewClassifiedError creates an error of the given class.
func NewClassifiedError(kind ErrorKind, op string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Op: op, Err: err}
}

// NewTransportError creates a transport-class error. Transports use it to tag hardware failures.
func NewTransportError(op string, err error) *ClassifiedError {
	return NewClassifiedError(ErrorKindTransport, op, err)
}

// NewProtocolError creates a protocol-class error.
func NewProtocolError(op string, err error) *ClassifiedError {
	return NewClassifiedError(ErrorKindProtocol, op, err)
}

// NewUnexpectedResponseError reports a response variant that the command cannot use.
func NewUnexpectedResponseError(kind CommandKind, resp Response) *ClassifiedError {
	e := NewProtocolError("project", ErrUnexpectedResponse).WithCommand(kind)
	e.Variant = VariantOf(resp)
	e.Last = resp
	return e
}
