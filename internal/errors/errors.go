// Package errors provides error handling for Mimir.
//
// It re-exports github.com/cockroachdb/errors, giving every package
// stack traces, wrapping with context, and safe-detail reporting
// without every caller importing the underlying library directly.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping.
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details.
var (
	WithHint        = crdb.WithHint
	WithHintf       = crdb.WithHintf
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails
)

// Error inspection.
var (
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Sentinel error kinds from spec.md §7. Some packages return these
// bare and others wrap them with errors.Wrap; callers test with
// errors.Is, which matches either form.
var (
	// ErrInvalidHandle is returned when a feed handle fails the
	// ^[-a-z0-9_]+$ validation in SetFeed.
	ErrInvalidHandle = New("mimir: invalid feed handle")

	// ErrNotModified signals an HTTP 304, or a cache miss during a
	// conditional request that the server still treated as fresh.
	ErrNotModified = New("mimir: feed not modified")

	// ErrFetch marks a non-2xx final HTTP response or a redirect that
	// cannot be followed. A feed body that fails to parse is not a
	// fetch error; it comes back as a bozo result.
	ErrFetch = New("mimir: feed fetch failed")

	// ErrTimeout is raised when a pending IQ's timeout elapses before
	// a matching result/error stanza arrives.
	ErrTimeout = New("mimir: IQ timed out")

	// ErrConnectionLost cascades to every pending IQ when the XMPP
	// stream ends.
	ErrConnectionLost = New("mimir: XMPP connection lost")

	// ErrConflict marks a pub-sub node-creation conflict, trapped as
	// success by callers (node creation is idempotent).
	ErrConflict = New("mimir: node already exists")
)
