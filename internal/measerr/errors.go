// Package measerr defines the sentinel errors shared by all four probe
// engines. A per-run failure wraps one of these so callers can classify it
// with errors.Is; per-probe failures (a single dropped packet, one
// timed-out hop) never surface as errors at all — they show up only as an
// unfilled item in the result.
package measerr

import "errors"

var (
	// ErrResolve indicates the target host/address could not be resolved.
	ErrResolve = errors.New("measerr: resolve failure")

	// ErrSocket indicates a socket could not be created, bound, or used.
	ErrSocket = errors.New("measerr: socket failure")

	// ErrProtocolMismatch indicates an HTTP engine was given a URL whose
	// scheme is not "http", or received a response header it could not
	// parse.
	ErrProtocolMismatch = errors.New("measerr: protocol mismatch")

	// ErrTimeout indicates a run-level deadline (not a single probe) was
	// exceeded before the engine could complete its work.
	ErrTimeout = errors.New("measerr: timeout")

	// ErrCancelled indicates a run was cancelled before completion. The
	// engines' own Cancel methods yield a successful partial result instead
	// of this error; it is available for a caller that wants to report
	// cancellation as a failure at a higher layer.
	ErrCancelled = errors.New("measerr: cancelled")
)
