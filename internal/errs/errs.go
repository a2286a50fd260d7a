// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package errs collects the sentinel errors shared across DRONE's
// packages that don't have one obvious home of their own, using plain
// errors.New/sentinel-var declarations rather than a generic
// error-wrapping framework.
package errs

import "errors"

var (
	// ErrTransport signals a broker-level failure (disconnect, publish
	// failure). Per the error handling design this propagates to the
	// agent runtime's supervisor rather than being recovered locally.
	ErrTransport = errors.New("errs: transport error")

	// ErrConnectionNotFound is raised when stopping or querying a timed
	// connection that was never started; a programming error, fatal.
	ErrConnectionNotFound = errors.New("errs: connection not found")

	// ErrDuplicateTimedConnection is raised when starting a timed
	// connection for a neighbor pair that already has one active; a
	// programming error, fatal.
	ErrDuplicateTimedConnection = errors.New("errs: duplicate timed connection")
)
