// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package neighborhood

import (
	"sync"
	"time"

	"github.com/luxfi/drone/internal/errs"
)

// Connector tracks at most one "timed connection" per neighbor: it
// records when the connection started so Stop can report how long it was
// active. It arms no timer itself.
type Connector struct {
	mu    sync.Mutex
	timed map[string]time.Time
}

// NewConnector returns an empty timed-connection tracker.
func NewConnector() *Connector {
	return &Connector{timed: make(map[string]time.Time)}
}

// Start records a new timed connection to node, started at startedAt. It
// returns ErrDuplicateTimedConnection if node already has one active:
// starting two overlapping timers for the same neighbor is a programming
// error.
func (c *Connector) Start(node string, startedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timed[node]; ok {
		return errs.ErrDuplicateTimedConnection
	}
	c.timed[node] = startedAt
	return nil
}

// Stop clears the timed connection to node, returning how long it was
// active. Returns ErrConnectionNotFound if none was active.
func (c *Connector) Stop(node string, now time.Time) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	started, ok := c.timed[node]
	if !ok {
		return 0, errs.ErrConnectionNotFound
	}
	delete(c.timed, node)
	return now.Sub(started), nil
}

// Active reports whether node currently has a timed connection.
func (c *Connector) Active(node string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timed[node]
	return ok
}
