// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/drone/internal/broker"
	"github.com/luxfi/drone/internal/messages"
)

// TestHandleAppAdvDelClearsBlacklist reproduces S5's DEL step at the
// agent/handler level: a DEL advertisement for any app must clear the
// whole app blacklist, not just drop the deleted app from it.
func TestHandleAppAdvDelClearsBlacklist(t *testing.T) {
	p := singleNodeProblem()
	a := newTestAgent(t, "A", p, broker.NewLocal())
	timers := newRoundTimers()
	defer timers.stop()

	a.Orch.Blacklist = append(a.Orch.Blacklist, "some-other-app")
	require.Contains(t, a.Orch.Blacklist, "some-other-app")

	a.handleAppAdv(messages.AppAdvMessage{AppName: "x", Type: messages.AdvDel}, timers)

	assert.Empty(t, a.Orch.Blacklist, "a DEL advertisement must clear the whole blacklist")
	assert.False(t, a.Problem.HasApp("x"))
}
