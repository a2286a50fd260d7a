package agreement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/drone/internal/model"
	"github.com/luxfi/drone/internal/orchestrator"
	"github.com/luxfi/drone/internal/utility"
)

func newEngine(t *testing.T, self string) *Engine {
	t.Helper()
	p := model.NewProblem()
	oracle, err := utility.New(utility.ResidualCapacity, self, p)
	require.NoError(t, err)
	orch := orchestrator.New(self, p, oracle)
	clock := 100.0
	orch.Now = func() float64 {
		clock++
		return clock
	}
	return New(orch)
}

func winnersMsg(app, component, winner string) SenderMessage {
	return SenderMessage{Winners: map[string]map[string]string{app: {component: winner}}}
}

func voteMsg(app, component string, winner string, node string, v Vote) SenderMessage {
	msg := winnersMsg(app, component, winner)
	msg.Votes = map[string]map[string]map[string]Vote{app: {component: {node: v}}}
	return msg
}

// TestMutualWinnerResetsSelfVote covers §4.4's "sender = L AND self = R"
// row: each side thinks the other is the winner, so self resets its own
// vote and flags a full rebroadcast.
func TestMutualWinnerResetsSelfVote(t *testing.T) {
	e := newEngine(t, "A")
	e.Orch.Table.Set("x", "c", "B", Vote{Value: 80, Function: "f", Timestamp: 1})
	e.Orch.Table.Set("x", "c", "A", Vote{Value: 50, Function: "f", Timestamp: 5})
	e.Orch.Election()
	require.Equal(t, "B", e.Orch.Winners["x"]["c"])

	out := e.Run(Batch{"B": winnersMsg("x", "c", "A")})

	assert.True(t, out.Rebroadcast)
	assert.True(t, e.Orch.Table.Get("x", "c", "A").IsZero())
}

// TestAgreementLeaveOnStaleEcho covers L=R=W with T equal/older: the
// sender simply echoes what we already agree on, nothing changes.
func TestAgreementLeaveOnStaleEcho(t *testing.T) {
	e := newEngine(t, "A")
	e.Orch.Table.Set("x", "c", "A", Vote{Value: 80, Function: "f", Timestamp: 5})
	e.Orch.Election()

	out := e.Run(Batch{"B": winnersMsg("x", "c", "A")})

	assert.False(t, out.Rebroadcast)
	assert.Contains(t, out.SendList, "B")
	assert.Equal(t, "A", e.Orch.Winners["x"]["c"])
}

// TestAgreementUpdateOnNewerSameWinner covers L=R=W with a strictly
// newer, value-changed vote for the same winning node: UPDATE and
// REBROADCAST, still agreement.
func TestAgreementUpdateOnNewerSameWinner(t *testing.T) {
	e := newEngine(t, "A")
	e.Orch.Table.Set("x", "c", "A", Vote{Value: 50, Function: "f", Timestamp: 1})
	e.Orch.Election()

	out := e.Run(Batch{
		"B": voteMsg("x", "c", "A", "A", Vote{Value: 100, Function: "f", Timestamp: 10}),
	})

	assert.True(t, out.Rebroadcast)
	assert.Contains(t, out.SendList, "B")
	assert.Equal(t, 100, e.Orch.Table.Get("x", "c", "A").Value)
}

// TestAgreementSenderOverridesLocalWinner covers R=W: the sender's claim
// becomes the merged winner outright.
func TestAgreementSenderOverridesLocalWinner(t *testing.T) {
	e := newEngine(t, "A")
	e.Orch.Table.Set("x", "c", "C", Vote{Value: 50, Function: "f", Timestamp: 1})
	e.Orch.Election()
	require.Equal(t, "C", e.Orch.Winners["x"]["c"])

	out := e.Run(Batch{
		"B": voteMsg("x", "c", "B", "B", Vote{Value: 90, Function: "f", Timestamp: 5}),
	})

	assert.True(t, out.Rebroadcast)
	assert.Equal(t, "B", e.Orch.Winners["x"]["c"])
}

// TestAgreementDefendsOwnWinOnCompetingClaim covers L=W, self=W: the
// local winner is still self after merging, so self just refreshes its
// own timestamp and answers the sender directly, without a full
// rebroadcast or counting as agreement.
func TestAgreementDefendsOwnWinOnCompetingClaim(t *testing.T) {
	e := newEngine(t, "A")
	e.Orch.Table.Set("x", "c", "A", Vote{Value: 80, Function: "f", Timestamp: 1})
	e.Orch.Election()

	out := e.Run(Batch{
		"B": voteMsg("x", "c", "B", "B", Vote{Value: 50, Function: "f", Timestamp: 0}),
	})

	assert.False(t, out.Rebroadcast)
	assert.Contains(t, out.SendList, "B")
	assert.Equal(t, "A", e.Orch.Winners["x"]["c"])
	assert.Greater(t, e.Orch.Table.Get("x", "c", "A").Timestamp, 1.0)
}

// TestAgreementLeavesOtherNodesWinUntouched covers L=W, self != W, T not
// newer: a third node still wins; we answer the sender but don't
// rebroadcast.
func TestAgreementLeavesOtherNodesWinUntouched(t *testing.T) {
	e := newEngine(t, "A")
	e.Orch.Table.Set("x", "c", "D", Vote{Value: 80, Function: "f", Timestamp: 5})
	e.Orch.Election()

	out := e.Run(Batch{
		"B": voteMsg("x", "c", "F", "B", Vote{Value: 50, Function: "f", Timestamp: 1}),
	})

	assert.False(t, out.Rebroadcast)
	assert.Contains(t, out.SendList, "B")
	assert.Equal(t, "D", e.Orch.Winners["x"]["c"])
}

// TestAgreementNewDistinctWinnerRebroadcasts covers the "otherwise" row:
// a winner distinct from both L and the sender's claimed R appears after
// merging. UPDATE + REBROADCAST, no agreement.
func TestAgreementNewDistinctWinnerRebroadcasts(t *testing.T) {
	e := newEngine(t, "A")
	e.Orch.Table.Set("x", "c", "C", Vote{Value: 50, Function: "f", Timestamp: 1})
	e.Orch.Election()

	out := e.Run(Batch{
		"B": voteMsg("x", "c", "F", "E", Vote{Value: 100, Function: "f", Timestamp: 10}),
	})

	assert.True(t, out.Rebroadcast)
	assert.Equal(t, "E", e.Orch.Winners["x"]["c"])
	assert.NotContains(t, out.SendList, "B")
}

// TestOutvotedTriggersRevoteEarlyExit covers step 5/7: self loses a
// component it was winning, so AG calls OR.release, re-orchestrates, and
// exits before the decision table runs.
func TestOutvotedTriggersRevoteEarlyExit(t *testing.T) {
	e := newEngine(t, "A")
	e.Orch.Table.Set("x", "c", "A", Vote{Value: 80, Function: "f", Timestamp: 1})
	e.Orch.Election()
	require.Equal(t, "A", e.Orch.Winners["x"]["c"])

	out := e.Run(Batch{
		"B": voteMsg("x", "c", "B", "B", Vote{Value: 100, Function: "f", Timestamp: 5}),
	})

	assert.True(t, out.Rebroadcast)
	assert.True(t, out.Updated)
	assert.Nil(t, out.SendList)
	assert.Equal(t, "B", e.Orch.Winners["x"]["c"])
}

// TestPendingRevotingForcesOrchestrate covers step 7's other trigger: a
// caller-set PendingRevoting flag forces a revote even with nothing lost
// or partially allocated.
func TestPendingRevotingForcesOrchestrate(t *testing.T) {
	e := newEngine(t, "A")
	e.PendingRevoting = true

	out := e.Run(Batch{"B": winnersMsg("x", "c", "B")})

	assert.True(t, out.Rebroadcast)
	assert.True(t, out.Updated)
	assert.False(t, e.PendingRevoting, "consumed by the revote")
}
