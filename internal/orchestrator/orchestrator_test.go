package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/drone/internal/model"
	"github.com/luxfi/drone/internal/utility"
)

func singleNodeProblem(t *testing.T) *model.Problem {
	t.Helper()
	p := model.NewProblem()
	p.AddFunction(model.Function{Name: "f", Consumption: model.Resources{"cpu": 1}})
	p.AddImplementation("c", "f")
	p.Available["A"] = model.Resources{"cpu": 4}
	p.Total["A"] = model.Resources{"cpu": 4}
	err := p.ExtendApps("x", &model.AppDescription{BaseNode: "other", Components: []string{"c"}}, nil, nil)
	require.NoError(t, err)
	return p
}

func newOrchestrator(t *testing.T, node string, p *model.Problem) *Orchestrator {
	t.Helper()
	oracle, err := utility.New(utility.ResidualCapacity, node, p)
	require.NoError(t, err)
	o := New(node, p, oracle)
	clock := 0.0
	o.Now = func() float64 {
		clock++
		return clock
	}
	return o
}

// TestOrchestrateScenarioS1 exercises the spec's S1 scenario: one node, one
// app, one component, one implementing function — the node should offload
// it to itself at utility 75.
func TestOrchestrateScenarioS1(t *testing.T) {
	p := singleNodeProblem(t)
	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")

	o.Orchestrate()

	require.Len(t, o.Bundle, 1)
	assert.Equal(t, model.BundleEntry{App: "x", Component: "c", Function: "f"}, o.Bundle[0])
	assert.Equal(t, 75, o.PrivateUtilities[o.Bundle[0]])

	o.Election()
	assert.Equal(t, "A", o.Winners["x"]["c"])
	assert.Equal(t, 75, o.GetNodeUtility())
}

// TestOrchestrateRespectsResidualCapacity checks that the bundle never
// exceeds available resources: a second component that does not fit is
// left unallocated.
func TestOrchestrateRespectsResidualCapacity(t *testing.T) {
	p := model.NewProblem()
	p.AddFunction(model.Function{Name: "f", Consumption: model.Resources{"cpu": 3}})
	p.AddImplementation("c1", "f")
	p.AddImplementation("c2", "f")
	p.Available["A"] = model.Resources{"cpu": 4}
	p.Total["A"] = model.Resources{"cpu": 4}
	require.NoError(t, p.ExtendApps("x", &model.AppDescription{BaseNode: "other", Components: []string{"c1", "c2"}}, nil, nil))

	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")
	o.Orchestrate()

	require.Len(t, o.Bundle, 1, "only one component's worth of cpu=3 fits in available cpu=4")
}

// TestElectionPicksHigherValueThenEarlierTimestamp verifies the election
// tie-break rule directly against the voting table.
func TestElectionPicksHigherValueThenEarlierTimestamp(t *testing.T) {
	p := singleNodeProblem(t)
	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")

	o.Table.Set("x", "c", "A", Vote{Value: 50, Function: "f", Timestamp: 5})
	o.Table.Set("x", "c", "B", Vote{Value: 80, Function: "f", Timestamp: 10})
	o.Table.Set("x", "c", "C", Vote{Value: 80, Function: "f", Timestamp: 2})

	o.Election()
	assert.Equal(t, "C", o.Winners["x"]["c"], "highest value wins; among ties, earliest timestamp wins")
}

// TestLostComponentsAfterElection checks that a node that no longer wins a
// component it voted on shows up in LostComponents.
func TestLostComponentsAfterElection(t *testing.T) {
	p := singleNodeProblem(t)
	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")

	o.Table.Set("x", "c", "A", Vote{Value: 50, Function: "f", Timestamp: 5})
	o.Table.Set("x", "c", "B", Vote{Value: 90, Function: "f", Timestamp: 1})
	o.Election()

	lost := o.LostComponents("A")
	require.Len(t, lost, 1)
	assert.Equal(t, AppComponent{App: "x", Component: "c"}, lost[0])
}

// TestReleaseCascadesAndResetsSelfVote ensures Release clears every bundle
// entry at or after the earliest lost one, and resets this node's vote.
func TestReleaseCascadesAndResetsSelfVote(t *testing.T) {
	p := model.NewProblem()
	p.AddFunction(model.Function{Name: "f", Consumption: model.Resources{"cpu": 1}})
	p.AddImplementation("c1", "f")
	p.AddImplementation("c2", "f")
	p.Available["A"] = model.Resources{"cpu": 4}
	p.Total["A"] = model.Resources{"cpu": 4}
	require.NoError(t, p.ExtendApps("x", &model.AppDescription{BaseNode: "other", Components: []string{"c1", "c2"}}, nil, nil))

	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")
	o.Orchestrate()
	require.Len(t, o.Bundle, 2)

	released := o.Release([]AppComponent{{App: "x", Component: "c1"}}, true)
	assert.Len(t, released, 2, "c2 was placed after c1 so is cascaded too")
	assert.Empty(t, o.Bundle)
	assert.True(t, o.selfVote("x", "c1").IsZero())
	assert.True(t, o.selfVote("x", "c2").IsZero())
}

// TestReleaseIgnoresDeployedEntries checks deployed entries survive a release.
func TestReleaseIgnoresDeployedEntries(t *testing.T) {
	p := singleNodeProblem(t)
	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")
	o.Orchestrate()
	require.Len(t, o.Bundle, 1)
	entry := o.Bundle[0]
	o.MarkDeployed(entry)

	released := o.Release([]AppComponent{{App: "x", Component: "c"}}, true)
	assert.Empty(t, released)
	assert.Len(t, o.Bundle, 1)
}

// TestBlacklistPartialAllocations checks that an app with an unallocated
// component and a local reservation gets its entries released and is
// added to the blacklist, and that a second call skips the
// already-blacklisted app.
func TestBlacklistPartialAllocations(t *testing.T) {
	p := model.NewProblem()
	p.AddFunction(model.Function{Name: "f", Consumption: model.Resources{"cpu": 1}})
	p.AddImplementation("c1", "f")
	p.AddImplementation("c2", "f")
	p.Available["A"] = model.Resources{"cpu": 4}
	p.Total["A"] = model.Resources{"cpu": 4}
	require.NoError(t, p.ExtendApps("x", &model.AppDescription{BaseNode: "other", Components: []string{"c1", "c2"}}, nil, nil))

	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")
	o.Orchestrate()
	o.Election()
	// Orchestrate places both c1 and c2 on A; dropping c2's winner leaves
	// the app partially allocated in this single-node fixture.
	delete(o.Winners["x"], "c2")

	n := o.BlacklistPartialAllocations()
	assert.Equal(t, 1, n)
	assert.Contains(t, o.Blacklist, "x")
	assert.Empty(t, o.Bundle)

	assert.Equal(t, 0, o.BlacklistPartialAllocations(), "already blacklisted app is skipped")
}

// TestEligiblePairsExcludeBlacklistedAndDeployedApps verifies the
// eligibility filter from §4.3.1 step 2.
func TestEligiblePairsExcludeBlacklistedAndDeployedApps(t *testing.T) {
	p := singleNodeProblem(t)
	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")

	assert.Len(t, o.eligiblePairs(), 1)

	o.Blacklist = append(o.Blacklist, "x")
	assert.Empty(t, o.eligiblePairs())

	o.Blacklist = nil
	o.AppDeployed["x"] = true
	assert.Empty(t, o.eligiblePairs())
}

// TestRemoveAppFromStructuresDropsOnlyThatAppsBlacklistAndBundleEntries
// reproduces the OR half of S5's DEL step: removing app "y" clears only
// its own blacklist entry and bundle entries, leaving app "x" untouched.
func TestRemoveAppFromStructuresDropsOnlyThatAppsBlacklistAndBundleEntries(t *testing.T) {
	p := singleNodeProblem(t)
	require.NoError(t, p.ExtendApps("y", &model.AppDescription{BaseNode: "other", Components: []string{"c"}}, nil, nil))
	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")
	o.ExtendStructuresWithApp("y")
	o.Orchestrate()
	o.Election()
	require.Contains(t, o.Bundle, model.BundleEntry{App: "x", Component: "c", Function: "f"})

	o.Blacklist = append(o.Blacklist, "y")

	o.RemoveAppFromStructures("y")

	assert.NotContains(t, o.Blacklist, "y")
	assert.Contains(t, o.Bundle, model.BundleEntry{App: "x", Component: "c", Function: "f"}, "x's placement must be unchanged by y's removal")
	assert.Equal(t, "A", o.Winners["x"]["c"])
	_, stillHasY := o.Winners["y"]
	assert.False(t, stillHasY)
}

// TestSumVotesAndGetWinnersList exercise the small reporting helpers.
func TestSumVotesAndGetWinnersList(t *testing.T) {
	p := singleNodeProblem(t)
	o := newOrchestrator(t, "A", p)
	o.ExtendStructuresWithApp("x")
	o.Orchestrate()
	o.Election()

	assert.Equal(t, 75, o.SumVotes())
	assert.Equal(t, "A", o.GetWinnersList()["x"]["c"])
}
