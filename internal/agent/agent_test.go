package agent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/drone/internal/broker"
	"github.com/luxfi/drone/internal/config"
	"github.com/luxfi/drone/internal/logx"
	"github.com/luxfi/drone/internal/messages"
	"github.com/luxfi/drone/internal/metrics"
	"github.com/luxfi/drone/internal/model"
	"github.com/luxfi/drone/internal/neighborhood"
	"github.com/luxfi/drone/internal/utility"
)

func testSettings() *config.Settings {
	return &config.Settings{
		Timeouts: config.Timeouts{
			Agreement:     0.02,
			WeakAgreement: 2,
			Async:         0.01,
			SampleFrequency: 1,
		},
		ResultsFolder: ".",
		Messaging: config.Messaging{
			AppAdvertisementRoute: "APP_ADV_ROUTE",
			ResourceRoute:         "RESOURCE_ROUTE",
			SolutionRoute:         "SOLUTION_ROUTE",
		},
	}
}

// singleNodeProblem mirrors the orchestrator package's validated S1 setup
// (one node, one app, one component, one implementing function) so the
// expected utility of 75 is already proven elsewhere.
func singleNodeProblem() *model.Problem {
	p := model.NewProblem()
	p.Nodes = []string{"A"}
	p.AddFunction(model.Function{Name: "f", Consumption: model.Resources{"cpu": 1}})
	p.AddImplementation("c", "f")
	p.Available["A"] = model.Resources{"cpu": 4}
	p.Total["A"] = model.Resources{"cpu": 4}
	if err := p.ExtendApps("x", &model.AppDescription{BaseNode: "A", Components: []string{"c"}}, nil, nil); err != nil {
		panic(err)
	}
	return p
}

func newTestAgent(t *testing.T, node string, p *model.Problem, br broker.Broker) *Agent {
	t.Helper()
	oracle, err := utility.New(utility.ResidualCapacity, node, p)
	require.NoError(t, err)
	detector := &neighborhood.Detector{NeighborProbability: 0}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(node, reg)
	require.NoError(t, err)
	a := New(node, testSettings(), p, oracle, detector, br, logx.NewNop(), m)
	a.candidateNodes = p.Nodes
	return a
}

func TestSingleNodeRoundEndsViaShortTimerAndPersistsResults(t *testing.T) {
	dir := t.TempDir()
	p := singleNodeProblem()
	a := newTestAgent(t, "A", p, broker.NewLocal())
	a.Settings.ResultsFolder = dir

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	utilityValue, err := a.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 75, utilityValue)

	data, err := os.ReadFile(dir + "/results_A.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"utility":75`)
	assert.Contains(t, string(data), `"x","c","f"`)
}

// TestNetworkSilenceEndsUnderWeakTimer reproduces S6: a node with one
// active neighbor that never sends anything. The short timer must never
// arm (Active is not a subset of the empty AgreeNeighbors set), so the
// round can only end via the weak timer, and the round's strong-
// agreement flag must read false.
func TestNetworkSilenceEndsUnderWeakTimer(t *testing.T) {
	dir := t.TempDir()
	p := singleNodeProblem()
	p.Nodes = []string{"A", "B"}
	a := newTestAgent(t, "A", p, broker.NewLocal())
	a.Settings.ResultsFolder = dir
	a.Settings.Timeouts.WeakAgreement = 0.03
	a.Detector.NeighborProbability = 100 // B is always an active neighbor

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := a.Run(ctx, false)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "round should end via the weak timer, not the test's outer deadline")
	assert.False(t, a.Active.Subset(a.AG.AgreeNeighbors), "B never agreed, so strong agreement must not hold")
}

func TestToSenderMessageConvertsVotingData(t *testing.T) {
	msg := messages.VoteMessage{
		Base:    messages.Base{Sender: "B", Timestamp: 5},
		Winners: map[string]map[string]string{"A": {"c": "B"}},
		VotingData: map[string]map[string]map[string]messages.VotingEntry{
			"A": {"c": {"B": {Value: 60, Implementation: "f", Timestamp: 5}}},
		},
	}
	sm := toSenderMessage(msg)
	assert.Equal(t, "B", sm.Winners["A"]["c"])
	assert.Equal(t, 60, sm.Votes["A"]["c"]["B"].Value)
	assert.Equal(t, "f", sm.Votes["A"]["c"]["B"].Function)
}

func TestToAppDescriptionSynthesizesScopedFunctionNames(t *testing.T) {
	msg := messages.AppAdvMessage{
		AppName: "A",
		Type:    messages.AdvAdd,
		Components: []messages.AdvComponent{
			{Name: "c", Function: &messages.AdvFunctionSpec{Image: "img", Resources: map[string]int{"cpu": 2}}},
		},
	}
	desc, functions, implementations := toAppDescription(msg)
	assert.Equal(t, []string{"c"}, desc.Components)
	require.Len(t, functions, 1)
	assert.Equal(t, "A/c", functions[0].Name)
	assert.Equal(t, float64(2), functions[0].Consumption["cpu"])
	assert.Equal(t, "A/c", implementations["c"])
}

func TestRecordSentBucketsBySampleFrequency(t *testing.T) {
	p := singleNodeProblem()
	a := newTestAgent(t, "x", p, broker.NewLocal())
	a.Settings.Timeouts.SampleFrequency = 10

	t0 := 100.0
	a.Now = func() float64 { return t0 }
	a.recordSent()
	a.recordSent()
	require.Len(t, a.rates, 1)
	assert.Equal(t, 2, a.rates[0].Count)

	a.Now = func() float64 { return t0 + 11 }
	a.recordSent()
	require.Len(t, a.rates, 2)
	assert.Equal(t, 1, a.rates[1].Count)
}
