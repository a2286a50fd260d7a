package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleNodeProblem() *Problem {
	p := NewProblem()
	p.AddFunction(Function{Name: "f", Consumption: Resources{"cpu": 1}})
	p.AddImplementation("c", "f")
	p.Available["A"] = Resources{"cpu": 4}
	p.Total["A"] = Resources{"cpu": 4}
	_ = p.ExtendApps("x", &AppDescription{
		BaseNode:   "A",
		Components: []string{"c"},
	}, nil, nil)
	return p
}

func TestFitsAndConsumption(t *testing.T) {
	p := singleNodeProblem()
	assert.True(t, p.Fits(Resources{"cpu": 4}, "f"))
	assert.False(t, p.Fits(Resources{"cpu": 0.5}, "f"))
	assert.Equal(t, Resources{"cpu": 1}, p.Consumption("f"))
	assert.Equal(t, Resources{}, p.Consumption("unknown"))
}

func TestCheckConstraints(t *testing.T) {
	p := singleNodeProblem()
	p.AppDescriptions["x"].Constraints = map[string]Constraint{
		"c": {Blacklist: []string{"B"}, Whitelist: nil},
	}
	assert.True(t, p.CheckConstraints("A", "x", "c"))
	assert.False(t, p.CheckConstraints("B", "x", "c"))

	p.AppDescriptions["x"].Constraints["c"] = Constraint{Whitelist: []string{"A"}}
	assert.True(t, p.CheckConstraints("A", "x", "c"))
	assert.False(t, p.CheckConstraints("C", "x", "c"))
}

func TestNormSkipsZeroTotalAndScalesByAvailable(t *testing.T) {
	p := singleNodeProblem()
	// Residual equals available exactly: norm should be 1.
	assert.InDelta(t, 1.0, p.Norm("A", Resources{"cpu": 4}), 1e-9)
	// Residual zero: norm should be 0.
	assert.InDelta(t, 0.0, p.Norm("A", Resources{"cpu": 0}), 1e-9)
	// A resource with zero availability is skipped, not divided by zero.
	p.Available["A"]["memory"] = 0
	assert.InDelta(t, 1.0, p.Norm("A", Resources{"cpu": 4, "memory": 0}), 1e-9)
}

func TestIsBundleConsuming(t *testing.T) {
	p := singleNodeProblem()
	assert.False(t, p.IsBundleConsuming("A", []string{"f"}))
	p.UpdateNodeResources("A", Resources{"cpu": 3})
	assert.True(t, p.IsBundleConsuming("A", []string{"f"}))
}

func TestUpdateNodeResourcesRaisesTotal(t *testing.T) {
	p := singleNodeProblem()
	p.UpdateNodeResources("A", Resources{"cpu": 10})
	assert.Equal(t, 10.0, p.Available["A"]["cpu"])
	assert.Equal(t, 10.0, p.Total["A"]["cpu"])

	p.UpdateNodeResources("A", Resources{"cpu": 2})
	assert.Equal(t, 2.0, p.Available["A"]["cpu"])
	assert.Equal(t, 10.0, p.Total["A"]["cpu"], "total never drops")
}

func TestExtendAppsIdempotence(t *testing.T) {
	p := singleNodeProblem()
	err := p.ExtendApps("x", &AppDescription{BaseNode: "A", Components: []string{"c"}}, nil, nil)
	assert.ErrorIs(t, err, ErrAppAlreadyKnown)

	require.NoError(t, p.RemoveApp("x"))
	assert.ErrorIs(t, p.RemoveApp("x"), ErrAppUnknown)

	require.NoError(t, p.ExtendApps("x", &AppDescription{BaseNode: "A", Components: []string{"c"}}, nil, nil))
	assert.True(t, p.HasApp("x"))
}

func TestResourceArithmetic(t *testing.T) {
	a := Resources{"cpu": 4, "mem": 1}
	b := Resources{"cpu": 1}
	assert.Equal(t, Resources{"cpu": 3, "mem": 1}, Sub(a, b))
	assert.Equal(t, Resources{"cpu": 5, "mem": 1}, Sum(a, b))
	assert.True(t, Leq(b, a))
	assert.False(t, Leq(a, b))
}
