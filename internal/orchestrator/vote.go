// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package orchestrator implements the local bundle-construction and
// election logic (OR in the component design): it greedily builds a node's
// offload bundle and derives, from the voting table, who currently wins
// each (app, component).
package orchestrator

import "github.com/luxfi/drone/utils/linked"

// Vote is a node's claim on a component: a value, the function it would
// host, and the wall-clock time it was cast. The zero Vote (Value == 0,
// Function == "") represents "no vote".
type Vote struct {
	Value     int
	Function  string
	Timestamp float64
}

// IsZero reports whether v represents "no vote".
func (v Vote) IsZero() bool {
	return v.Value == 0 && v.Function == ""
}

// Beats reports whether v should win over other under the election rule:
// higher value wins; on equal values, the earlier timestamp wins.
func (v Vote) Beats(other Vote) bool {
	if v.Value != other.Value {
		return v.Value > other.Value
	}
	return v.Timestamp < other.Timestamp
}

// nodeVotes is a node -> Vote map that iterates in first-seen order, used
// so that merge/tie-break logic that must pick "first in iteration" (the
// deterministic resolution for the timestamp-tie case the spec calls out)
// is reproducible rather than dependent on Go's randomized map order.
type nodeVotes = linked.Hashmap[string, Vote]

func newNodeVotes() *nodeVotes {
	return linked.NewHashmap[string, Vote]()
}

// VotingTable is app -> component -> node -> Vote. Every node has an
// implicit zero Vote entry for every (app, component) pair it has not
// voted on; resets and merges also store explicit zero-valued votes
// (with their timestamps), so stored entries can be zero.
type VotingTable struct {
	data map[string]map[string]*nodeVotes
}

// NewVotingTable returns an empty voting table.
func NewVotingTable() *VotingTable {
	return &VotingTable{data: make(map[string]map[string]*nodeVotes)}
}

// Get returns the vote node has cast for (app, component), or the zero Vote.
func (t *VotingTable) Get(app, component, node string) Vote {
	comps, ok := t.data[app]
	if !ok {
		return Vote{}
	}
	votes, ok := comps[component]
	if !ok {
		return Vote{}
	}
	v, _ := votes.Get(node)
	return v
}

// Set records node's vote for (app, component).
func (t *VotingTable) Set(app, component, node string, v Vote) {
	comps, ok := t.data[app]
	if !ok {
		comps = make(map[string]*nodeVotes)
		t.data[app] = comps
	}
	votes, ok := comps[component]
	if !ok {
		votes = newNodeVotes()
		comps[component] = votes
	}
	votes.Put(node, v)
}

// Components returns the components known for app.
func (t *VotingTable) Components(app string) []string {
	comps, ok := t.data[app]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(comps))
	for c := range comps {
		out = append(out, c)
	}
	return out
}

// Apps returns every app with at least one recorded vote.
func (t *VotingTable) Apps() []string {
	out := make([]string, 0, len(t.data))
	for a := range t.data {
		out = append(out, a)
	}
	return out
}

// Each calls f for every (node, vote) recorded for (app, component), in
// first-seen order.
func (t *VotingTable) Each(app, component string, f func(node string, v Vote) bool) {
	comps, ok := t.data[app]
	if !ok {
		return
	}
	votes, ok := comps[component]
	if !ok {
		return
	}
	votes.Iterate(f)
}

// RemoveApp drops every recorded vote for app.
func (t *VotingTable) RemoveApp(app string) {
	delete(t.data, app)
}
