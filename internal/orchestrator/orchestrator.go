// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package orchestrator

import (
	"math"
	"sort"
	"time"

	"github.com/luxfi/drone/internal/model"
	"github.com/luxfi/drone/internal/utility"
	"github.com/luxfi/drone/utils/bag"
)

// maxVote is the "effectively infinite" initial per-component vote cap.
const maxVote = math.MaxInt32

// AppComponent identifies a (app, component) pair.
type AppComponent struct {
	App       string
	Component string
}

// Orchestrator builds the local offload bundle and runs the election; it
// is the OR component.
type Orchestrator struct {
	Node    string
	Problem *model.Problem
	Oracle  utility.Oracle

	// Now returns wall-clock seconds; overridable for deterministic tests.
	Now func() float64

	Table                *VotingTable
	Winners              map[string]map[string]string // app -> component -> node ("" = none)
	Bundle               []model.BundleEntry
	Deployed             map[model.BundleEntry]bool
	PerComponentMaxVote  map[string]map[string]int // app -> component -> cap
	PrivateUtilities     map[model.BundleEntry]int
	Blacklist            []string // ordered app blacklist
	AppDeployed          map[string]bool
}

// New returns an Orchestrator for node over problem, using oracle as its
// private utility function.
func New(node string, problem *model.Problem, oracle utility.Oracle) *Orchestrator {
	return &Orchestrator{
		Node:                node,
		Problem:             problem,
		Oracle:              oracle,
		Now:                 wallClock,
		Table:               NewVotingTable(),
		Winners:             make(map[string]map[string]string),
		Deployed:            make(map[model.BundleEntry]bool),
		PerComponentMaxVote: make(map[string]map[string]int),
		PrivateUtilities:    make(map[model.BundleEntry]int),
		AppDeployed:         make(map[string]bool),
	}
}

func wallClock() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ExtendStructuresWithApp registers empty bookkeeping for a newly known
// app; idempotent.
func (o *Orchestrator) ExtendStructuresWithApp(app string) {
	if _, ok := o.PerComponentMaxVote[app]; !ok {
		o.PerComponentMaxVote[app] = make(map[string]int)
	}
}

// RemoveAppFromStructures drops all OR-owned bookkeeping for app; idempotent.
func (o *Orchestrator) RemoveAppFromStructures(app string) {
	delete(o.PerComponentMaxVote, app)
	delete(o.Winners, app)
	delete(o.AppDeployed, app)
	o.Table.RemoveApp(app)
	o.Blacklist = removeString(o.Blacklist, app)
	var kept []model.BundleEntry
	for _, e := range o.Bundle {
		if e.App == app {
			delete(o.Deployed, e)
			delete(o.PrivateUtilities, e)
			continue
		}
		kept = append(kept, e)
	}
	o.Bundle = kept
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// selfVote returns this node's current vote for (app, component).
func (o *Orchestrator) selfVote(app, component string) Vote {
	return o.Table.Get(app, component, o.Node)
}

// winnerVote returns the current winning vote value for (app, component),
// or 0 if nobody has won it yet.
func (o *Orchestrator) winnerVote(app, component string) int {
	winner := o.Winners[app][component]
	if winner == "" {
		return 0
	}
	return o.Table.Get(app, component, winner).Value
}

func (o *Orchestrator) isBlacklisted(app string) bool {
	for _, a := range o.Blacklist {
		if a == app {
			return true
		}
	}
	return false
}

func (o *Orchestrator) inBundle(app, component string) bool {
	for _, e := range o.Bundle {
		if e.App == app && e.Component == component {
			return true
		}
	}
	return false
}

func (o *Orchestrator) findBundleEntry(app, component string) (model.BundleEntry, bool) {
	for _, e := range o.Bundle {
		if e.App == app && e.Component == component {
			return e, true
		}
	}
	return model.BundleEntry{}, false
}

// appBundleEntries returns this node's bundle entries belonging to app.
func (o *Orchestrator) appBundleEntries(app string) []AppComponent {
	var out []AppComponent
	for _, e := range o.Bundle {
		if e.App == app {
			out = append(out, AppComponent{App: e.App, Component: e.Component})
		}
	}
	return out
}

// nonDeployedEntries returns the bundle entries not yet confirmed deployed.
func (o *Orchestrator) nonDeployedEntries() []model.BundleEntry {
	var out []model.BundleEntry
	for _, e := range o.Bundle {
		if !o.Deployed[e] {
			out = append(out, e)
		}
	}
	return out
}

// GetDeployedBundle returns the entries confirmed deployed.
func (o *Orchestrator) GetDeployedBundle() []model.BundleEntry {
	var out []model.BundleEntry
	for _, e := range o.Bundle {
		if o.Deployed[e] {
			out = append(out, e)
		}
	}
	return out
}

// MarkDeployed marks entry as deployed (immune to release).
func (o *Orchestrator) MarkDeployed(entry model.BundleEntry) {
	o.Deployed[entry] = true
}

// GetNodeUtility sums the recorded private utility of every bundle entry.
func (o *Orchestrator) GetNodeUtility() int {
	sum := 0
	for _, e := range o.Bundle {
		sum += o.PrivateUtilities[e]
	}
	return sum
}

// GetWinnersList returns the current Winners projection.
func (o *Orchestrator) GetWinnersList() map[string]map[string]string {
	return o.Winners
}

// SumVotes sums this node's own non-zero self-vote values.
func (o *Orchestrator) SumVotes() int {
	sum := 0
	for _, app := range o.Table.Apps() {
		for _, c := range o.Table.Components(app) {
			if v := o.selfVote(app, c); v.Value > 0 {
				sum += v.Value
			}
		}
	}
	return sum
}

// Election recomputes Winners from the voting table: for each (app,
// component), the node with the strictly highest vote wins; ties are
// broken by earliest timestamp, and remaining ties by first-seen order in
// the per-(app,component) node map (deterministic, per §4.3.2).
func (o *Orchestrator) Election() {
	winners := make(map[string]map[string]string)
	for _, app := range o.Table.Apps() {
		winners[app] = make(map[string]string)
		for _, component := range o.Table.Components(app) {
			var bestNode string
			var best Vote
			have := false
			o.Table.Each(app, component, func(node string, v Vote) bool {
				if v.Value <= 0 {
					return true
				}
				if !have || v.Beats(best) {
					bestNode, best, have = node, v, true
				}
				return true
			})
			if have {
				winners[app][component] = bestNode
			}
		}
	}
	o.Winners = winners
}

// VotedComponents returns every (app, component) node has cast a non-zero
// vote for.
func (o *Orchestrator) VotedComponents(node string) []AppComponent {
	var out []AppComponent
	for _, app := range o.Table.Apps() {
		for _, c := range o.Table.Components(app) {
			if o.Table.Get(app, c, node).Value > 0 {
				out = append(out, AppComponent{App: app, Component: c})
			}
		}
	}
	return out
}

// LostComponents returns the (app, component) pairs node had voted on but
// no longer wins, after the most recent Election.
func (o *Orchestrator) LostComponents(node string) []AppComponent {
	var out []AppComponent
	for _, ac := range o.VotedComponents(node) {
		if o.Winners[ac.App][ac.Component] != node {
			out = append(out, ac)
		}
	}
	return out
}

// eligiblePairs returns the (app, component) pairs this node may still
// contend for, per §4.3.1 step 2.
func (o *Orchestrator) eligiblePairs() []AppComponent {
	var out []AppComponent
	for app, desc := range o.Problem.AppDescriptions {
		if o.AppDeployed[app] || o.isBlacklisted(app) {
			continue
		}
		for _, c := range desc.Components {
			if o.inBundle(app, c) {
				continue
			}
			if !o.Problem.CheckConstraints(o.Node, app, c) {
				continue
			}
			voteCap := o.capOf(app, c)
			if voteCap <= o.winnerVote(app, c) {
				continue
			}
			out = append(out, AppComponent{App: app, Component: c})
		}
	}
	sortPairs(out)
	return out
}

func sortPairs(pairs []AppComponent) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].App != pairs[j].App {
			return pairs[i].App < pairs[j].App
		}
		return pairs[i].Component < pairs[j].Component
	})
}

func (o *Orchestrator) capOf(app, component string) int {
	if m, ok := o.PerComponentMaxVote[app]; ok {
		if v, ok := m[component]; ok {
			return v
		}
	}
	return maxVote
}

func (o *Orchestrator) setCap(app, component string, v int) {
	m, ok := o.PerComponentMaxVote[app]
	if !ok {
		m = make(map[string]int)
		o.PerComponentMaxVote[app] = m
	}
	m[component] = v
}

// smallestPositiveSelfVote returns the smallest positive self-vote value
// cast in app, ignoring the component currently being voted on, or
// maxVote if none exists.
func (o *Orchestrator) smallestPositiveSelfVote(app, excludingComponent string) int {
	best := maxVote
	for _, c := range o.Table.Components(app) {
		if c == excludingComponent {
			continue
		}
		if v := o.selfVote(app, c); v.Value > 0 && v.Value < best {
			best = v.Value
		}
	}
	return best
}

// Orchestrate greedily builds the local offload bundle, per §4.3.1.
func (o *Orchestrator) Orchestrate() {
	residual := model.Sub(o.Problem.Available[o.Node], o.Problem.BundleConsumption(o.nonDeployedEntries()))
	eligible := o.eligiblePairs()

	for {
		var filtered []AppComponent
		for _, pair := range eligible {
			fns := o.Problem.GetImplementations(pair.Component)
			if len(fns) == 0 {
				continue
			}
			if o.Problem.Fits(residual, fns[0]) {
				filtered = append(filtered, pair)
			}
		}
		if len(filtered) == 0 {
			break
		}

		bundle := o.nonDeployedEntries()
		bestUtility := -1
		var bestPair AppComponent
		var bestFn string
		for _, pair := range filtered {
			fn := o.Problem.GetImplementations(pair.Component)[0]
			u := o.Oracle.MarginalUtility(bundle, pair.App, pair.Component, fn)
			if u > bestUtility {
				bestUtility, bestPair, bestFn = u, pair, fn
			}
		}

		voteValue := minInt(
			o.smallestPositiveSelfVote(bestPair.App, bestPair.Component),
			o.capOf(bestPair.App, bestPair.Component),
			bestUtility,
		)

		if voteValue > o.winnerVote(bestPair.App, bestPair.Component) {
			entry := model.BundleEntry{App: bestPair.App, Component: bestPair.Component, Function: bestFn}
			o.Bundle = append(o.Bundle, entry)
			residual = model.Sub(residual, o.Problem.Consumption(bestFn))
			o.PrivateUtilities[entry] = bestUtility
			o.Table.Set(bestPair.App, bestPair.Component, o.Node, Vote{Value: voteValue, Function: bestFn, Timestamp: o.Now()})
			o.setCap(bestPair.App, bestPair.Component, voteValue)
			if o.Winners[bestPair.App] == nil {
				o.Winners[bestPair.App] = make(map[string]string)
			}
			o.Winners[bestPair.App][bestPair.Component] = o.Node
		}

		eligible = removePair(eligible, bestPair)
	}
}

func removePair(pairs []AppComponent, remove AppComponent) []AppComponent {
	out := pairs[:0:0]
	for _, p := range pairs {
		if p != remove {
			out = append(out, p)
		}
	}
	return out
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// resetSelfVote zeroes this node's self-vote for (app, component) with a
// fresh timestamp, and clears Winners if this node was the winner.
func (o *Orchestrator) resetSelfVote(app, component string) {
	o.Table.Set(app, component, o.Node, Vote{Timestamp: o.Now()})
	if o.Winners[app] != nil && o.Winners[app][component] == o.Node {
		delete(o.Winners[app], component)
	}
}

// ResetAllVotes clears every known node's vote for (app, component) to
// zero with a fresh timestamp, dropping Winners[app][component]. It is
// the agreement engine's entry point into the mutual-winner reset: when
// two neighbors each claim to be the other's winner for the same pair,
// every vote on it (not just this node's own) is stale and must be
// wiped before re-election can proceed cleanly. Distinct from Release:
// it does not touch the bundle or the oracle.
func (o *Orchestrator) ResetAllVotes(app, component string) {
	var nodes []string
	o.Table.Each(app, component, func(node string, v Vote) bool {
		nodes = append(nodes, node)
		return true
	})
	fresh := o.Now()
	for _, node := range nodes {
		o.Table.Set(app, component, node, Vote{Timestamp: fresh})
	}
	if o.Winners[app] != nil {
		delete(o.Winners[app], component)
	}
}

// BumpSelfVoteTimestamp refreshes this node's existing vote for (app,
// component) with a new timestamp, keeping its value and function. Used
// by the agreement engine to defend a currently-winning vote against a
// competing claim without changing what was voted.
func (o *Orchestrator) BumpSelfVoteTimestamp(app, component string) {
	v := o.selfVote(app, component)
	v.Timestamp = o.Now()
	o.Table.Set(app, component, o.Node, v)
}

func (o *Orchestrator) removeFromBundle(entries []model.BundleEntry) {
	if len(entries) == 0 {
		return
	}
	remove := make(map[model.BundleEntry]struct{}, len(entries))
	for _, e := range entries {
		remove[e] = struct{}{}
	}
	var kept []model.BundleEntry
	for _, e := range o.Bundle {
		if _, drop := remove[e]; drop {
			continue
		}
		kept = append(kept, e)
	}
	o.Bundle = kept
}

// Release expands lost via the utility oracle's release-set, filters out
// deployed entries (unless ignoreDeployed is false), removes the survivors
// from the bundle, and resets this node's self-vote for each, per §4.3.4.
func (o *Orchestrator) Release(lost []AppComponent, ignoreDeployed bool) []model.BundleEntry {
	var lostEntries []model.BundleEntry
	for _, ac := range lost {
		if e, ok := o.findBundleEntry(ac.App, ac.Component); ok {
			lostEntries = append(lostEntries, e)
		}
	}
	if len(lostEntries) == 0 {
		return nil
	}

	toRelease := o.Oracle.ToBeReleased(o.Bundle, lostEntries)
	var removed []model.BundleEntry
	for _, e := range toRelease {
		if ignoreDeployed && o.Deployed[e] {
			continue
		}
		removed = append(removed, e)
	}

	o.removeFromBundle(removed)
	for _, e := range removed {
		o.resetSelfVote(e.App, e.Component)
		delete(o.Deployed, e)
		delete(o.PrivateUtilities, e)
	}
	return removed
}

// BlacklistPartialAllocations finds the worst partially-allocated app this
// node still reserves resources for (most unallocated components, ties
// broken by least private utility contributed), releases its entries, and
// blacklists it. Returns the number blacklisted (0 or 1); call repeatedly
// until it returns 0.
func (o *Orchestrator) BlacklistPartialAllocations() int {
	type candidate struct {
		app        string
		utilitySum int
	}

	// unallocated tallies, per app, how many of its components have no
	// winner yet — a vote-counting bag repurposed to count missing
	// allocations instead of ballots.
	unallocated := bag.New[string]()
	var apps []string
	for app, desc := range o.Problem.AppDescriptions {
		if o.isBlacklisted(app) {
			continue
		}
		missing := 0
		for _, c := range desc.Components {
			if o.Winners[app] == nil || o.Winners[app][c] == "" {
				missing++
			}
		}
		if missing == 0 {
			continue
		}
		unallocated.AddCount(app, missing)
		apps = append(apps, app)
	}

	var candidates []candidate
	for _, app := range apps {
		entries := o.appBundleEntries(app)
		if len(entries) == 0 {
			continue
		}
		utilitySum := 0
		for _, ac := range entries {
			if e, ok := o.findBundleEntry(ac.App, ac.Component); ok {
				utilitySum += o.PrivateUtilities[e]
			}
		}
		candidates = append(candidates, candidate{app, utilitySum})
	}
	if len(candidates) == 0 {
		return 0
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := unallocated.Count(candidates[i].app), unallocated.Count(candidates[j].app)
		if ci != cj {
			return ci > cj
		}
		if candidates[i].utilitySum != candidates[j].utilitySum {
			return candidates[i].utilitySum < candidates[j].utilitySum
		}
		return candidates[i].app < candidates[j].app
	})
	worst := candidates[0]
	o.Release(o.appBundleEntries(worst.app), true)
	o.Blacklist = append(o.Blacklist, worst.app)
	return 1
}

// ClearBlacklist empties the app blacklist, e.g. on a DEL advertisement or
// on the reappearance of a previously-silent neighbor.
func (o *Orchestrator) ClearBlacklist() {
	o.Blacklist = nil
}
