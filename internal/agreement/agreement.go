// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package agreement implements the per-batch merge, re-election, and
// per-neighbor decision table this system calls "agreement" (AG in the
// component design): it reconciles this node's voting table against a
// batch of neighbor messages and decides what, if anything, needs to be
// rebroadcast or sent back.
package agreement

import (
	"sort"

	"github.com/luxfi/drone/internal/orchestrator"
	"github.com/luxfi/drone/set"
)

// Vote aliases the orchestrator's vote type so callers building a Batch
// don't need to import both packages for the same concept.
type Vote = orchestrator.Vote

// SenderMessage is one neighbor's contribution to a batch: its view of
// the voting table entries relevant to this round, and the winners it
// derives from its own table.
type SenderMessage struct {
	// Votes is app -> component -> node -> vote, restricted to whatever
	// the sender chose to include in its message.
	Votes map[string]map[string]map[string]Vote
	// Winners is app -> component -> winning node, as seen by the sender.
	Winners map[string]map[string]string
}

// Batch is a round's worth of neighbor messages, keyed by sender node.
type Batch map[string]SenderMessage

// Outcome reports what the caller (the agent runtime) should do after a
// batch has been merged and reconciled.
type Outcome struct {
	// Rebroadcast is true if the full local state should be broadcast to
	// every neighbor, not just the senders in SendList.
	Rebroadcast bool
	// Updated is true if the batch triggered a revote, so Orchestrate ran
	// again; it is set whether or not the bundle changed.
	Updated bool
	// SendList holds senders that should receive a targeted confirmation
	// message: either because they ended this batch in full agreement, or
	// because a defended vote needs to reach them specifically.
	SendList []string
}

// Engine runs the merge/election/decision-table procedure over an
// orchestrator's state. It owns the revoting flag and the per-neighbor
// agreement set, both of which persist across batches.
type Engine struct {
	Orch *orchestrator.Orchestrator

	// RevotingEnabled gates step 7: some deployments run with revoting
	// disabled to study the pure agreement dynamics in isolation.
	RevotingEnabled bool
	// PendingRevoting is set by the caller (after an application
	// advertisement adds or removes an app) to force an orchestrate pass
	// on the next batch, when RevotingEnabled, even if nothing was lost
	// or partially allocated.
	PendingRevoting bool

	// AgreeNeighbors is the set of neighbors this node currently agrees
	// with on every (app, component) they have exchanged data about.
	AgreeNeighbors set.Set[string]
}

// New returns an Engine over orch with revoting enabled.
func New(orch *orchestrator.Orchestrator) *Engine {
	return &Engine{
		Orch:            orch,
		RevotingEnabled: true,
		AgreeNeighbors:  set.Set[string]{},
	}
}

func cloneWinners(w map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(w))
	for app, comps := range w {
		c := make(map[string]string, len(comps))
		for k, v := range comps {
			c[k] = v
		}
		out[app] = c
	}
	return out
}

func touchesPair(msg SenderMessage, app, component string) bool {
	if comps, ok := msg.Winners[app]; ok {
		if _, ok := comps[component]; ok {
			return true
		}
	}
	if comps, ok := msg.Votes[app]; ok {
		if _, ok := comps[component]; ok {
			return true
		}
	}
	return false
}

// Run merges batch into the orchestrator's voting table, re-elects, and
// either triggers a full revote or applies the per-sender decision
// table, per §4.4.
func (e *Engine) Run(batch Batch) Outcome {
	orch := e.Orch
	self := orch.Node

	// 1. Snapshot the pre-merge winners and table so later comparisons (L,
	// T) are against the state before this batch touched anything. The
	// merge below builds a brand new table and swaps it into orch.Table,
	// so holding onto the old one here is enough to keep it pristine for
	// the rest of Run; no deep copy of its entries is needed.
	localWinnersBefore := cloneWinners(orch.Winners)
	preMergeTable := orch.Table
	localVoteBefore := func(app, component string) Vote {
		winner := localWinnersBefore[app][component]
		if winner == "" {
			return Vote{}
		}
		return preMergeTable.Get(app, component, winner)
	}

	// 2. Senders in this batch must be re-validated.
	for sender := range batch {
		e.AgreeNeighbors.Remove(sender)
	}

	// 3. Merge: for every (app, component, node), keep the entry with the
	// maximum timestamp across the local table and every sender. Local
	// entries are recorded first, then senders in sorted order, so a
	// timestamp tie keeps whichever was recorded first.
	type key struct{ app, component, node string }
	best := make(map[key]Vote)
	record := func(app, component, node string, v Vote) {
		k := key{app, component, node}
		if cur, ok := best[k]; !ok || v.Timestamp > cur.Timestamp {
			best[k] = v
		}
	}
	for _, app := range orch.Table.Apps() {
		for _, component := range orch.Table.Components(app) {
			orch.Table.Each(app, component, func(node string, v Vote) bool {
				record(app, component, node, v)
				return true
			})
		}
	}
	senders := make([]string, 0, len(batch))
	for sender := range batch {
		senders = append(senders, sender)
	}
	sort.Strings(senders)
	for _, sender := range senders {
		msg := batch[sender]
		for app, comps := range msg.Votes {
			for component, nodes := range comps {
				for node, v := range nodes {
					record(app, component, node, v)
				}
			}
		}
	}
	merged := orchestrator.NewVotingTable()
	for k, v := range best {
		merged.Set(k.app, k.component, k.node, v)
	}
	orch.Table = merged

	// 4. Re-elect on the merged table.
	orch.Election()
	newWinners := orch.Winners

	// 5. Outvoted: self won (a,c) before the merge but lost it after.
	var lost []orchestrator.AppComponent
	for app, comps := range localWinnersBefore {
		for component, winner := range comps {
			if winner == self && newWinners[app][component] != self {
				lost = append(lost, orchestrator.AppComponent{App: app, Component: component})
			}
		}
	}
	outvoted := len(lost) > 0
	if outvoted {
		orch.Release(lost, true)
	}

	// 6. Partial allocations, only considered if nothing was lost.
	partial := false
	if !outvoted && orch.BlacklistPartialAllocations() == 1 {
		partial = true
	}

	// 7. Revote early-exit.
	if e.RevotingEnabled && (e.PendingRevoting || outvoted || partial) {
		orch.Orchestrate()
		e.PendingRevoting = false
		return Outcome{Rebroadcast: true, Updated: true}
	}

	// 8. Per-sender decision table, evaluated per (app, component) pair
	// any sender in the batch actually sent data about.
	pairs := make(map[orchestrator.AppComponent]struct{})
	for _, sender := range senders {
		msg := batch[sender]
		for app, comps := range msg.Winners {
			for component := range comps {
				pairs[orchestrator.AppComponent{App: app, Component: component}] = struct{}{}
			}
		}
		for app, comps := range msg.Votes {
			for component := range comps {
				pairs[orchestrator.AppComponent{App: app, Component: component}] = struct{}{}
			}
		}
	}

	rebroadcast := false
	sendTo := make(map[string]bool)
	agreedAll := make(map[string]bool, len(batch))
	for _, sender := range senders {
		agreedAll[sender] = true
	}

	for pair := range pairs {
		app, component := pair.App, pair.Component
		L := localWinnersBefore[app][component]
		W := newWinners[app][component]
		before := localVoteBefore(app, component)
		var mergedVote Vote
		if W != "" {
			mergedVote = orch.Table.Get(app, component, W)
		}
		tNewer := mergedVote.Timestamp > before.Timestamp
		sameValue := W != "" && L != "" && mergedVote.Value == before.Value

		for _, sender := range senders {
			msg := batch[sender]
			if !touchesPair(msg, app, component) {
				continue
			}
			R := ""
			if comps, ok := msg.Winners[app]; ok {
				R = comps[component]
			}

			agreementHere := false
			switch {
			case sender == L && self == R:
				// Mutual-winner: both sides claim the other as winner.
				// Every known vote for the pair is reset, not just this
				// node's own, so the stale claim can't survive the merge.
				orch.ResetAllVotes(app, component)
				rebroadcast = true

			case L == R && R == W:
				switch {
				case tNewer && sameValue:
					agreementHere = true
				case tNewer && !sameValue:
					rebroadcast = true
					agreementHere = true
				default:
					agreementHere = true
				}

			case R == W:
				rebroadcast = true
				agreementHere = true

			case L == W:
				switch {
				case self == W:
					orch.BumpSelfVoteTimestamp(app, component)
					sendTo[sender] = true
				case tNewer:
					// UPDATE already reflected by the merged table; no
					// rebroadcast, no agreement.
				default:
					sendTo[sender] = true
				}

			default:
				rebroadcast = true
			}

			if !agreementHere {
				agreedAll[sender] = false
			}
		}
	}

	sendSet := make(map[string]bool, len(sendTo))
	for sender, agreed := range agreedAll {
		if agreed {
			e.AgreeNeighbors.Add(sender)
			sendSet[sender] = true
		}
	}
	for sender := range sendTo {
		sendSet[sender] = true
	}
	sendList := make([]string, 0, len(sendSet))
	for sender := range sendSet {
		sendList = append(sendList, sender)
	}
	sort.Strings(sendList)

	return Outcome{Rebroadcast: rebroadcast, SendList: sendList}
}
