// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/luxfi/drone/internal/messages"
	"github.com/luxfi/drone/internal/model"
	"github.com/luxfi/drone/internal/orchestrator"
	"github.com/luxfi/drone/set"
)

// handleAppAdv implements the App ADD/DEL/MOD handlers of §4.5's
// "Advertisement and resource handlers" subsection.
func (a *Agent) handleAppAdv(msg messages.AppAdvMessage, timers *roundTimers) {
	a.mu.Lock()
	known := a.Problem.HasApp(msg.AppName)
	if err := msg.Validate(known, a.KnownResources); err != nil {
		a.mu.Unlock()
		a.Log.Warn("dropping invalid advertisement", zap.String("app", msg.AppName), zap.Error(err))
		return
	}

	changed := true
	switch msg.Type {
	case messages.AdvAdd:
		desc, functions, implementations := toAppDescription(msg)
		if err := a.Problem.ExtendApps(msg.AppName, desc, functions, implementations); err != nil {
			a.Log.Error("app already known despite passing validation", zap.String("app", msg.AppName), zap.Error(err))
			changed = false
			break
		}
		a.Orch.ExtendStructuresWithApp(msg.AppName)
		a.Orch.Orchestrate()

	case messages.AdvDel:
		a.Orch.RemoveAppFromStructures(msg.AppName)
		a.Orch.ClearBlacklist()
		if err := a.Problem.RemoveApp(msg.AppName); err != nil {
			a.Log.Error("app unknown despite passing validation", zap.String("app", msg.AppName), zap.Error(err))
		}

	case messages.AdvMod:
		a.Log.Warn("app MOD advertisement accepted as a no-op", zap.String("app", msg.AppName))
		changed = false
	}

	if changed {
		a.AG.AgreeNeighbors = set.Set[string]{}
		a.AG.PendingRevoting = true
		a.lastUpdateTime = a.Now()
	}
	a.mu.Unlock()

	if changed {
		if err := a.broadcastFull(context.Background()); err != nil {
			a.Log.Warn("broadcast after advertisement failed", zap.Error(err))
		}
		timers.refreshWeak(durationSeconds(a.Settings.Timeouts.WeakAgreement))
	}
}

// toAppDescription converts the wire advertisement into the problem
// model's AppDescription, synthesizing one function per component whose
// name is scoped to the app to avoid collisions across apps that happen
// to share a component name.
func toAppDescription(msg messages.AppAdvMessage) (*model.AppDescription, []model.Function, map[string]string) {
	desc := &model.AppDescription{
		Components:  make([]string, 0, len(msg.Components)),
		Constraints: make(map[string]model.Constraint, len(msg.Components)),
	}
	var functions []model.Function
	implementations := make(map[string]string, len(msg.Components))

	for _, c := range msg.Components {
		desc.Components = append(desc.Components, c.Name)
		desc.Constraints[c.Name] = model.Constraint{
			Blacklist: c.NodesBlacklist,
			Whitelist: c.NodesWhitelist,
		}
		if c.Function != nil {
			fn := fmt.Sprintf("%s/%s", msg.AppName, c.Name)
			functions = append(functions, model.Function{
				Name:        fn,
				Image:       c.Function.Image,
				Consumption: toResources(c.Function.Resources),
			})
			implementations[c.Name] = fn
		}
	}
	return desc, functions, implementations
}

func toResources(m map[string]int) model.Resources {
	out := make(model.Resources, len(m))
	for k, v := range m {
		out[k] = float64(v)
	}
	return out
}

// handleResource applies a resource update to the problem model. It does
// not by itself trigger re-orchestration, per §4.5.
func (a *Agent) handleResource(msg messages.ResourceMessage) {
	if msg.Sender != a.Node {
		return
	}
	a.mu.Lock()
	a.Problem.UpdateNodeResources(a.Node, model.Resources(msg.NodeResources))
	a.mu.Unlock()
}

// snapshotVotingData converts the orchestrator's voting table into the
// wire VotingEntry shape.
func (a *Agent) snapshotVotingData() map[string]map[string]map[string]messages.VotingEntry {
	out := make(map[string]map[string]map[string]messages.VotingEntry)
	for _, app := range a.Orch.Table.Apps() {
		comps := make(map[string]map[string]messages.VotingEntry)
		for _, component := range a.Orch.Table.Components(app) {
			nodes := make(map[string]messages.VotingEntry)
			a.Orch.Table.Each(app, component, func(node string, v orchestrator.Vote) bool {
				if v.IsZero() {
					return true
				}
				nodes[node] = messages.VotingEntry{
					Value:          v.Value,
					Implementation: v.Function,
					Timestamp:      v.Timestamp,
				}
				return true
			})
			comps[component] = nodes
		}
		out[app] = comps
	}
	return out
}
