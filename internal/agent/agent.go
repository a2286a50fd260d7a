// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package agent wires the problem model, orchestrator, agreement engine,
// neighborhood detector and broker together into the per-node runtime
// loop (AR in the component design): a round-based main loop built on
// goroutines, a condition variable guarding the per-neighbor queues, and
// timer-driven round termination.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/drone/internal/agreement"
	"github.com/luxfi/drone/internal/broker"
	"github.com/luxfi/drone/internal/config"
	"github.com/luxfi/drone/internal/logx"
	"github.com/luxfi/drone/internal/messages"
	"github.com/luxfi/drone/internal/metrics"
	"github.com/luxfi/drone/internal/model"
	"github.com/luxfi/drone/internal/neighborhood"
	"github.com/luxfi/drone/internal/orchestrator"
	"github.com/luxfi/drone/internal/utility"
)

// Agent is one node's runtime: a round loop that consumes vote batches,
// advertisement and resource messages, and drives PM+OR+AG to a
// per-round placement decision.
type Agent struct {
	Node     string
	Settings *config.Settings
	Problem  *model.Problem
	Orch     *orchestrator.Orchestrator
	AG       *agreement.Engine
	Detector *neighborhood.Detector
	Active   *neighborhood.Set
	Broker   broker.Broker
	Log      *logx.Logger
	Metrics  *metrics.Metrics

	// Now returns wall-clock seconds; overridable for deterministic tests.
	Now func() float64

	// KnownResources restricts the resource names an App ADD's function
	// specs may reference, per the advertisement validation rule.
	KnownResources map[string]bool

	// mu is the problem-model lock: held for the whole duration of a
	// batch handling, an advertisement handler, or a resource handler.
	mu sync.Mutex

	queueMu  sync.Mutex
	queueCnd *sync.Cond
	queues   map[string][]messages.VoteMessage
	endRound bool

	lastSeen map[string]float64

	messagesSent     int
	messagesReceived int
	rebroadcasts     int
	rates            []rateWindow

	roundBeginTime    float64
	lastUpdateTime    float64
	lastAgreementTime float64
	lastMessageTime   float64

	// candidateNodes lists every node the neighborhood detector may
	// consider — typically the problem's full node list.
	candidateNodes []string
}

// New returns an Agent ready to run rounds for node.
func New(node string, settings *config.Settings, problem *model.Problem, oracle utility.Oracle, detector *neighborhood.Detector, br broker.Broker, log *logx.Logger, m *metrics.Metrics) *Agent {
	a := &Agent{
		Node:           node,
		Settings:       settings,
		Problem:        problem,
		Orch:           orchestrator.New(node, problem, oracle),
		Detector:       detector,
		Active:         neighborhood.NewSet(node, detector),
		Broker:         br,
		Log:            log,
		Metrics:        m,
		Now:            wallClockSeconds,
		KnownResources: make(map[string]bool),
		queues:         make(map[string][]messages.VoteMessage),
		lastSeen:       make(map[string]float64),
		candidateNodes: problem.Nodes,
	}
	for _, app := range problem.Apps {
		a.Orch.ExtendStructuresWithApp(app)
	}
	a.AG = agreement.New(a.Orch)
	a.queueCnd = sync.NewCond(&a.queueMu)
	return a
}

func wallClockSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (a *Agent) neighborQueueName() string {
	return fmt.Sprintf("%s-drone", a.Node)
}

// Run executes rounds until ctx is cancelled or, if persistent is false,
// after the first round completes. It returns the node's final integer
// utility, which the CLI uses as its process exit code.
func (a *Agent) Run(ctx context.Context, persistent bool) (int, error) {
	if err := a.awaitInitialResources(ctx); err != nil {
		return 0, err
	}

	for {
		if err := a.runRound(ctx); err != nil {
			return a.Orch.GetNodeUtility(), err
		}
		if err := a.persistResults(); err != nil {
			a.Log.Warn("failed to persist results", zapErr(err))
		}
		if !persistent {
			break
		}
		select {
		case <-ctx.Done():
			return a.Orch.GetNodeUtility(), ctx.Err()
		default:
		}
		if !a.Settings.Messaging.DebugMode {
			if err := a.awaitDeploymentSettled(ctx); err != nil {
				return a.Orch.GetNodeUtility(), err
			}
		}
	}
	return a.Orch.GetNodeUtility(), nil
}

// awaitInitialResources blocks on a resource message if this node has no
// known available resources yet, per §4.5 step 1.
func (a *Agent) awaitInitialResources(ctx context.Context) error {
	a.mu.Lock()
	known := a.Problem.Available[a.Node] != nil
	a.mu.Unlock()
	if known {
		return nil
	}

	deliveries, err := a.Broker.Subscribe(ctx, a.neighborQueueName(), []string{a.Settings.Messaging.ResourceRoute})
	if err != nil {
		return fmt.Errorf("agent: subscribe for initial resources: %w", err)
	}
	for d := range deliveries {
		var msg messages.ResourceMessage
		if err := messages.Decode(d.Body, &msg); err != nil {
			a.Log.Warn("dropping malformed initial resource message", zapErr(err))
			continue
		}
		if msg.Sender != a.Node {
			continue
		}
		a.mu.Lock()
		a.Problem.UpdateNodeResources(a.Node, model.Resources(msg.NodeResources))
		a.mu.Unlock()
		return nil
	}
	return ctx.Err()
}

// awaitDeploymentSettled blocks on resource updates until the external
// environment confirms the previous round's deployed bundle landed,
// per §4.5's "between rounds" note.
func (a *Agent) awaitDeploymentSettled(ctx context.Context) error {
	a.mu.Lock()
	functions := make([]string, 0, len(a.Orch.GetDeployedBundle()))
	for _, e := range a.Orch.GetDeployedBundle() {
		functions = append(functions, e.Function)
	}
	settled := a.Problem.IsBundleConsuming(a.Node, functions)
	a.mu.Unlock()
	if settled {
		return nil
	}

	deliveries, err := a.Broker.Subscribe(ctx, a.neighborQueueName(), []string{a.Settings.Messaging.ResourceRoute})
	if err != nil {
		return fmt.Errorf("agent: subscribe while awaiting deployment: %w", err)
	}
	for d := range deliveries {
		var msg messages.ResourceMessage
		if err := messages.Decode(d.Body, &msg); err != nil {
			a.Log.Warn("dropping malformed resource message", zapErr(err))
			continue
		}
		if msg.Sender != a.Node {
			continue
		}
		a.mu.Lock()
		a.Problem.UpdateNodeResources(a.Node, model.Resources(msg.NodeResources))
		settled = a.Problem.IsBundleConsuming(a.Node, functions)
		a.mu.Unlock()
		if settled {
			return nil
		}
	}
	return ctx.Err()
}
