// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"context"
	"fmt"

	"github.com/luxfi/drone/internal/messages"
)

// buildVoteMessage snapshots this node's voting table and winners into
// the wire VoteMessage shape.
func (a *Agent) buildVoteMessage() messages.VoteMessage {
	return messages.VoteMessage{
		Base:       messages.Base{Sender: a.Node, Timestamp: a.Now()},
		Winners:    a.Orch.GetWinnersList(),
		VotingData: a.snapshotVotingData(),
	}
}

// publishTo opens a fresh, short-lived connection and publishes body to
// every routing key in targets — §5's rule that broadcasts never reuse
// the consumer's connection.
func (a *Agent) publishTo(ctx context.Context, targets []string) error {
	if len(targets) == 0 {
		return nil
	}
	msg := a.buildVoteMessage()
	body, err := messages.Encode(msg)
	if err != nil {
		return fmt.Errorf("agent: encode vote message: %w", err)
	}

	conn, err := a.Broker.FreshConnection(ctx)
	if err != nil {
		return fmt.Errorf("agent: open broadcast connection: %w", err)
	}
	defer conn.Close()

	for _, target := range targets {
		if err := conn.Publish(ctx, target, body); err != nil {
			return fmt.Errorf("agent: publish to %s: %w", target, err)
		}
		a.messagesSent++
		a.recordSent()
	}
	return nil
}

// broadcastFull sends this node's full voting state to every currently
// active neighbor.
func (a *Agent) broadcastFull(ctx context.Context) error {
	targets := a.Active.List()
	if err := a.publishTo(ctx, targets); err != nil {
		return err
	}
	if len(targets) > 0 {
		a.rebroadcasts++
	}
	return a.publishSolution(ctx)
}

// broadcastTargeted sends this node's voting state only to the senders
// AG.Run named in its Outcome.SendList.
func (a *Agent) broadcastTargeted(ctx context.Context, targets []string) error {
	return a.publishTo(ctx, targets)
}

// publishSolution emits this node's current placement decision on
// SOLUTION_ROUTE. broadcastFull calls it after every full broadcast, so a
// round emits it once per full broadcast: not at all in a round without
// one, several times in a round with several.
func (a *Agent) publishSolution(ctx context.Context) error {
	a.mu.Lock()
	var offloads []messages.LocalOffload
	for _, e := range a.Orch.Bundle {
		offloads = append(offloads, messages.LocalOffload{
			Name:    e.Component,
			AppName: e.App,
			Function: messages.AdvFunctionSpec{
				Resources: resourcesToInt(a.Problem.Consumption(e.Function)),
			},
		})
	}
	winners := a.Orch.GetWinnersList()
	a.mu.Unlock()

	msg := messages.SolutionMessage{
		Base:              messages.Base{Sender: a.Node, Timestamp: a.Now()},
		LocalOffloading:   offloads,
		OverallOffloading: winners,
	}
	body, err := messages.Encode(msg)
	if err != nil {
		return fmt.Errorf("agent: encode solution message: %w", err)
	}
	conn, err := a.Broker.FreshConnection(ctx)
	if err != nil {
		return fmt.Errorf("agent: open solution connection: %w", err)
	}
	defer conn.Close()
	return conn.Publish(ctx, a.Settings.Messaging.SolutionRoute, body)
}

func resourcesToInt(r map[string]float64) map[string]int {
	out := make(map[string]int, len(r))
	for k, v := range r {
		out[k] = int(v)
	}
	return out
}
