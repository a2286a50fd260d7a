// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/drone/internal/agreement"
	"github.com/luxfi/drone/internal/broker"
	"github.com/luxfi/drone/internal/messages"
	"go.uber.org/zap"
)

// roundTimers owns the weak- and short-agreement timers described in
// §4.5/§5: the weak timer is armed once per round and refreshed on every
// vote message; the short timer is armed only once the round looks
// quiescent, and is cancelled if agreement breaks. Both feed the same
// events channel; the first firing ends the round.
type roundTimers struct {
	events chan struct{}

	weak       *time.Timer
	short      *time.Timer
	shortArmed bool
}

func newRoundTimers() *roundTimers {
	return &roundTimers{events: make(chan struct{}, 2)}
}

func (t *roundTimers) fire() {
	select {
	case t.events <- struct{}{}:
	default:
	}
}

func (t *roundTimers) armWeak(d time.Duration) {
	if t.weak != nil {
		t.weak.Stop()
	}
	t.weak = time.AfterFunc(d, t.fire)
}

func (t *roundTimers) refreshWeak(d time.Duration) {
	t.armWeak(d)
}

func (t *roundTimers) armShort(d time.Duration) {
	if t.short != nil {
		t.short.Stop()
	}
	t.short = time.AfterFunc(d, t.fire)
	t.shortArmed = true
}

func (t *roundTimers) cancelShort() {
	if t.short != nil {
		t.short.Stop()
	}
	t.shortArmed = false
}

func (t *roundTimers) stop() {
	if t.weak != nil {
		t.weak.Stop()
	}
	if t.short != nil {
		t.short.Stop()
	}
}

func durationSeconds(s float64) time.Duration {
	if s <= 0 {
		return time.Millisecond
	}
	return time.Duration(s * float64(time.Second))
}

// runRound executes a single round: orchestrate-if-pending, subscribe,
// run the consumer and dequeue worker until a timer fires, then settle.
func (a *Agent) runRound(ctx context.Context) error {
	a.roundBeginTime = a.Now()
	a.messagesSent = 0
	a.messagesReceived = 0
	a.rebroadcasts = 0

	a.mu.Lock()
	before := len(a.Orch.Bundle)
	a.Orch.Orchestrate()
	updated := len(a.Orch.Bundle) != before
	if updated {
		a.lastUpdateTime = a.Now()
	}
	a.mu.Unlock()

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	routingKeys := []string{
		a.Node,
		a.Settings.Messaging.AppAdvertisementRoute,
		a.Settings.Messaging.ResourceRoute,
	}
	deliveries, err := a.Broker.Subscribe(roundCtx, a.neighborQueueName(), routingKeys)
	if err != nil {
		return err
	}

	a.Active.Refresh(a.candidateNodes)

	if updated {
		if err := a.broadcastFull(roundCtx); err != nil {
			return err
		}
	}

	timers := newRoundTimers()
	defer timers.stop()
	timers.armWeak(durationSeconds(a.Settings.Timeouts.WeakAgreement))
	if a.Active.Subset(a.AG.AgreeNeighbors) {
		timers.armShort(durationSeconds(a.Settings.Timeouts.Agreement))
	}

	a.queueMu.Lock()
	a.endRound = false
	a.queues = make(map[string][]messages.VoteMessage)
	a.queueMu.Unlock()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		a.dequeueWorker(roundCtx, timers)
	}()

	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		a.consumeLoop(roundCtx, deliveries, timers)
	}()

	select {
	case <-timers.events:
	case <-ctx.Done():
	}

	a.queueMu.Lock()
	a.endRound = true
	a.queueCnd.Broadcast()
	a.queueMu.Unlock()

	cancel()
	<-workerDone
	<-consumeDone

	a.logRoundSummary()
	if a.Metrics != nil {
		strong := a.Active.Subset(a.AG.AgreeNeighbors)
		a.Metrics.ObserveRound(strong, a.Now()-a.roundBeginTime, a.Orch.GetNodeUtility())
		a.Metrics.MessagesSent.Add(float64(a.messagesSent))
		a.Metrics.MessagesReceived.Add(float64(a.messagesReceived))
		a.Metrics.Rebroadcasts.Add(float64(a.rebroadcasts))
	}
	return ctx.Err()
}

// consumeLoop dispatches every delivery to its handler, enqueuing vote
// messages rather than processing them inline, per §4.5 step 5.
func (a *Agent) consumeLoop(ctx context.Context, deliveries <-chan broker.Delivery, timers *roundTimers) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			a.dispatch(d, timers)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) dispatch(d broker.Delivery, timers *roundTimers) {
	switch d.RoutingKey {
	case a.Node:
		var msg messages.VoteMessage
		if err := messages.Decode(d.Body, &msg); err != nil {
			a.Log.Warn("dropping malformed vote message", zap.Error(err))
			return
		}
		a.enqueueVote(msg)
		a.lastMessageTime = a.Now()
		timers.refreshWeak(durationSeconds(a.Settings.Timeouts.WeakAgreement))
	case a.Settings.Messaging.AppAdvertisementRoute:
		var msg messages.AppAdvMessage
		if err := messages.Decode(d.Body, &msg); err != nil {
			a.Log.Warn("dropping malformed advertisement", zap.Error(err))
			return
		}
		a.handleAppAdv(msg, timers)
	case a.Settings.Messaging.ResourceRoute:
		var msg messages.ResourceMessage
		if err := messages.Decode(d.Body, &msg); err != nil {
			a.Log.Warn("dropping malformed resource message", zap.Error(err))
			return
		}
		a.handleResource(msg)
	}
}

// enqueueVote appends msg to its sender's queue and wakes the dequeue
// worker.
func (a *Agent) enqueueVote(msg messages.VoteMessage) {
	a.queueMu.Lock()
	a.queues[msg.Sender] = append(a.queues[msg.Sender], msg)
	a.queueCnd.Broadcast()
	a.queueMu.Unlock()
}

// waitCond waits on cnd for up to d, returning early if Broadcast/Signal
// fires first. The caller must hold cnd.L.
func waitCond(cnd *sync.Cond, d time.Duration) {
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-time.After(d):
			cnd.L.Lock()
			cnd.Broadcast()
			cnd.L.Unlock()
		case <-stop:
		}
		close(done)
	}()
	cnd.Wait()
	close(stop)
	<-done
}

// dequeueWorker repeatedly waits for any non-agreed neighbor's queue to
// become non-empty, collapses each to its latest message, and hands the
// batch to handleBatch, per §4.5 step 5.
func (a *Agent) dequeueWorker(ctx context.Context, timers *roundTimers) {
	asyncTimeout := durationSeconds(a.Settings.Timeouts.Async)
	for {
		a.queueMu.Lock()
		for !a.endRound && !a.hasPendingLocked() {
			select {
			case <-ctx.Done():
				a.queueMu.Unlock()
				return
			default:
			}
			waitCond(a.queueCnd, asyncTimeout)
		}
		if a.endRound {
			a.queueMu.Unlock()
			return
		}
		batch := a.drainBatchLocked()
		a.queueMu.Unlock()

		if len(batch) > 0 {
			a.handleBatch(batch, timers)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// hasPendingLocked reports whether any neighbor not already in
// agree_neighbors has a non-empty queue. The caller must hold queueMu.
func (a *Agent) hasPendingLocked() bool {
	for sender, msgs := range a.queues {
		if len(msgs) == 0 {
			continue
		}
		if a.AG.AgreeNeighbors.Contains(sender) {
			continue
		}
		return true
	}
	return false
}

// drainBatchLocked takes the latest message per pending neighbor,
// discarding anything older than the round's begin time, and clears
// every queue. The caller must hold queueMu.
func (a *Agent) drainBatchLocked() agreement.Batch {
	batch := make(agreement.Batch)
	for sender, msgs := range a.queues {
		if a.AG.AgreeNeighbors.Contains(sender) || len(msgs) == 0 {
			continue
		}
		latest := msgs[len(msgs)-1]
		if latest.Timestamp >= a.roundBeginTime {
			batch[sender] = toSenderMessage(latest)
		}
	}
	a.queues = make(map[string][]messages.VoteMessage)
	return batch
}

func toSenderMessage(msg messages.VoteMessage) agreement.SenderMessage {
	votes := make(map[string]map[string]map[string]agreement.Vote, len(msg.VotingData))
	for app, comps := range msg.VotingData {
		cm := make(map[string]map[string]agreement.Vote, len(comps))
		for component, nodes := range comps {
			nm := make(map[string]agreement.Vote, len(nodes))
			for node, entry := range nodes {
				nm[node] = agreement.Vote{
					Value:     entry.Value,
					Function:  entry.Implementation,
					Timestamp: entry.Timestamp,
				}
			}
			cm[component] = nm
		}
		votes[app] = cm
	}
	return agreement.SenderMessage{Votes: votes, Winners: msg.Winners}
}

// handleBatch processes one dequeued batch of neighbor messages: it
// updates last_seen, detects reappearing neighbors, runs AG, and
// broadcasts the result.
func (a *Agent) handleBatch(batch agreement.Batch, timers *roundTimers) {
	a.messagesReceived += len(batch)

	a.mu.Lock()
	wasStrong := a.Active.Subset(a.AG.AgreeNeighbors)

	// A sender counts as "reappearing" only if it was silent through the
	// active window (absent from this round's detected active set) and
	// there is something on the blacklist to clear; a sender the
	// detector already considers active is not reappearing just because
	// this is the first batch it happened to show up in.
	reappeared := false
	for sender, msg := range batch {
		ts := latestTimestamp(msg)
		if len(a.Orch.Blacklist) > 0 && !a.Active.Has(sender) {
			reappeared = true
		}
		a.lastSeen[sender] = ts
	}
	if reappeared {
		a.Orch.ClearBlacklist()
		a.Orch.Orchestrate()
	}

	outcome := a.AG.Run(batch)
	if outcome.Updated {
		a.lastUpdateTime = a.Now()
	}
	nowStrong := a.Active.Subset(a.AG.AgreeNeighbors)
	a.mu.Unlock()

	if outcome.Rebroadcast {
		a.lastAgreementTime = a.Now()
		_ = a.broadcastFull(context.Background())
	} else if len(outcome.SendList) > 0 {
		a.lastAgreementTime = a.Now()
		_ = a.broadcastTargeted(context.Background(), outcome.SendList)
	}

	if wasStrong && !nowStrong {
		timers.cancelShort()
	}
	if nowStrong {
		timers.armShort(durationSeconds(a.Settings.Timeouts.Agreement))
	}
}

func latestTimestamp(msg agreement.SenderMessage) float64 {
	var ts float64
	for _, comps := range msg.Votes {
		for _, nodes := range comps {
			for _, v := range nodes {
				if v.Timestamp > ts {
					ts = v.Timestamp
				}
			}
		}
	}
	return ts
}

// sortedSenders returns batch's keys in sorted order, for deterministic
// logging and iteration.
func sortedSenders(batch agreement.Batch) []string {
	out := make([]string, 0, len(batch))
	for s := range batch {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
