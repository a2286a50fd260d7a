// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// rateWindow is one fixed time bucket's vote-message send count, tracked
// so a node can report its send rate over time alongside each round's
// summary.
type rateWindow struct {
	Start float64
	End   float64
	Count int
}

// recordSent records one sent vote message against the current rate
// window, opening a new one if the sample frequency has elapsed.
func (a *Agent) recordSent() {
	now := a.Now()
	bucket := a.Settings.Timeouts.SampleFrequency
	if bucket <= 0 {
		bucket = 1
	}
	if len(a.rates) == 0 || now >= a.rates[len(a.rates)-1].End {
		a.rates = append(a.rates, rateWindow{Start: now, End: now + bucket, Count: 1})
		return
	}
	a.rates[len(a.rates)-1].Count++
}

type resultsDoc struct {
	OffloadingBundle [][3]string   `json:"offloading-bundle"`
	Rates            []interface{} `json:"rates"`
	Utility          int           `json:"utility"`
}

// persistResults writes `<results_folder>/results_<node>.json`, exactly
// the shape in §6's "Persisted output".
func (a *Agent) persistResults() error {
	a.mu.Lock()
	bundle := make([][3]string, 0, len(a.Orch.Bundle))
	for _, e := range a.Orch.Bundle {
		bundle = append(bundle, [3]string{e.App, e.Component, e.Function})
	}
	utility := a.Orch.GetNodeUtility()
	a.mu.Unlock()

	rates := make([]interface{}, 0, len(a.rates))
	for _, w := range a.rates {
		label := fmt.Sprintf("%g:%g", w.Start, w.End)
		rates = append(rates, []interface{}{label, w.Count})
	}

	doc := resultsDoc{OffloadingBundle: bundle, Rates: rates, Utility: utility}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("agent: marshal results: %w", err)
	}

	path := filepath.Join(a.Settings.ResultsFolder, fmt.Sprintf("results_%s.json", a.Node))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("agent: write results file: %w", err)
	}
	return nil
}

// logRoundSummary logs the one-line per-round summary at IMPORTANT, per
// §7's user-visible failures note.
func (a *Agent) logRoundSummary() {
	strong := a.Active.Subset(a.AG.AgreeNeighbors)
	var apps []string
	seen := make(map[string]bool)
	for _, e := range a.Orch.Bundle {
		if !seen[e.App] {
			seen[e.App] = true
			apps = append(apps, e.App)
		}
	}
	sort.Strings(apps)
	a.Log.Important("round complete",
		zap.String("node", a.Node),
		zap.Bool("strong", strong),
		zap.Strings("apps", apps),
		zap.Int("sum_votes", a.Orch.SumVotes()),
		zap.Int("utility", a.Orch.GetNodeUtility()),
		zap.Float64("last_update", a.lastUpdateTime),
		zap.Float64("last_agreement", a.lastAgreementTime),
		zap.Float64("last_message", a.lastMessageTime),
		zap.Float64("duration", a.Now()-a.roundBeginTime),
		zap.Int("messages_sent", a.messagesSent),
		zap.Int("messages_received", a.messagesReceived),
		zap.Int("rebroadcasts", a.rebroadcasts),
	)
}

func zapErr(err error) zap.Field {
	return zap.Error(err)
}
