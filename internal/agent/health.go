// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"context"
	"errors"
)

// ErrResourcesUnknown is returned by HealthCheck until the node has
// received its first resource message.
var ErrResourcesUnknown = errors.New("agent: node has not yet received its available resources")

// HealthCheck implements health.Checker: an agent is healthy once it has
// learned its own available resources.
func (a *Agent) HealthCheck(ctx context.Context) (interface{}, error) {
	a.mu.Lock()
	known := a.Problem.Available[a.Node] != nil
	utility := a.Orch.GetNodeUtility()
	a.mu.Unlock()

	details := map[string]interface{}{
		"node":      a.Node,
		"neighbors": a.Active.Len(),
		"utility":   utility,
	}
	if !known {
		return details, ErrResourcesUnknown
	}
	return details, nil
}
