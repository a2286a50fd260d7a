// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utility

import (
	"math"

	"github.com/luxfi/drone/internal/model"
)

// residualCapacity values a placement by how much slack it leaves behind:
// the more residual capacity remains after hosting everything in bundle
// plus the candidate function, the higher the utility.
type residualCapacity struct {
	node    string
	problem *model.Problem
}

func (u *residualCapacity) MarginalUtility(bundle []model.BundleEntry, app, component, function string) int {
	implements := false
	for _, f := range u.problem.GetImplementations(component) {
		if f == function {
			implements = true
			break
		}
	}
	if !implements {
		return 0
	}

	consumed := u.problem.BundleConsumption(bundle)
	consumed = model.Sum(consumed, u.problem.Consumption(function))
	residual := model.Sub(u.problem.Available[u.node], consumed)

	return int(math.Round(u.problem.Norm(u.node, residual) * 100))
}

// ToBeReleased finds, among bundle, the earliest entry that appears in
// lost, and returns that entry together with every entry after it.
func (u *residualCapacity) ToBeReleased(bundle []model.BundleEntry, lost []model.BundleEntry) []model.BundleEntry {
	if len(bundle) == 0 || len(lost) == 0 {
		return nil
	}

	isLost := make(map[model.BundleEntry]struct{}, len(lost))
	for _, e := range lost {
		isLost[e] = struct{}{}
	}

	earliest := -1
	for i, e := range bundle {
		if _, ok := isLost[e]; ok {
			earliest = i
			break
		}
	}
	if earliest < 0 {
		return nil
	}
	out := make([]model.BundleEntry, len(bundle)-earliest)
	copy(out, bundle[earliest:])
	return out
}
