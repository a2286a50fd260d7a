// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package utility implements the pluggable private utility function each
// node uses to value its own placement decisions (UO in the component
// design).
package utility

import (
	"errors"

	"github.com/luxfi/drone/internal/model"
)

// ErrUtilityNotSupported is returned by New for an unknown utility kind.
// It is a fatal configuration error per the error handling design.
var ErrUtilityNotSupported = errors.New("utility: not supported")

// Kind names a pluggable utility implementation, selected by configuration.
type Kind string

// ResidualCapacity is the default utility: higher residual after placement
// means higher utility.
const ResidualCapacity Kind = "RESIDUAL-CAPACITY"

// Oracle returns the marginal utility of adding one (app, component,
// function) triple to a node's bundle, and the set of bundle entries that
// become invalid when a given set of entries is lost.
type Oracle interface {
	// MarginalUtility returns the marginal utility, in [0, 100], of adding
	// function (which must implement component) to bundle.
	MarginalUtility(bundle []model.BundleEntry, app, component, function string) int

	// ToBeReleased returns lost and every bundle entry positioned at or
	// after the earliest lost entry, since later entries' utilities were
	// computed against state that included the earlier ones.
	ToBeReleased(bundle []model.BundleEntry, lost []model.BundleEntry) []model.BundleEntry
}

// New returns the Oracle implementation named by kind.
func New(kind Kind, node string, problem *model.Problem) (Oracle, error) {
	switch kind {
	case ResidualCapacity, "":
		return &residualCapacity{node: node, problem: problem}, nil
	default:
		return nil, ErrUtilityNotSupported
	}
}
