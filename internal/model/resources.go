// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package model holds the placement problem: nodes, apps, components, the
// functions that implement each component, and per-node resource capacity.
package model

import "math"

// precisionDigits bounds float accumulation drift: every resource-vector
// operation is rounded to this many decimal places. The reference agent
// rounds to sys.float_info.dig (15) places instead, so results match it
// only to 9 decimal places.
const precisionDigits = 9

// Resources is a resource vector keyed by resource name (cpu, memory, ...).
type Resources map[string]float64

// Clone returns a deep copy.
func (r Resources) Clone() Resources {
	out := make(Resources, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func round(v float64) float64 {
	scale := math.Pow(10, precisionDigits)
	return math.Round(v*scale) / scale
}

// Sum returns the componentwise sum a+b.
func Sum(a, b Resources) Resources {
	out := make(Resources, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = round(out[k] + v)
	}
	return out
}

// Sub returns the componentwise difference a-b.
func Sub(a, b Resources) Resources {
	out := make(Resources, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = round(out[k] - v)
	}
	return out
}

// Leq reports whether a <= b componentwise. A dimension missing from a is
// treated as zero; a dimension missing from b is treated as zero too.
func Leq(a, b Resources) bool {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if round(a[k]-b[k]) > 0 {
			return false
		}
	}
	return true
}
