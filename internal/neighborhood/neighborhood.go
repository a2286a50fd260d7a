// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package neighborhood implements peer discovery: who is currently a
// neighbor of this node, either from a fixed topology file or from a
// deterministic pseudo-random connectivity predicate.
package neighborhood

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/luxfi/drone/set"
)

// Topology is an undirected adjacency list loaded from a topology file:
// node -> set of neighbor names.
type Topology map[string]map[string]bool

// ParseTopology decodes a JSON topology file into a Topology: a node ->
// list-of-neighbors adjacency map, per §6's "Neighborhood" description.
func ParseTopology(data []byte) (Topology, error) {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("neighborhood: parse topology file: %w", err)
	}
	out := make(Topology, len(raw))
	for node, neighbors := range raw {
		set := make(map[string]bool, len(neighbors))
		for _, n := range neighbors {
			set[n] = true
		}
		out[node] = set
	}
	return out, nil
}

// Detector decides whether two nodes are currently neighbors.
type Detector struct {
	// Topology, when non-nil, is authoritative: the probability mode
	// below is not consulted.
	Topology Topology

	// NeighborProbability, in [0, 99], is the percent chance any two
	// distinct nodes are connected at a given moment, in probability mode.
	NeighborProbability int

	// StableConnections, when false, buckets the probability check into
	// 10-second windows so connectivity flaps over time; when true the
	// same pair is always connected or always not.
	StableConnections bool

	// Now returns the current Unix time in seconds; overridable for tests.
	Now func() int64
}

const bucketSeconds = 10

func (d *Detector) now() int64 {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().Unix()
}

// IsNeighbor reports whether a and b are currently neighbors.
func (d *Detector) IsNeighbor(a, b string) bool {
	if a == b {
		return false
	}
	if d.Topology != nil {
		if d.Topology[a] != nil && d.Topology[a][b] {
			return true
		}
		if d.Topology[b] != nil && d.Topology[b][a] {
			return true
		}
		return false
	}

	pair := []string{a, b}
	sort.Strings(pair)
	bucket := int64(0)
	if !d.StableConnections {
		bucket = d.now() / bucketSeconds
	}
	input := fmt.Sprintf("1[%s, %s]%d", pair[0], pair[1], bucket)
	sum := sha256.Sum256([]byte(input))
	last2 := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(100)).Int64()
	return last2 < int64(d.NeighborProbability)
}

// Neighbors returns the subset of candidates currently connected to self.
func (d *Detector) Neighbors(self string, candidates []string) []string {
	var out []string
	for _, c := range candidates {
		if d.IsNeighbor(self, c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Set is the current peer set this node is connected to: an ordered view
// over whatever the Detector reports, with Has/Len/List accessors.
type Set struct {
	self     string
	detector *Detector
	members  map[string]bool
}

// NewSet returns an empty peer set for self, backed by detector.
func NewSet(self string, detector *Detector) *Set {
	return &Set{self: self, detector: detector, members: make(map[string]bool)}
}

// Refresh recomputes membership against candidates using the detector.
func (s *Set) Refresh(candidates []string) {
	s.members = make(map[string]bool)
	for _, n := range s.detector.Neighbors(s.self, candidates) {
		s.members[n] = true
	}
}

// Has reports whether node is currently a neighbor.
func (s *Set) Has(node string) bool { return s.members[node] }

// Len returns the number of current neighbors.
func (s *Set) Len() int { return len(s.members) }

// List returns the current neighbors, sorted.
func (s *Set) List() []string {
	out := make([]string, 0, len(s.members))
	for n := range s.members {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Subset reports whether every member of s is also in other — used to
// detect "active neighborhood ⊆ agree_neighbors" (strong agreement).
func (s *Set) Subset(other set.Set[string]) bool {
	for n := range s.members {
		if !other.Contains(n) {
			return false
		}
	}
	return true
}
