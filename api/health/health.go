// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package health implements the /healthz report shape the debug server
// exposes: a set of named checks, each contributing a boolean and
// optional detail, rolled up into a single Report.
package health

import (
	"context"
	"time"
)

// Checker is the interface for health checking
type Checker interface {
	// HealthCheck returns information about the health of the service
	HealthCheck(context.Context) (interface{}, error)
}

// Checkable is the interface for health reporting
type Checkable interface {
	// Health returns a health report
	Health(context.Context) (interface{}, error)
}

// Report is a health report
type Report struct {
	// Details is a map of detailed health information
	Details map[string]interface{} `json:"details,omitempty"`

	// Healthy is true if the service is healthy
	Healthy bool `json:"healthy"`

	// Checks is a list of health checks performed
	Checks []Check `json:"checks,omitempty"`

	// Duration is how long the health check took
	Duration time.Duration `json:"duration"`
}

// Check is an individual health check
type Check struct {
	// Name is the name of the check
	Name string `json:"name"`

	// Healthy is true if the check passed
	Healthy bool `json:"healthy"`

	// Error is the error message if the check failed
	Error string `json:"error,omitempty"`

	// Details contains additional information about the check
	Details map[string]interface{} `json:"details,omitempty"`

	// Duration is how long this specific check took
	Duration time.Duration `json:"duration"`
}

// Registry runs a fixed set of named Checkers and rolls their results
// into a single Report.
type Registry struct {
	checks map[string]Checker
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a named check. A later call with the same name replaces
// the earlier one.
func (r *Registry) Register(name string, c Checker) {
	r.checks[name] = c
}

// Report runs every registered check and returns the aggregate result.
// A single slow or failing check does not stop the others from running.
func (r *Registry) Report(ctx context.Context) Report {
	start := time.Now()
	report := Report{Healthy: true, Checks: make([]Check, 0, len(r.checks))}

	for name, checker := range r.checks {
		checkStart := time.Now()
		details, err := checker.HealthCheck(ctx)
		check := Check{Name: name, Healthy: err == nil, Duration: time.Since(checkStart)}
		if err != nil {
			check.Error = err.Error()
			report.Healthy = false
		}
		if m, ok := details.(map[string]interface{}); ok {
			check.Details = m
		}
		report.Checks = append(report.Checks, check)
	}

	report.Duration = time.Since(start)
	return report
}
