// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads DRONE's INI configuration file into a plain
// Settings value. There is no global/singleton configuration: every
// constructor that needs settings takes one explicitly, per §9's design
// note against the "GetRuntime()" anti-pattern.
package config

import (
	"errors"
	"fmt"

	"gopkg.in/ini.v1"
)

// ErrConfiguration wraps every malformed-or-missing-value failure. Per
// the error handling design, configuration errors are fatal at startup.
var ErrConfiguration = errors.New("config: invalid configuration")

// Timeouts holds every duration-shaped setting, in seconds.
type Timeouts struct {
	Agreement     float64
	WeakAgreement float64
	Async         float64
	SchedulingTimeLimit float64
	SampleFrequency     float64
}

// Neighborhood holds the peer-discovery settings.
type Neighborhood struct {
	StableConnections   bool
	LoadTopology        bool
	NeighborProbability int
	TopologyFile        string
}

// ProblemSize holds the synthetic-instance generation hints (used by
// tooling that fabricates problem instances; unused when Problem.Instance
// points at a concrete file).
type ProblemSize struct {
	AppsNumber  int
	NodesNumber int
	AvgAppSize  float64
}

// Messaging holds the broker connection and topic settings.
type Messaging struct {
	BrokerAddress         string
	Username              string
	Password              string
	ExchangeName          string
	SetName               string
	PolicyName            string
	SolutionRoute         string
	AppAdvertisementRoute string
	ResourceRoute         string
	DebugMode             bool
}

// Metrics holds the debug HTTP server settings: /healthz and /metrics.
type Metrics struct {
	ListenAddress string
	Enabled       bool
}

// Settings is the fully-parsed configuration for one agent process.
type Settings struct {
	Timeouts     Timeouts
	Neighborhood Neighborhood
	ProblemSize  ProblemSize
	PrivateUtility string
	LogLevel       string
	ResultsFolder  string
	Instance       string
	Messaging      Messaging
	Metrics        Metrics
}

// Load parses the INI file at path into Settings.
func Load(path string) (*Settings, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return FromFile(f)
}

// FromFile populates Settings from an already-parsed ini.File, so tests
// can build one in memory without touching disk.
func FromFile(f *ini.File) (*Settings, error) {
	s := &Settings{}

	timeout := f.Section("timeout")
	s.Timeouts.Agreement, _ = timeout.Key("agreement_timeout").Float64()
	s.Timeouts.WeakAgreement, _ = timeout.Key("weak_agreement_timeout").Float64()
	s.Timeouts.Async, _ = timeout.Key("async_timeout").Float64()
	s.Timeouts.SchedulingTimeLimit, _ = timeout.Key("scheduling_time_limit").Float64()
	s.Timeouts.SampleFrequency, _ = timeout.Key("sample_frequency").Float64()
	if s.Timeouts.Agreement <= 0 || s.Timeouts.WeakAgreement <= 0 {
		return nil, fmt.Errorf("%w: [timeout] agreement_timeout and weak_agreement_timeout must be positive", ErrConfiguration)
	}

	neighborhood := f.Section("neighborhood")
	s.Neighborhood.StableConnections = neighborhood.Key("stable_connections").MustBool(true)
	s.Neighborhood.LoadTopology = neighborhood.Key("load_topology").MustBool(false)
	s.Neighborhood.NeighborProbability = neighborhood.Key("neighbor_probability").MustInt(100)
	s.Neighborhood.TopologyFile = neighborhood.Key("topology_file").String()
	if s.Neighborhood.LoadTopology && s.Neighborhood.TopologyFile == "" {
		return nil, fmt.Errorf("%w: [neighborhood] topology_file required when load_topology is true", ErrConfiguration)
	}
	if s.Neighborhood.NeighborProbability < 0 || s.Neighborhood.NeighborProbability > 99 {
		return nil, fmt.Errorf("%w: [neighborhood] neighbor_probability must be in [0,99]", ErrConfiguration)
	}

	size := f.Section("problem_size")
	s.ProblemSize.AppsNumber = size.Key("apps_number").MustInt(0)
	s.ProblemSize.NodesNumber = size.Key("nodes_number").MustInt(0)
	s.ProblemSize.AvgAppSize, _ = size.Key("avg_app_size").Float64()

	utilitySection := f.Section("utility")
	s.PrivateUtility = utilitySection.Key("private_utility").MustString("RESIDUAL-CAPACITY")

	logging := f.Section("logging")
	s.LogLevel = logging.Key("log_level").MustString("INFO")
	s.ResultsFolder = logging.Key("results_folder").MustString(".")

	problem := f.Section("problem")
	s.Instance = problem.Key("instance").String()
	if s.Instance == "" {
		return nil, fmt.Errorf("%w: [problem] instance is required", ErrConfiguration)
	}

	messaging := f.Section("messaging")
	s.Messaging.BrokerAddress = messaging.Key("broker_address").MustString("amqp://localhost")
	s.Messaging.Username = messaging.Key("username").String()
	s.Messaging.Password = messaging.Key("password").String()
	s.Messaging.ExchangeName = messaging.Key("exchange_name").MustString("drone")
	s.Messaging.SetName = messaging.Key("set_name").String()
	s.Messaging.PolicyName = messaging.Key("policy_name").String()
	s.Messaging.SolutionRoute = messaging.Key("solution_route").MustString("SOLUTION_ROUTE")
	s.Messaging.AppAdvertisementRoute = messaging.Key("app_advertisement_route").MustString("APP_ADV_ROUTE")
	s.Messaging.ResourceRoute = messaging.Key("resource_route").MustString("RESOURCE_ROUTE")
	s.Messaging.DebugMode = messaging.Key("debug_mode").MustBool(false)

	metrics := f.Section("metrics")
	s.Metrics.Enabled = metrics.Key("enabled").MustBool(true)
	s.Metrics.ListenAddress = metrics.Key("listen_address").MustString("127.0.0.1:9190")

	return s, nil
}
