// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/drone/internal/agent"
	"github.com/luxfi/drone/internal/broker"
	"github.com/luxfi/drone/internal/config"
	"github.com/luxfi/drone/internal/debugserver"
	"github.com/luxfi/drone/internal/logx"
	"github.com/luxfi/drone/internal/metrics"
	"github.com/luxfi/drone/internal/model"
	"github.com/luxfi/drone/internal/neighborhood"
	"github.com/luxfi/drone/internal/utility"
)

var (
	logLevel   string
	persistent bool
	logOnFile  bool
	logFile    string
	confFile   string
	centralized bool
	transport  string
)

var rootCmd = &cobra.Command{
	Use:   "drone node-name",
	Short: "Run a decentralized placement-orchestration agent for one edge node",
	Long: `drone runs a single node of a fully-decentralized, gossip-based
application placement orchestrator: it exchanges votes with its
neighbors, greedily builds a local offload bundle, and converges on a
shared placement without any central coordinator.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "INFO", "log level (VERBOSE, DEBUG, INFO, IMPORTANT, WARN, ERROR)")
	rootCmd.Flags().BoolVarP(&persistent, "persistent-daemon", "p", false, "keep running round after round instead of exiting after the first")
	rootCmd.Flags().BoolVarP(&logOnFile, "log-on-file", "o", false, "additionally write logs to --log-file")
	rootCmd.Flags().StringVarP(&logFile, "log-file", "f", "drone.log", "log file path, used when --log-on-file is set")
	rootCmd.Flags().StringVarP(&confFile, "conf-file", "d", "drone.ini", "configuration file path")
	// centralized is reserved for a future centralized-baseline mode; it is
	// parsed but not yet consulted anywhere in the agent runtime.
	rootCmd.Flags().BoolVarP(&centralized, "centralized", "c", false, "reserved for a centralized baseline (currently unused)")
	rootCmd.Flags().StringVar(&transport, "transport", "amqp", "broker transport: amqp or local")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, node string) error {
	settings, err := config.Load(confFile)
	if err != nil {
		return err
	}

	log, err := logx.New(logx.ParseLevel(logLevel), logOnFile, logFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	instanceData, err := os.ReadFile(settings.Instance)
	if err != nil {
		return fmt.Errorf("drone: read instance file: %w", err)
	}
	problem, err := model.ParseInstance(instanceData)
	if err != nil {
		return fmt.Errorf("drone: parse instance file: %w", err)
	}

	oracle, err := utility.New(utility.Kind(settings.PrivateUtility), node, problem)
	if err != nil {
		return err
	}

	detector := &neighborhood.Detector{
		NeighborProbability: settings.Neighborhood.NeighborProbability,
		StableConnections:   settings.Neighborhood.StableConnections,
	}
	if settings.Neighborhood.LoadTopology {
		topology, err := loadTopology(settings.Neighborhood.TopologyFile)
		if err != nil {
			return err
		}
		detector.Topology = topology
	}

	br, err := dialBroker(ctx, settings)
	if err != nil {
		return err
	}
	defer br.Close()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(node, reg)
	if err != nil {
		return err
	}

	a := agent.New(node, settings, problem, oracle, detector, br, log, m)
	for _, resources := range problem.Total {
		for r := range resources {
			a.KnownResources[r] = true
		}
	}

	if settings.Metrics.Enabled {
		srv := debugserver.New(settings.Metrics.ListenAddress, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), a, log)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Warn("debug server stopped", zap.Error(err))
			}
		}()
	}

	utilityValue, err := a.Run(ctx, persistent)
	if err != nil {
		return err
	}
	os.Exit(utilityValue)
	return nil
}

func dialBroker(ctx context.Context, settings *config.Settings) (broker.Broker, error) {
	if transport == "local" {
		return broker.NewLocal(), nil
	}
	return broker.Dial(broker.AMQPConfig{
		Address:      settings.Messaging.BrokerAddress,
		Username:     settings.Messaging.Username,
		Password:     settings.Messaging.Password,
		ExchangeName: settings.Messaging.ExchangeName,
	})
}

func loadTopology(path string) (neighborhood.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("drone: read topology file: %w", err)
	}
	return neighborhood.ParseTopology(data)
}
