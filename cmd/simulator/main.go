package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"portal-messaging/internal/logging"
	"portal-messaging/simulator"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	config := simulator.DefaultSimConfig()

	flagSet := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	flagSet.StringVar(&config.EngineURL, "url", config.EngineURL, "base URL of a server started with --debug")
	flagSet.IntVar(&config.NumEmployers, "employers", config.NumEmployers, "number of employers")
	flagSet.IntVar(&config.NumParticipants, "participants", config.NumParticipants, "number of participants")
	flagSet.DurationVar(&config.SimulationTime, "duration", config.SimulationTime, "how long to run")
	flagSet.Float64Var(&config.MessageFrequency, "message-rate", config.MessageFrequency, "messages per user per hour")
	flagSet.Float64Var(&config.ReactionRate, "reaction-rate", config.ReactionRate, "chance per tick to react")
	flagSet.Float64Var(&config.PinRate, "pin-rate", config.PinRate, "chance per tick to toggle a pin")
	flagSet.Float64Var(&config.EditRate, "edit-rate", config.EditRate, "chance per tick to edit an own message")
	flagSet.Float64Var(&config.DeleteRate, "delete-rate", config.DeleteRate, "chance per tick to delete an own message")
	flagSet.Float64Var(&config.ReadRate, "read-rate", config.ReadRate, "chance per tick to open and read a thread")
	flagSet.Float64Var(&config.DisconnectRate, "disconnect-rate", config.DisconnectRate, "chance per second a user goes offline")
	flagSet.Float64Var(&config.ReconnectRate, "reconnect-rate", config.ReconnectRate, "chance per second an offline user returns")
	flagSet.Float64Var(&config.ZipfS, "zipf", config.ZipfS, "Zipf exponent of employer popularity (> 1)")
	logLevel := flagSet.String("log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if config.ZipfS <= 1 {
		return fmt.Errorf("--zipf must be greater than 1")
	}

	logger := logging.Setup(*logLevel, true)
	config.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, config.SimulationTime)
	defer cancel()

	logger.Info("starting simulation",
		"url", config.EngineURL,
		"employers", config.NumEmployers,
		"participants", config.NumParticipants,
		"duration", config.SimulationTime,
		"message_rate", config.MessageFrequency,
		"zipf", config.ZipfS,
	)

	sim := simulator.NewEnhancedSimulator(config)
	if err := sim.Run(ctx); err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	metrics := sim.GetMetrics()
	logger.Info("simulation completed",
		"users", metrics.TotalUsers,
		"active_users", metrics.ActiveUsers,
		"messages", metrics.TotalMessages,
		"failed_sends", metrics.FailedSends,
		"reactions", metrics.TotalReactions,
		"pins", metrics.TotalPins,
		"edits", metrics.TotalEdits,
		"deletes", metrics.TotalDeletes,
		"reads", metrics.TotalReads,
		"avg_latency", metrics.AverageLatency,
		"p95_latency", metrics.P95Latency,
		"errors", metrics.ErrorCount,
	)
	return nil
}
