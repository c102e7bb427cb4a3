// Package main provides the sensor-hub command line.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "sensor-hub",
		Short: "Telemetry ingestion and real-time broadcast service",
		Long: `Sensor hub ingests environmental readings from field devices, stores
them durably and pushes every new reading to live subscribers.

Commands:
- serve: Runs the hub (HTTP, WebSocket, gRPC, AMQP and MQTT ingestion)
- simulate: Runs a fleet of synthetic devices
- export: Downloads one day of readings per device as CSV files
- watch: Streams live readings of a device over gRPC`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/sensor-hub/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this file, rotated by size")

	// Bind flags to viper
	if err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		log.Fatalf("failed to bind log-level flag: %v", err)
	}
	if err := viper.BindPFlag("log.file.path", rootCmd.PersistentFlags().Lookup("log-file")); err != nil {
		log.Fatalf("failed to bind log-file flag: %v", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
