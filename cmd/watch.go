package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"procodus.dev/sensor-hub/internal/rpc"
)

var watchCmd = &cobra.Command{
	Use:   "watch <device_id>",
	Short: "Stream live readings of a device over gRPC",
	Long: `Watch prints the latest stored reading of a device, then every new
reading as one JSON object per line until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("grpc-addr", "localhost:9090", "hub gRPC address")
	watchCmd.Flags().String("reader-token", "", "reader token when the hub requires one")

	// Bind flags to viper
	_ = viper.BindPFlag("watch.grpc_addr", watchCmd.Flags().Lookup("grpc-addr"))
	_ = viper.BindPFlag("watch.reader_token", watchCmd.Flags().Lookup("reader-token"))
}

func runWatch(_ *cobra.Command, args []string) error {
	log := GetLogger()
	deviceID := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = rpc.ReaderToken(ctx, viper.GetString("watch.reader_token"))

	conn, err := grpc.NewClient(viper.GetString("watch.grpc_addr"),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create gRPC client: %w", err)
	}
	defer conn.Close()
	client := rpc.NewTelemetryClient(conn)

	enc := json.NewEncoder(os.Stdout)

	latest, err := client.Latest(ctx, deviceID)
	switch {
	case err == nil:
		if err := enc.Encode(latest.AsMap()); err != nil {
			return err
		}
	case status.Code(err) == codes.NotFound:
		log.Info("no stored reading yet", "device_id", deviceID)
	default:
		return fmt.Errorf("failed to fetch latest reading: %w", err)
	}

	stream, err := client.Watch(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("failed to watch device: %w", err)
	}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil
		}
		if err != nil {
			return fmt.Errorf("watch ended: %w", err)
		}
		if err := enc.Encode(msg.AsMap()); err != nil {
			return err
		}
	}
}
