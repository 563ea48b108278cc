package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if the worker ran for 2+ minutes before failing.
// After exhausting retries, cancels the context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	log *zap.Logger,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// Normal return covers both context cancellation and
			// unexpected completion.
			if panicValue == nil {
				return
			}

			// If the worker ran for resetAfter before panicking, reset retry state.
			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Error("panic in worker",
				zap.String("worker", name),
				zap.Int("attempt", retries),
				zap.Int("max_attempts", maxRetries),
				zap.Any("panic", panicValue))

			if retries >= maxRetries {
				log.Error("worker failed too many times, shutting down", zap.String("worker", name))
				cancel()
				return
			}

			log.Warn("worker will restart", zap.String("worker", name), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func newRootCommand() *cobra.Command {
	cfg := NewConfiguration()

	cmd := &cobra.Command{
		Use:           "wican-bridge",
		Short:         "Relay WiCAN Pro vehicle battery readings to aa-proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	cfg.AddFlags(cmd.Flags())
	_ = cmd.MarkFlagRequired("vehicle-battery-capacity")
	_ = cmd.MarkFlagRequired("wican-mac-address")
	return cmd
}

func run(cfg *Configuration) error {
	// A .env file keeps the passkey and MQTT credentials off the command line.
	_ = godotenv.Load()
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("wican-bridge starting",
		zap.String("mac", cfg.WicanMACAddress),
		zap.Int("update_frequency_minutes", cfg.UpdateFrequencyMinutes),
		zap.String("api_url", cfg.APIURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := newBLETransport(logger.Named("ble"))
	if err != nil {
		return err
	}

	manager := NewConnectionManager(
		transport,
		DeviceIdentity{MAC: cfg.MAC(), Passkey: cfg.WicanPasskey},
		RetryPolicy{MaxAttempts: cfg.WicanMaxConnectRetries, Timeout: cfg.WicanTimeout},
		logger.Named("conn"),
	)
	reader := NewMetricReader(cfg.WicanTimeout, logger.Named("read"))
	relay := NewRelayClient(cfg.APIURL, cfg.WicanTimeout, logger.Named("relay"))

	var mirror *MQTTMirror
	if cfg.MQTTBroker != "" {
		mirror, err = NewMQTTMirror(
			cfg.MQTTBroker,
			cfg.MQTTClientID,
			os.Getenv("MQTT_USERNAME"),
			os.Getenv("MQTT_PASSWORD"),
			logger.Named("mqtt"),
		)
		if err != nil {
			return err
		}
		defer mirror.Close()

		if err := mirror.AnnounceEntities(float64(cfg.VehicleBatteryCapacity)); err != nil {
			logger.Warn("failed to announce Home Assistant entities", zap.Error(err))
		}
	}

	pollCfg := PollConfig{
		CapacityWh: float64(cfg.VehicleBatteryCapacity),
		Interval:   time.Duration(cfg.UpdateFrequencyMinutes) * time.Minute,
	}
	state := &bridgeState{}
	pollNow := make(chan struct{}, 1)

	SafeGo(ctx, cancel, "poll-worker", logger, func(ctx context.Context) {
		pollWorker(ctx, pollCfg, manager, reader, relay, mirror, pollNow, state, logger.Named("poll"))
	})

	if cfg.Interactive {
		SafeGo(ctx, cancel, "console-worker", logger, func(ctx context.Context) {
			consoleWorker(ctx, cancel, manager, state, pollNow, logger.Named("console"))
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
		logger.Info("shutting down due to worker failure")
	}
	cancel()

	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
