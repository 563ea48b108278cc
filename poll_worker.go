package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aa-proxy/wican-bridge/energy"
)

// PollConfig holds the orchestrator's fixed configuration.
type PollConfig struct {
	CapacityWh float64
	Interval   time.Duration
}

// bridgeState captures the last completed cycle for the interactive console.
type bridgeState struct {
	mu      sync.Mutex
	last    *energy.Reading
	relayed time.Time
}

func (s *bridgeState) setLast(r energy.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &r
	s.relayed = time.Now()
}

// Last returns the most recently relayed reading, or nil before the first
// successful cycle.
func (s *bridgeState) Last() (*energy.Reading, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.relayed
}

// pollWorker drives the connect -> read -> compute -> relay cycle on a fixed
// cadence. Cycles are strictly sequential; a slow cycle delays the next tick
// rather than overlapping it, and every wait observes ctx so shutdown
// preempts the loop at any suspension point.
func pollWorker(
	ctx context.Context,
	cfg PollConfig,
	manager *ConnectionManager,
	reader *MetricReader,
	relay *RelayClient,
	mirror *MQTTMirror, // nil when the MQTT mirror is disabled
	pollNow <-chan struct{},
	state *bridgeState,
	log *zap.Logger,
) {
	log.Info("poll worker started", zap.Duration("interval", cfg.Interval))

	// First cycle runs immediately; the ticker paces the rest.
	runCycle(ctx, cfg, manager, reader, relay, mirror, state, log)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCycle(ctx, cfg, manager, reader, relay, mirror, state, log)

		case <-pollNow:
			log.Info("manual poll requested")
			runCycle(ctx, cfg, manager, reader, relay, mirror, state, log)

		case <-ctx.Done():
			manager.Invalidate()
			log.Info("poll worker stopped")
			return
		}
	}
}

// runCycle executes one poll cycle. No failure here is fatal: every error is
// logged and the cycle skipped, leaving the next scheduled tick to try again.
func runCycle(
	ctx context.Context,
	cfg PollConfig,
	manager *ConnectionManager,
	reader *MetricReader,
	relay *RelayClient,
	mirror *MQTTMirror,
	state *bridgeState,
	log *zap.Logger,
) {
	if ctx.Err() != nil {
		return
	}

	handle, err := manager.EnsureConnected(ctx)
	if err != nil {
		log.Error("failed to connect to WiCAN", zap.Error(err))
		return
	}

	metric, err := reader.ReadSOC(ctx, handle)
	switch {
	case errors.Is(err, ErrNoData):
		log.Warn("no SOC reported for the configured profile, skipping cycle")
		return
	case isTransportError(err):
		// The link dropped mid-request. Force a fresh connection next cycle.
		log.Warn("device link dropped mid-read", zap.Error(err))
		manager.Invalidate()
		return
	case err != nil:
		log.Warn("unusable reading, skipping cycle", zap.Error(err))
		return
	}

	if ctx.Err() != nil {
		// Shutting down: don't publish a partial cycle.
		return
	}

	reading := energy.Compute(cfg.CapacityWh, metric.SOCPercent, metric.Timestamp)
	log.Info("computed energy",
		zap.Float64("soc_percent", reading.SOCPercent),
		zap.Float64("energy_wh", reading.EnergyWh))

	if err := relay.Publish(ctx, reading, metric.OutdoorTemp); err != nil {
		// No queuing of missed readings; each cycle is independent.
		log.Error("failed to relay reading", zap.Error(err))
		return
	}
	state.setLast(reading)

	if mirror != nil {
		if err := mirror.PublishReading(reading); err != nil {
			log.Warn("MQTT mirror publish failed", zap.Error(err))
		}
	}
}
