package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aa-proxy/wican-bridge/energy"
)

// ErrUnreachable means the relay endpoint could not be reached at all
// (connection refused, DNS failure, request deadline hit).
var ErrUnreachable = errors.New("relay: endpoint unreachable")

// RejectedError reports a non-success HTTP status from the relay endpoint.
type RejectedError struct {
	Status int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay: endpoint rejected reading: status %d", e.Status)
}

// batteryPayload is the aa-proxy /battery wire format. Field names are a
// stable contract with the consuming proxy; do not rename them.
type batteryPayload struct {
	BatteryLevelPercentage *float64 `json:"battery_level_percentage,omitempty"`
	BatteryLevelWh         *uint32  `json:"battery_level_wh,omitempty"`
	ReferenceAirDensity    *float64 `json:"reference_air_density,omitempty"`
	ExternalTempCelsius    *float64 `json:"external_temp_celsius,omitempty"`
	BatteryCapacityWh      *uint32  `json:"battery_capacity_wh"`
}

// RelayClient posts computed readings to the aa-proxy battery endpoint. It
// performs exactly one POST per call; retry policy belongs to the caller.
type RelayClient struct {
	url  string
	http *http.Client
	log  *zap.Logger
}

// NewRelayClient builds a client whose requests are bounded by timeout.
func NewRelayClient(url string, timeout time.Duration, log *zap.Logger) *RelayClient {
	return &RelayClient{
		url:  url,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// Publish serializes the reading and POSTs it once. Returns ErrUnreachable on
// connect or timeout failure and *RejectedError on a non-2xx status. Publish
// never touches connection state.
func (c *RelayClient) Publish(ctx context.Context, reading energy.Reading, outdoorTemp *float64) error {
	levelWh := uint32(math.Round(reading.EnergyWh))
	capacityWh := uint32(math.Round(reading.CapacityWh))
	socPercent := reading.SOCPercent

	payload := batteryPayload{
		BatteryLevelPercentage: &socPercent,
		BatteryLevelWh:         &levelWh,
		ExternalTempCelsius:    outdoorTemp,
		BatteryCapacityWh:      &capacityWh,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal battery payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("posting battery data", zap.String("url", c.url), zap.ByteString("body", body))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RejectedError{Status: resp.StatusCode}
	}

	c.log.Info("posted battery data",
		zap.String("url", c.url),
		zap.Uint32("battery_level_wh", levelWh),
		zap.Float64("battery_level_percentage", socPercent))
	return nil
}
