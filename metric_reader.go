package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// wicanResponse is the JSON frame the dongle pushes in reply to "autopid -d".
// Keys are defined by the WiCAN firmware; SOC_D is the dash-displayed value
// and takes precedence over the raw SOC when both are present.
type wicanResponse struct {
	SOC                *float64 `json:"SOC"`
	SOCDisplay         *float64 `json:"SOC_D"`
	OutdoorTemperature *float64 `json:"OUTDOOR_TEMPERATURE"`
}

// parseAutopidResponse decodes a single notification frame into a metric.
func parseAutopidResponse(raw []byte) (VehicleMetric, error) {
	text := strings.TrimRight(string(raw), "\r\n")

	var resp wicanResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return VehicleMetric{}, fmt.Errorf("parse autopid response %q: %w", text, err)
	}

	soc := resp.SOC
	if resp.SOCDisplay != nil {
		soc = resp.SOCDisplay
	}
	if soc == nil {
		return VehicleMetric{}, ErrNoData
	}

	return VehicleMetric{
		SOCPercent:  *soc,
		OutdoorTemp: resp.OutdoorTemperature,
		Timestamp:   time.Now(),
	}, nil
}

// MetricReader fetches SOC samples over an established handle. It has no
// state of its own; the handle is borrowed for the duration of one read.
type MetricReader struct {
	timeout time.Duration
	log     *zap.Logger
}

// NewMetricReader returns a reader that bounds each request with timeout.
func NewMetricReader(timeout time.Duration, log *zap.Logger) *MetricReader {
	return &MetricReader{timeout: timeout, log: log}
}

// ReadSOC issues one metric-read request. ErrNoData leaves the connection
// usable; a *TransportError means the caller must invalidate the handle.
func (r *MetricReader) ReadSOC(ctx context.Context, handle DeviceHandle) (VehicleMetric, error) {
	readCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metric, err := handle.ReadMetric(readCtx)
	if err != nil {
		return VehicleMetric{}, err
	}

	r.log.Debug("read SOC from device",
		zap.Float64("soc_percent", metric.SOCPercent),
		zap.Time("timestamp", metric.Timestamp))
	return metric, nil
}
