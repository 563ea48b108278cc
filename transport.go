package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// DeviceIdentity identifies the WiCAN dongle. Immutable for the process lifetime.
type DeviceIdentity struct {
	MAC     net.HardwareAddr
	Passkey string
}

// RetryPolicy bounds a connection attempt sequence. Immutable configuration.
type RetryPolicy struct {
	MaxAttempts int           // attempts before giving up
	Timeout     time.Duration // deadline for each individual attempt
}

// VehicleMetric is one SOC sample as reported by the dongle. It is consumed
// immediately by the energy calculation and never persisted.
type VehicleMetric struct {
	SOCPercent  float64
	OutdoorTemp *float64 // optional, rides along to the relay payload
	Timestamp   time.Time
}

var (
	// ErrNoData means the dongle had no value for the configured autopid
	// profile. The connection is still good.
	ErrNoData = errors.New("wican: no data for the configured profile")

	// ErrAuthFailed means the dongle rejected the configured passkey.
	// Retrying with the same passkey cannot succeed.
	ErrAuthFailed = errors.New("wican: device rejected passkey")

	// ErrConnectTimeout means a single connection attempt hit its deadline.
	ErrConnectTimeout = errors.New("wican: connection attempt timed out")

	// ErrRetriesExhausted means every bounded connection attempt failed.
	ErrRetriesExhausted = errors.New("wican: connection retries exhausted")
)

// TransportError marks a broken device link. The handle that produced it must
// be discarded and the connection re-established.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wican: transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// isTransportError reports whether err requires discarding the handle.
func isTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// DeviceHandle is an established link to the dongle. Handles are owned by the
// ConnectionManager; readers borrow one for the duration of a single request.
type DeviceHandle interface {
	// ReadMetric issues one autopid request and waits for the structured
	// SOC response until ctx expires. Returns ErrNoData when the dongle has
	// nothing to report, or a *TransportError when the link dropped.
	ReadMetric(ctx context.Context) (VehicleMetric, error)

	// Close tears the link down. Safe to call on an already-broken handle.
	Close() error
}

// DeviceTransport opens links to the dongle. The BLE implementation talks to
// real hardware; tests substitute fakes so the orchestrator logic can run
// without an adapter.
type DeviceTransport interface {
	Connect(ctx context.Context, id DeviceIdentity) (DeviceHandle, error)
}
