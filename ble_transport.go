package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// WiCAN Pro GATT characteristics.
var (
	wicanNotifyUUID = mustUUID("0200dec0-01ef-bc9a-5678-1234deadf0be")
	wicanWriteUUID  = mustUUID("0300dec0-01ef-bc9a-5678-1234deadf0be")
)

// autopidRequest asks the dongle to dump its pre-parsed PID values. Parsing
// of the vehicle's CAN frames happens on the dongle itself.
var autopidRequest = []byte("autopid -d\n")

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// bleTransport opens BLE links to the dongle through the host adapter.
type bleTransport struct {
	adapter *bluetooth.Adapter
	log     *zap.Logger
}

// newBLETransport enables the default host adapter.
func newBLETransport(log *zap.Logger) (*bleTransport, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return &bleTransport{adapter: adapter, log: log}, nil
}

// Connect scans for the dongle by MAC, connects, resolves the WiCAN
// characteristics and runs the passkey handshake. The whole sequence is
// bounded by ctx, which the ConnectionManager sets to the per-attempt timeout.
func (t *bleTransport) Connect(ctx context.Context, id DeviceIdentity) (DeviceHandle, error) {
	target := strings.ToUpper(id.MAC.String())

	resultCh := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.adapter.StopScan()
		case <-scanDone:
		}
	}()

	t.log.Debug("scanning for device", zap.String("mac", target))
	err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if strings.EqualFold(result.Address.String(), target) {
			select {
			case resultCh <- result:
			default:
			}
			_ = adapter.StopScan()
		}
	})
	close(scanDone)
	if err != nil {
		return nil, fmt.Errorf("scan for %s: %w", target, err)
	}

	var result bluetooth.ScanResult
	select {
	case result = <-resultCh:
	default:
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: scan aborted: %v", ErrConnectTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("device %s not found during scan", target)
	}

	t.log.Debug("device found, connecting", zap.String("mac", target))
	dev, err := t.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}

	handle, err := t.newHandle(ctx, dev, id)
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	return handle, nil
}

// newHandle resolves the notify/write characteristics and authenticates.
func (t *bleTransport) newHandle(ctx context.Context, dev bluetooth.Device, id DeviceIdentity) (*bleHandle, error) {
	svcs, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}

	var notifyChar, writeChar bluetooth.DeviceCharacteristic
	var haveNotify, haveWrite bool
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics: %w", err)
		}
		for _, c := range chars {
			switch c.UUID() {
			case wicanNotifyUUID:
				notifyChar = c
				haveNotify = true
			case wicanWriteUUID:
				writeChar = c
				haveWrite = true
			}
		}
	}
	if !haveNotify || !haveWrite {
		return nil, errors.New("wican: notify/write characteristics not found")
	}

	h := &bleHandle{
		dev:           dev,
		write:         writeChar,
		notifications: make(chan []byte, 4),
		log:           t.log,
	}
	if err := notifyChar.EnableNotifications(h.onNotify); err != nil {
		return nil, fmt.Errorf("enable notifications: %w", err)
	}

	if err := h.authenticate(ctx, id.Passkey); err != nil {
		return nil, err
	}
	return h, nil
}

// bleHandle is a live GATT link to the dongle. A single reader at a time.
type bleHandle struct {
	dev           bluetooth.Device
	write         bluetooth.DeviceCharacteristic
	notifications chan []byte
	log           *zap.Logger
}

func (h *bleHandle) onNotify(buf []byte) {
	frame := make([]byte, len(buf))
	copy(frame, buf)
	select {
	case h.notifications <- frame:
	default:
		// Reader is behind; drop the oldest frame.
		select {
		case <-h.notifications:
		default:
		}
		h.notifications <- frame
	}
}

// authenticate presents the passkey on the terminal channel. Firmware builds
// without a passkey configured ignore the line and send no reply, so a short
// silence is treated as success.
func (h *bleHandle) authenticate(ctx context.Context, passkey string) error {
	if _, err := h.write.WriteWithoutResponse([]byte("auth " + passkey + "\n")); err != nil {
		return &TransportError{Err: fmt.Errorf("send passkey: %w", err)}
	}

	replyWait := time.NewTimer(2 * time.Second)
	defer replyWait.Stop()

	select {
	case raw := <-h.notifications:
		reply := strings.ToUpper(strings.TrimSpace(string(raw)))
		if strings.Contains(reply, "ERROR") || strings.Contains(reply, "DENIED") {
			return ErrAuthFailed
		}
		h.log.Debug("auth reply", zap.String("reply", reply))
	case <-replyWait.C:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConnectTimeout, ctx.Err())
	}
	return nil
}

// ReadMetric writes one autopid request and waits for the JSON notification.
func (h *bleHandle) ReadMetric(ctx context.Context) (VehicleMetric, error) {
	// Drop frames left over from a previous request.
	for {
		select {
		case <-h.notifications:
			continue
		default:
		}
		break
	}

	if _, err := h.write.WriteWithoutResponse(autopidRequest); err != nil {
		return VehicleMetric{}, &TransportError{Err: fmt.Errorf("send autopid request: %w", err)}
	}

	select {
	case raw := <-h.notifications:
		return parseAutopidResponse(raw)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The dongle stayed silent for the whole window. The link is
			// still up; there was just nothing to report this cycle.
			return VehicleMetric{}, ErrNoData
		}
		return VehicleMetric{}, ctx.Err()
	}
}

// Close tears down the GATT link.
func (h *bleHandle) Close() error {
	return h.dev.Disconnect()
}
