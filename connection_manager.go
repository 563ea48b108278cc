package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Connection states. Only the ConnectionManager moves between them.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateFailed       = "failed"
)

const (
	eventConnect    = "connect"
	eventConnected  = "connected"
	eventFail       = "fail"
	eventInvalidate = "invalidate"
)

// ConnectionManager owns the single connection to the dongle. All state
// transitions go through its FSM; no other component touches the handle
// lifecycle.
type ConnectionManager struct {
	transport DeviceTransport
	identity  DeviceIdentity
	policy    RetryPolicy
	log       *zap.Logger

	mu      sync.Mutex
	machine *fsm.FSM
	handle  DeviceHandle
	lastErr error
}

// NewConnectionManager builds a manager in the disconnected state.
func NewConnectionManager(transport DeviceTransport, identity DeviceIdentity, policy RetryPolicy, log *zap.Logger) *ConnectionManager {
	m := &ConnectionManager{
		transport: transport,
		identity:  identity,
		policy:    policy,
		log:       log,
	}
	m.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected, StateFailed}, Dst: StateConnecting},
			{Name: eventConnected, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventFail, Src: []string{StateConnecting}, Dst: StateFailed},
			{Name: eventInvalidate, Src: []string{StateConnecting, StateConnected, StateFailed}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.log.Debug("connection state changed",
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Current()
}

// LastError returns the error that put the manager into the failed state, if any.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// EnsureConnected returns the live handle when one exists, otherwise runs a
// bounded attempt sequence: up to MaxAttempts tries, each occupying the full
// Timeout window. An attempt that fails before its deadline waits out the
// remainder, so the sequence paces at one attempt per Timeout regardless of
// how quickly the transport fails. On exhaustion the manager lands in the
// failed state and the error wraps ErrRetriesExhausted.
func (m *ConnectionManager) EnsureConnected(ctx context.Context) (DeviceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.machine.Current() == StateConnected && m.handle != nil {
		return m.handle, nil
	}

	if err := m.machine.Event(ctx, eventConnect); err != nil {
		return nil, fmt.Errorf("begin connecting: %w", err)
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		attempts = attempt
		m.log.Info("connecting to WiCAN",
			zap.String("mac", m.identity.MAC.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.policy.MaxAttempts))

		attemptStart := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, m.policy.Timeout)
		handle, err := m.transport.Connect(attemptCtx, m.identity)
		cancel()

		if err == nil {
			m.handle = handle
			m.lastErr = nil
			_ = m.machine.Event(ctx, eventConnected)
			m.log.Info("connected to WiCAN", zap.String("mac", m.identity.MAC.String()))
			return handle, nil
		}

		lastErr = err
		m.log.Warn("connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if errors.Is(err, ErrAuthFailed) {
			// The passkey is fixed for the process lifetime.
			break
		}
		if ctx.Err() != nil {
			// Shutdown mid-sequence: abort instead of burning the
			// remaining attempts against a dead context.
			lastErr = ctx.Err()
			break
		}

		// A fast failure still occupies the full attempt window.
		if attempt < m.policy.MaxAttempts {
			if remaining := m.policy.Timeout - time.Since(attemptStart); remaining > 0 {
				select {
				case <-time.After(remaining):
				case <-ctx.Done():
					lastErr = ctx.Err()
				}
				if ctx.Err() != nil {
					break
				}
			}
		}
	}

	m.lastErr = lastErr
	_ = m.machine.Event(ctx, eventFail)

	if errors.Is(lastErr, ErrAuthFailed) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, lastErr)
}

// Invalidate discards the current handle so the next EnsureConnected starts a
// fresh attempt sequence. Callers use this after a transport failure mid-read.
func (m *ConnectionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			m.log.Debug("error closing stale handle", zap.Error(err))
		}
		m.handle = nil
	}
	// No-op when already disconnected.
	_ = m.machine.Event(context.Background(), eventInvalidate)
}
