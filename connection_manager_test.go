package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testIdentity(t *testing.T) DeviceIdentity {
	t.Helper()
	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	return DeviceIdentity{MAC: mac, Passkey: "123456"}
}

func newTestManager(t *testing.T, transport DeviceTransport, maxAttempts int) *ConnectionManager {
	t.Helper()
	return NewConnectionManager(
		transport,
		testIdentity(t),
		RetryPolicy{MaxAttempts: maxAttempts, Timeout: 50 * time.Millisecond},
		zap.NewNop(),
	)
}

func TestEnsureConnected_Success(t *testing.T) {
	handle := &fakeHandle{}
	transport := &fakeTransport{attempts: []connectAttempt{{handle: handle}}}
	manager := newTestManager(t, transport, 5)

	got, err := manager.EnsureConnected(context.Background())

	require.NoError(t, err)
	assert.Same(t, handle, got)
	assert.Equal(t, StateConnected, manager.State())
	assert.Equal(t, 1, transport.connectCount())
}

func TestEnsureConnected_ReusesLiveHandle(t *testing.T) {
	handle := &fakeHandle{}
	transport := &fakeTransport{attempts: []connectAttempt{{handle: handle}}}
	manager := newTestManager(t, transport, 5)

	_, err := manager.EnsureConnected(context.Background())
	require.NoError(t, err)

	got, err := manager.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, handle, got)
	// No second transport connect for a live handle
	assert.Equal(t, 1, transport.connectCount())
}

func TestEnsureConnected_RetriesExhausted(t *testing.T) {
	transport := &fakeTransport{attempts: []connectAttempt{{err: errors.New("out of range")}}}
	manager := newTestManager(t, transport, 5)

	_, err := manager.EnsureConnected(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorContains(t, err, "after 5 attempts")
	assert.Equal(t, StateFailed, manager.State())
	// Exactly max_attempts tries, no more
	assert.Equal(t, 5, transport.connectCount())
	assert.Error(t, manager.LastError())
}

func TestEnsureConnected_FastFailuresPaceAtTimeout(t *testing.T) {
	transport := &fakeTransport{attempts: []connectAttempt{{err: errors.New("connection refused")}}}
	manager := NewConnectionManager(
		transport,
		testIdentity(t),
		RetryPolicy{MaxAttempts: 4, Timeout: 40 * time.Millisecond},
		zap.NewNop(),
	)

	start := time.Now()
	_, err := manager.EnsureConnected(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 4, transport.connectCount())
	// Instant failures still occupy the full attempt window, so the sequence
	// takes at least one timeout per inter-attempt gap.
	assert.GreaterOrEqual(t, elapsed, 3*40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestEnsureConnected_ShutdownPreemptsAttemptPacing(t *testing.T) {
	transport := &fakeTransport{attempts: []connectAttempt{{err: errors.New("connection refused")}}}
	manager := NewConnectionManager(
		transport,
		testIdentity(t),
		RetryPolicy{MaxAttempts: 5, Timeout: time.Second},
		zap.NewNop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := manager.EnsureConnected(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	// Cancellation wakes the inter-attempt wait instead of sleeping out the
	// full timeout, and the error reports how many attempts actually ran.
	assert.ErrorContains(t, err, "after 1 attempts")
	assert.Equal(t, 1, transport.connectCount())
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestEnsureConnected_SucceedsAfterRetry(t *testing.T) {
	handle := &fakeHandle{}
	transport := &fakeTransport{attempts: []connectAttempt{
		{err: errors.New("out of range")},
		{err: errors.New("out of range")},
		{handle: handle},
	}}
	manager := newTestManager(t, transport, 5)

	got, err := manager.EnsureConnected(context.Background())

	require.NoError(t, err)
	assert.Same(t, handle, got)
	assert.Equal(t, 3, transport.connectCount())
	assert.Equal(t, StateConnected, manager.State())
}

func TestEnsureConnected_FreshSequenceAfterFailure(t *testing.T) {
	handle := &fakeHandle{}
	transport := &fakeTransport{attempts: []connectAttempt{
		{err: errors.New("out of range")},
		{err: errors.New("out of range")},
		{handle: handle},
	}}
	manager := newTestManager(t, transport, 2)

	_, err := manager.EnsureConnected(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateFailed, manager.State())

	// The failed state does not wedge the manager; the next call starts over.
	got, err := manager.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, handle, got)
	assert.Equal(t, StateConnected, manager.State())
}

func TestEnsureConnected_AuthFailureStopsEarly(t *testing.T) {
	transport := &fakeTransport{attempts: []connectAttempt{{err: ErrAuthFailed}}}
	manager := newTestManager(t, transport, 5)

	_, err := manager.EnsureConnected(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	// Retrying with the same passkey cannot succeed
	assert.Equal(t, 1, transport.connectCount())
	assert.Equal(t, StateFailed, manager.State())
}

func TestInvalidate_ForcesReconnect(t *testing.T) {
	first := &fakeHandle{}
	second := &fakeHandle{}
	transport := &fakeTransport{attempts: []connectAttempt{
		{handle: first},
		{handle: second},
	}}
	manager := newTestManager(t, transport, 5)

	_, err := manager.EnsureConnected(context.Background())
	require.NoError(t, err)

	manager.Invalidate()
	assert.Equal(t, StateDisconnected, manager.State())
	assert.True(t, first.isClosed())

	got, err := manager.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Equal(t, 2, transport.connectCount())
}

func TestInvalidate_NoopWhenDisconnected(t *testing.T) {
	transport := &fakeTransport{attempts: []connectAttempt{{handle: &fakeHandle{}}}}
	manager := newTestManager(t, transport, 5)

	manager.Invalidate()
	assert.Equal(t, StateDisconnected, manager.State())
}

func TestEnsureConnected_ShutdownAbortsRetryLoop(t *testing.T) {
	transport := &blockingTransport{}
	manager := NewConnectionManager(
		transport,
		testIdentity(t),
		RetryPolicy{MaxAttempts: 5, Timeout: 30 * time.Millisecond},
		zap.NewNop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := manager.EnsureConnected(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	// Shutdown preempts the sequence within roughly one timeout interval
	// instead of burning all five attempts.
	assert.Less(t, transport.connectCount(), 5)
	assert.Less(t, elapsed, 200*time.Millisecond)
}
