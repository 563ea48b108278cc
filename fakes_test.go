package main

import (
	"context"
	"fmt"
	"sync"
)

type readResult struct {
	metric VehicleMetric
	err    error
}

// fakeHandle scripts ReadMetric results for tests. When the script runs out
// it reports ErrNoData.
type fakeHandle struct {
	mu     sync.Mutex
	reads  []readResult
	closed bool
}

func (h *fakeHandle) ReadMetric(ctx context.Context) (VehicleMetric, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reads) == 0 {
		return VehicleMetric{}, ErrNoData
	}
	r := h.reads[0]
	h.reads = h.reads[1:]
	return r.metric, r.err
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type connectAttempt struct {
	handle DeviceHandle
	err    error
}

// fakeTransport scripts connection attempts. The last scripted attempt
// repeats once the script is exhausted.
type fakeTransport struct {
	mu       sync.Mutex
	connects int
	attempts []connectAttempt
}

func (t *fakeTransport) Connect(ctx context.Context, id DeviceIdentity) (DeviceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	i := t.connects - 1
	if i >= len(t.attempts) {
		i = len(t.attempts) - 1
	}
	a := t.attempts[i]
	return a.handle, a.err
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// blockingTransport hangs every attempt until its context expires, like a
// dongle that is out of range.
type blockingTransport struct {
	mu       sync.Mutex
	connects int
}

func (t *blockingTransport) Connect(ctx context.Context, id DeviceIdentity) (DeviceHandle, error) {
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, ctx.Err())
}

func (t *blockingTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}
