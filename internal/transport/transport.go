// Package transport implements the byte-stream abstraction of spec §4.1:
// open/close/read/write/drain/is_alive over a USB-serial or raw USB bulk
// pipe, surfacing unplug as Disconnected and deadline overrun as Timeout.
// Device enumeration itself (finding which endpoint to open) is an
// external Transport Provider collaborator per spec §1; this package only
// defines the interface such a provider returns and the concrete raw-USB
// implementation grounded on the teacher's gousb usage.
package transport

import (
	"context"
	"errors"
	"time"

	"flashkit/internal/xerrors"
)

// Endpoint names one opened connection a Provider has handed back:
// enough for logs and reconnect bookkeeping, nothing more (the Provider
// itself stays external per spec §1).
type Endpoint struct {
	Name string
	// MaxBulkSize is the largest single read/write the endpoint accepts
	// without fragmentation (spec §4.1: "A per-transport max_bulk_size is
	// queryable").
	MaxBulkSize int
}

// Transport is the abstraction every protocol client (BSL, Sahara,
// Firehose, Fastboot) is built on top of.
type Transport interface {
	// Read returns the bytes of one transfer, at most n, blocking until
	// data arrives, the deadline lapses, or the endpoint vanishes.
	Read(ctx context.Context, n int, deadline time.Duration) ([]byte, error)
	// Write sends data, blocking until accepted by the endpoint or the
	// deadline lapses.
	Write(ctx context.Context, data []byte, deadline time.Duration) error
	// Drain discards any buffered input the endpoint is still holding.
	Drain(ctx context.Context) error
	// IsAlive reports whether the underlying endpoint still answers; an
	// idle monitor polls it to detect a silent unplug (spec §4.1).
	IsAlive() bool
	// MaxBulkSize is the endpoint's largest single transfer size.
	MaxBulkSize() int
	// Close releases the endpoint.
	Close() error
}

// Provider opens endpoints discovered by OS-level USB/serial enumeration
// — explicitly out of this core's scope (spec §1); flashkit only depends
// on this interface, never on a concrete enumeration mechanism.
type Provider interface {
	Open(ctx context.Context, endpoint Endpoint, drain bool) (Transport, error)
}

// classifyIOError maps a raw transport error to the taxonomy's
// Disconnected/Timeout kinds (spec §7), defaulting to Protocol for
// anything else.
func classifyIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.New(xerrors.KindTimeout, op, err)
	}
	if isDisconnectErr(err) {
		return xerrors.New(xerrors.KindDisconnected, op, err)
	}
	return xerrors.New(xerrors.KindProtocol, op, err)
}

// isDisconnectErr is overridden by build-specific files to recognize
// gousb's TransferError / device-gone sentinel errors; the portable
// default recognizes none and always returns false.
var isDisconnectErr = func(err error) bool { return false }

// Monitor periodically polls a Transport's IsAlive and reports the first
// failure via onDisconnect. Callers Stop() it on session teardown.
type Monitor struct {
	t            Transport
	interval     time.Duration
	onDisconnect func()
	stop         chan struct{}
}

// NewMonitor starts polling t every interval; onDisconnect fires at most
// once, the first time IsAlive returns false.
func NewMonitor(t Transport, interval time.Duration, onDisconnect func()) *Monitor {
	m := &Monitor{t: t, interval: interval, onDisconnect: onDisconnect, stop: make(chan struct{})}
	go m.run()
	return m
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !m.t.IsAlive() {
				if m.onDisconnect != nil {
					m.onDisconnect()
				}
				return
			}
		}
	}
}

// Stop ends the polling loop.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}
