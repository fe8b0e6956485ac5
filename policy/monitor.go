// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultPollInterval is how often the signal source is polled when
	// no ticker is configured.
	DefaultPollInterval = 30 * time.Second
)

var (
	// ErrMonitorStarted is returned when Start is called twice.
	ErrMonitorStarted = errors.New("monitor already started")

	// ErrNoSource is returned when a monitor is built without a source.
	ErrNoSource = errors.New("no signal source")
)

// SignalSource reports the current remote availability and spending limit.
type SignalSource interface {
	// CurrentSignal fetches the latest signal.
	CurrentSignal(ctx context.Context) (Signal, error)
}

// StaticSource is a SignalSource that always returns the same signal.
type StaticSource struct {
	Signal Signal
}

// CurrentSignal returns the fixed signal.
func (s StaticSource) CurrentSignal(context.Context) (Signal, error) {
	return s.Signal, nil
}

// MonitorConfig holds the dependencies of a Monitor.
type MonitorConfig struct {
	// Source is polled for the latest signal.
	Source SignalSource

	// Ticker paces the polling. When nil, a ticker firing every
	// DefaultPollInterval is used.
	Ticker ticker.Ticker
}

// Monitor polls a SignalSource and publishes every change to its
// subscribers, so that an open confirmation can re-derive its signer.
type Monitor struct {
	cfg MonitorConfig

	started atomic.Bool

	mu          sync.Mutex
	current     Signal
	initialized bool
	subscribers map[uint64]chan Signal
	nextID      uint64

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewMonitor creates a monitor for the given config.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, ErrNoSource
	}

	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultPollInterval)
	}

	return &Monitor{
		cfg:         cfg,
		subscribers: make(map[uint64]chan Signal),
		quit:        make(chan struct{}),
	}, nil
}

// Start fetches the first signal synchronously and then keeps polling in
// the background until Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrMonitorStarted
	}

	m.poll(ctx)

	m.cfg.Ticker.Resume()

	m.wg.Add(1)
	go m.pollLoop(ctx)

	return nil
}

// Stop halts polling and waits for the poll loop to exit. Subscriptions are
// closed.
func (m *Monitor) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}

	close(m.quit)
	m.wg.Wait()
	m.cfg.Ticker.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subscribers {
		close(sub)
		delete(m.subscribers, id)
	}
}

// Current returns the most recently observed signal.
func (m *Monitor) Current() Signal {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Subscribe returns a channel receiving every signal change. Only the latest
// undelivered change is kept for a slow reader. The returned function
// cancels the subscription.
func (m *Monitor) Subscribe() (<-chan Signal, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	sub := make(chan Signal, 1)
	m.subscribers[id] = sub

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if s, ok := m.subscribers[id]; ok {
			close(s)
			delete(m.subscribers, id)
		}
	}

	return sub, cancel
}

// pollLoop polls the source on every tick.
func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.Ticker.Ticks():
			m.poll(ctx)

		case <-m.quit:
			return

		case <-ctx.Done():
			return
		}
	}
}

// poll fetches the signal and publishes it when it changed. A source
// failure is treated as the remote service being unavailable while the last
// known limit is kept.
func (m *Monitor) poll(ctx context.Context) {
	sig, err := m.cfg.Source.CurrentSignal(ctx)
	if err != nil {
		log.Warnf("Unable to fetch signing signal, assuming remote "+
			"service unavailable: %v", err)

		sig = Signal{
			RemoteAvailable: false,
			Limit:           m.Current().Limit,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized && sig.Equal(m.current) {
		return
	}

	log.Debugf("Signing signal changed: %v", sig)

	m.current = sig
	m.initialized = true
	for _, sub := range m.subscribers {
		// Replace any undelivered signal with the latest one.
		select {
		case <-sub:
		default:
		}

		sub <- sig
	}
}
