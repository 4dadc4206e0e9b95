package network

import (
	"context"
	"log/slog"
	"time"
)

// Checker performs one connectivity check.
type Checker interface {
	Head(ctx context.Context, u string) error
}

// MonitorConfig configures the probe loop.
type MonitorConfig struct {
	ProbeURL         string
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

// Monitor polls a probe URL and drives Store.SetOnline.
// It stands in for the connectivity events a browser would deliver.
type Monitor struct {
	store    *Store
	checker  Checker
	cfg      MonitorConfig
	failures int
}

// NewMonitor creates a probe monitor.
func NewMonitor(store *Store, checker Checker, cfg MonitorConfig) *Monitor {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Monitor{store: store, checker: checker, cfg: cfg}
}

// Run probes immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("Network: monitor started", "probe", m.cfg.ProbeURL, "interval", m.cfg.Interval)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs a single bounded probe and updates the store.
// Going offline requires FailureThreshold consecutive failures; one success restores online.
func (m *Monitor) Check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := m.checker.Head(checkCtx, m.cfg.ProbeURL)
	cancel()

	if ctx.Err() != nil {
		return
	}

	if err == nil {
		m.failures = 0
		m.store.SetOnline(true)
		return
	}

	m.failures++
	slog.Debug("Network: probe failed", "failures", m.failures, "error", err)
	if m.failures >= m.cfg.FailureThreshold {
		m.store.SetOnline(false)
	}
}
