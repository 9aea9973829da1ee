package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var errMissingProvider = errors.New("connectivity: provider is required")

// Drainer is the part of the sync manager the monitor drives.
type Drainer interface {
	HasPending() bool
	SyncNow(ctx context.Context) bool
}

// MonitorConfig describes a Monitor.
type MonitorConfig struct {
	Provider Provider
	Notifier Notifier
	Logger   *zap.Logger
	// DrainInterval retries a drain while online with pending operations. Zero disables it.
	DrainInterval time.Duration
}

// Monitor holds the last observed reachability state. It starts offline.
type Monitor struct {
	provider      Provider
	notifier      Notifier
	logger        *zap.Logger
	drainInterval time.Duration
	online        atomic.Bool
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Monitor{
		provider:      cfg.Provider,
		notifier:      notifier,
		logger:        logger,
		drainInterval: cfg.DrainInterval,
	}, nil
}

// IsOnline reports the last observed state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Refresh asks the provider once and records the answer.
func (m *Monitor) Refresh(ctx context.Context) bool {
	online := m.provider.Check(ctx)
	m.observe(online)
	return online
}

// observe stores online and reports whether the device just came back online.
func (m *Monitor) observe(online bool) bool {
	previous := m.online.Swap(online)
	if previous != online {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	return online && !previous
}

// Run follows the provider until ctx ends. Every offline to online transition drains the
// queue when work is pending, and so does the first report when it is online.
func (m *Monitor) Run(ctx context.Context, drainer Drainer) error {
	updates := m.provider.Subscribe(ctx)

	first := true
	var tick <-chan time.Time
	if m.drainInterval > 0 {
		ticker := time.NewTicker(m.drainInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case online, ok := <-updates:
			if !ok {
				return nil
			}
			cameBack := m.observe(online)
			switch {
			case cameBack:
				m.drain(ctx, drainer, "reconnected")
			case first && online:
				m.drain(ctx, drainer, "startup")
			}
			first = false
		case <-tick:
			if m.IsOnline() {
				m.drain(ctx, drainer, "interval")
			}
		}
	}
}

func (m *Monitor) drain(ctx context.Context, drainer Drainer, trigger string) {
	if drainer == nil || !drainer.HasPending() {
		return
	}
	m.logger.Debug("draining sync queue", zap.String("trigger", trigger))
	drainer.SyncNow(ctx)
}
