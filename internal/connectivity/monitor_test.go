package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	online  atomic.Bool
	updates chan bool
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{updates: make(chan bool)}
}

func (p *scriptedProvider) Check(context.Context) bool {
	return p.online.Load()
}

func (p *scriptedProvider) Subscribe(context.Context) <-chan bool {
	return p.updates
}

type countingDrainer struct {
	pending atomic.Bool
	drains  atomic.Int64
}

func (d *countingDrainer) HasPending() bool {
	return d.pending.Load()
}

func (d *countingDrainer) SyncNow(context.Context) bool {
	d.drains.Add(1)
	return true
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) recorded() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

func startMonitor(t *testing.T, monitor *Monitor, drainer Drainer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- monitor.Run(ctx, drainer)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestMonitorDrainsOnReconnectWithPendingWork(t *testing.T) {
	provider := newScriptedProvider()
	monitor, err := NewMonitor(MonitorConfig{Provider: provider})
	require.NoError(t, err)
	drainer := &countingDrainer{}
	drainer.pending.Store(true)
	startMonitor(t, monitor, drainer)

	require.False(t, monitor.IsOnline())
	provider.updates <- false
	provider.updates <- true
	provider.updates <- true

	require.Eventually(t, func() bool { return drainer.drains.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, monitor.IsOnline())

	provider.updates <- false
	provider.updates <- true
	require.Eventually(t, func() bool { return drainer.drains.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMonitorDrainsRehydratedQueueWhenAlreadyOnline(t *testing.T) {
	provider := newScriptedProvider()
	provider.online.Store(true)
	monitor, err := NewMonitor(MonitorConfig{Provider: provider})
	require.NoError(t, err)
	require.True(t, monitor.Refresh(context.Background()))
	drainer := &countingDrainer{}
	drainer.pending.Store(true)
	startMonitor(t, monitor, drainer)

	provider.updates <- true

	require.Eventually(t, func() bool { return drainer.drains.Load() == 1 }, time.Second, 5*time.Millisecond)

	provider.updates <- true
	provider.updates <- false
	require.Eventually(t, func() bool { return !monitor.IsOnline() }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, drainer.drains.Load())
}

func TestMonitorSkipsDrainWithoutPendingWork(t *testing.T) {
	provider := newScriptedProvider()
	monitor, err := NewMonitor(MonitorConfig{Provider: provider})
	require.NoError(t, err)
	drainer := &countingDrainer{}
	startMonitor(t, monitor, drainer)

	provider.updates <- true
	provider.updates <- false

	require.EqualValues(t, 0, drainer.drains.Load())
	require.Eventually(t, func() bool { return !monitor.IsOnline() }, time.Second, 5*time.Millisecond)
}

func TestMonitorRetriesDrainOnInterval(t *testing.T) {
	provider := newScriptedProvider()
	monitor, err := NewMonitor(MonitorConfig{Provider: provider, DrainInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	drainer := &countingDrainer{}
	startMonitor(t, monitor, drainer)

	provider.updates <- true
	drainer.pending.Store(true)

	require.Eventually(t, func() bool { return drainer.drains.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestGuardSkipsActionWhileOffline(t *testing.T) {
	notifier := &recordingNotifier{}
	monitor, err := NewMonitor(MonitorConfig{Provider: newScriptedProvider(), Notifier: notifier})
	require.NoError(t, err)
	called := false

	result, ran, err := Guard(context.Background(), monitor, func(context.Context) (int, error) {
		called = true
		return 7, nil
	})

	require.NoError(t, err)
	require.False(t, ran)
	require.Zero(t, result)
	require.False(t, called)
	require.Equal(t, []Notice{NoticeNoConnection}, notifier.recorded())
}

func TestGuardChecksReachabilityBeforeDeciding(t *testing.T) {
	notifier := &recordingNotifier{}
	provider := newScriptedProvider()
	monitor, err := NewMonitor(MonitorConfig{Provider: provider, Notifier: notifier})
	require.NoError(t, err)
	require.False(t, monitor.IsOnline())

	provider.online.Store(true)
	_, ran, err := Guard(context.Background(), monitor, func(context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.True(t, monitor.IsOnline())

	provider.online.Store(false)
	_, ran, err = Guard(context.Background(), monitor, func(context.Context) (int, error) {
		return 2, nil
	})
	require.NoError(t, err)
	require.False(t, ran)
	require.False(t, monitor.IsOnline())
	require.Equal(t, []Notice{NoticeNoConnection}, notifier.recorded())
}

func TestGuardAnnouncesNetworkFailures(t *testing.T) {
	notifier := &recordingNotifier{}
	provider := newScriptedProvider()
	provider.online.Store(true)
	monitor, err := NewMonitor(MonitorConfig{Provider: provider, Notifier: notifier})
	require.NoError(t, err)
	require.True(t, monitor.Refresh(context.Background()))

	result, ran, err := Guard(context.Background(), monitor, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, "ok", result)

	_, ran, err = Guard(context.Background(), monitor, func(context.Context) (string, error) {
		return "", fmt.Errorf("post: %w", syncer.ErrTransient)
	})
	require.True(t, ran)
	require.ErrorIs(t, err, syncer.ErrTransient)

	validationErr := errors.New("name required")
	_, _, err = Guard(context.Background(), monitor, func(context.Context) (string, error) {
		return "", validationErr
	})
	require.ErrorIs(t, err, validationErr)

	require.Equal(t, []Notice{NoticeConnectionError}, notifier.recorded())
}

func TestHTTPProbeFollowsHealthEndpoint(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	health, err := NewHTTPProbe(HTTPProbeConfig{BaseURL: server.URL + "/", Interval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, health.Check(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := health.Subscribe(ctx)

	require.True(t, <-updates)
	healthy.Store(false)
	select {
	case online := <-updates:
		require.False(t, online)
	case <-time.After(time.Second):
		require.FailNow(t, "expected offline transition")
	}
}

func TestHTTPProbeReportsUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	health, err := NewHTTPProbe(HTTPProbeConfig{BaseURL: baseURL, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.False(t, health.Check(context.Background()))

	_, err = NewHTTPProbe(HTTPProbeConfig{})
	require.Error(t, err)
}
