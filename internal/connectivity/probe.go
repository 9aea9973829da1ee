// Package connectivity tracks whether the remote server is reachable and drains the sync
// queue when it becomes reachable again.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	healthPath           = "/healthz"
)

var errMissingBaseURL = errors.New("connectivity: base url is required")

// Provider reports reachability on demand and as a stream of changes.
type Provider interface {
	Check(ctx context.Context) bool
	// Subscribe emits the current state first and then every change until ctx ends.
	Subscribe(ctx context.Context) <-chan bool
}

// HTTPProbeConfig describes an HTTPProbe.
type HTTPProbeConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Interval   time.Duration
	Timeout    time.Duration
	Logger     *zap.Logger
}

// HTTPProbe considers the remote reachable when its health endpoint answers with 2xx.
type HTTPProbe struct {
	healthURL string
	client    *http.Client
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// NewHTTPProbe constructs an HTTPProbe.
func NewHTTPProbe(cfg HTTPProbeConfig) (*HTTPProbe, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProbe{
		healthURL: baseURL + healthPath,
		client:    client,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Check performs one health request.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	requestContext, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestContext, http.MethodGet, p.healthURL, nil)
	if err != nil {
		p.logger.Warn("health request build failed", zap.Error(err))
		return false
	}
	response, err := p.client.Do(request)
	if err != nil {
		p.logger.Debug("health request failed", zap.String("url", p.healthURL), zap.Error(err))
		return false
	}
	defer response.Body.Close()
	return response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices
}

// Subscribe polls at the configured interval and emits on change.
func (p *HTTPProbe) Subscribe(ctx context.Context) <-chan bool {
	updates := make(chan bool, 1)
	go func() {
		defer close(updates)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		current := p.Check(ctx)
		if !emit(ctx, updates, current) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next := p.Check(ctx)
				if next == current {
					continue
				}
				current = next
				if !emit(ctx, updates, current) {
					return
				}
			}
		}
	}()
	return updates
}

func emit(ctx context.Context, updates chan<- bool, online bool) bool {
	select {
	case updates <- online:
		return true
	case <-ctx.Done():
		return false
	}
}
