package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/auth"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultReadTimeout    = 90 * time.Second
	streamPath            = "/v1/stream"
	eventRecordChanged    = "record-change"
	eventHeartbeat        = "heartbeat"
)

var (
	errMissingApplier = errors.New("remote: applier is required")
	catchupEntities   = []syncer.Entity{syncer.EntityUser, syncer.EntityLocation, syncer.EntityShift, syncer.EntityPayment}
)

// Applier receives server-pushed records.
type Applier interface {
	ApplyRemote(ctx context.Context, entity syncer.Entity, remote syncer.Payload) error
}

// Fetcher lists records changed since a point in time. *Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, entity syncer.Entity, sinceMillis int64) ([]syncer.Payload, error)
}

// FeedConfig describes a Feed.
type FeedConfig struct {
	BaseURL string
	Tokens  auth.TokenSource
	Applier Applier
	// Catchup, when set, replays changes missed while disconnected after each reconnect.
	Catchup        Fetcher
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
	Logger         *zap.Logger
}

// Feed follows the server's realtime stream and hands every pushed record to the Applier.
type Feed struct {
	streamURL      string
	tokens         auth.TokenSource
	applier        Applier
	catchup        Fetcher
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	readTimeout    time.Duration
	logger         *zap.Logger

	lastSeenMillis atomic.Int64
	applied        atomic.Int64
}

type feedEvent struct {
	Type      string          `json:"type"`
	Entity    string          `json:"entity"`
	Record    json.RawMessage `json:"record"`
	Timestamp int64           `json:"timestamp"`
}

// NewFeed constructs a Feed.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	streamURL, err := websocketURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenSource
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		streamURL:      streamURL,
		tokens:         cfg.Tokens,
		applier:        cfg.Applier,
		catchup:        cfg.Catchup,
		dialer:         dialer,
		reconnectDelay: reconnectDelay,
		readTimeout:    readTimeout,
		logger:         logger,
	}, nil
}

// Applied reports how many pushed records reached the Applier.
func (f *Feed) Applied() int64 {
	return f.applied.Load()
}

// Run keeps a stream open until ctx ends, reconnecting after a fixed delay.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Info("realtime stream interrupted", zap.Error(err), zap.Duration("retry_in", f.reconnectDelay))

		timer := time.NewTimer(f.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("token unavailable: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, response, err := f.dialer.DialContext(ctx, f.streamURL, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	f.logger.Info("realtime stream connected", zap.String("url", f.streamURL))
	f.replayMissed(ctx)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		var event feedEvent
		if err := conn.ReadJSON(&event); err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		f.handle(ctx, event)
	}
}

func (f *Feed) handle(ctx context.Context, event feedEvent) {
	switch event.Type {
	case eventHeartbeat:
		return
	case eventRecordChanged:
	default:
		f.logger.Debug("ignoring unknown stream event", zap.String("type", event.Type))
		return
	}

	entity, err := syncer.ParseEntity(event.Entity)
	if err != nil {
		f.logger.Warn("stream event for unknown entity", zap.String("entity", event.Entity))
		return
	}
	record, err := decodePayload(event.Record)
	if err != nil {
		f.logger.Warn("stream event record undecodable", zap.String("entity", event.Entity), zap.Error(err))
		return
	}
	f.apply(ctx, entity, record)
}

// replayMissed pulls changes newer than the latest record seen. Nothing is replayed before
// the first record arrives.
func (f *Feed) replayMissed(ctx context.Context) {
	since := f.lastSeenMillis.Load()
	if f.catchup == nil || since <= 0 {
		return
	}
	for _, entity := range catchupEntities {
		changed, err := f.catchup.Fetch(ctx, entity, since)
		if err != nil {
			f.logger.Warn("catch-up fetch failed", zap.String("entity", entity.String()), zap.Error(err))
			continue
		}
		for _, record := range changed {
			f.apply(ctx, entity, record)
		}
	}
}

func (f *Feed) apply(ctx context.Context, entity syncer.Entity, record syncer.Payload) {
	if err := f.applier.ApplyRemote(ctx, entity, record); err != nil {
		f.logger.Warn("pushed record not applied",
			zap.String("entity", entity.String()),
			zap.String("entity_id", record.ID()),
			zap.Error(err))
		return
	}
	f.applied.Add(1)
	if updatedAt, ok := record.Int64(syncer.FieldUpdatedAt); ok && updatedAt > f.lastSeenMillis.Load() {
		f.lastSeenMillis.Store(updatedAt)
	}
}

func websocketURL(baseURL string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return "", errMissingBaseURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("remote: invalid base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("remote: unsupported base url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + streamPath
	return parsed.String(), nil
}
