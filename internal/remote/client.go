// Package remote talks to the shiftsync server: it transmits queued operations over REST
// and follows the realtime change stream.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/auth"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxResponseBodySize   = 4 << 20
	apiPrefix             = "/v1/"
	errorVersionConflict  = "version_conflict"
)

var (
	errMissingBaseURL     = errors.New("remote: base url is required")
	errMissingTokenSource = errors.New("remote: token source is required")
)

// ClientConfig describes a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     auth.TokenSource
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client is the REST transmitter for queued operations.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  auth.TokenSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenSource
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		client:  client,
		tokens:  cfg.Tokens,
		timeout: timeout,
		logger:  logger,
	}, nil
}

type errorResponse struct {
	Error  string          `json:"error"`
	Code   string          `json:"code,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
}

type listResponse struct {
	Records []json.RawMessage `json:"records"`
}

// Transmit sends one operation and returns the canonical record. A version conflict comes
// back as *syncer.ConflictError; retryable failures wrap syncer.ErrTransient and refusals
// wrap syncer.ErrRejected. Deleting a record the server does not know succeeds.
func (c *Client) Transmit(ctx context.Context, operation syncer.Operation) (syncer.Payload, error) {
	entityID := operation.EntityID()
	collection := c.baseURL + apiPrefix + operation.Entity.Collection()
	recordURL := collection + "/" + url.PathEscape(entityID)

	var (
		method   string
		endpoint string
		body     any
	)
	switch operation.Type {
	case syncer.OperationCreate:
		method, endpoint, body = http.MethodPost, collection, operation.Data
	case syncer.OperationUpdate:
		method, endpoint, body = http.MethodPut, recordURL, operation.Data
	case syncer.OperationDelete:
		method, endpoint = http.MethodDelete, recordURL
	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", syncer.ErrRejected, operation.Type)
	}

	status, raw, err := c.do(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}

	switch {
	case status >= 200 && status < 300:
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, nil
		}
		payload, err := decodePayload(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decode response: %w", syncer.ErrTransient, err)
		}
		return payload, nil
	case status == http.StatusConflict:
		return nil, c.conflictFrom(operation, raw)
	case status == http.StatusNotFound && operation.Type == syncer.OperationDelete:
		c.logger.Debug("delete of unknown remote record treated as done",
			zap.String("entity", operation.Entity.String()),
			zap.String("entity_id", entityID))
		return nil, nil
	default:
		return nil, classifyStatus(status, raw)
	}
}

// Fetch lists the records of entity changed after sinceMillis, tombstones included when
// sinceMillis is positive.
func (c *Client) Fetch(ctx context.Context, entity syncer.Entity, sinceMillis int64) ([]syncer.Payload, error) {
	endpoint := c.baseURL + apiPrefix + entity.Collection()
	if sinceMillis > 0 {
		endpoint += "?since=" + strconv.FormatInt(sinceMillis, 10)
	}

	status, raw, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, classifyStatus(status, raw)
	}

	var listed listResponse
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("%w: decode list: %w", syncer.ErrTransient, err)
	}
	payloads := make([]syncer.Payload, 0, len(listed.Records))
	for _, item := range listed.Records {
		payload, err := decodePayload(item)
		if err != nil {
			c.logger.Warn("skipping undecodable remote record", zap.String("entity", entity.String()), zap.Error(err))
			continue
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: token unavailable: %w", syncer.ErrTransient, err)
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: encode body: %w", syncer.ErrRejected, err)
		}
		reader = bytes.NewReader(encoded)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(requestCtx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: build request: %w", syncer.ErrRejected, err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.client.Do(request)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %w", syncer.ErrTransient, method, endpoint, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %w", syncer.ErrTransient, err)
	}
	return response.StatusCode, raw, nil
}

func (c *Client) conflictFrom(operation syncer.Operation, raw []byte) error {
	conflictErr := &syncer.ConflictError{Entity: operation.Entity, EntityID: operation.EntityID()}

	var decoded errorResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.logger.Warn("conflict response without readable body", zap.Error(err))
		return conflictErr
	}
	if decoded.Error != "" && decoded.Error != errorVersionConflict {
		c.logger.Warn("unexpected conflict error code", zap.String("error", decoded.Error))
	}
	if len(decoded.Record) > 0 && string(decoded.Record) != "null" {
		remote, err := decodePayload(decoded.Record)
		if err != nil {
			c.logger.Warn("conflict record undecodable", zap.Error(err))
			return conflictErr
		}
		conflictErr.Remote = remote
	}
	return conflictErr
}

func classifyStatus(status int, raw []byte) error {
	var decoded errorResponse
	_ = json.Unmarshal(raw, &decoded)
	reason := decoded.Error
	if reason == "" {
		reason = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return fmt.Errorf("%w: status %d: %s", syncer.ErrTransient, status, reason)
	default:
		return fmt.Errorf("%w: status %d: %s", syncer.ErrRejected, status, reason)
	}
}

func decodePayload(raw []byte) (syncer.Payload, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var payload syncer.Payload
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}
