package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var errMissingAccessToken = errors.New("access token must be provided")

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = time.Minute

// TokenSource supplies bearer tokens for outgoing remote calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed, externally provisioned token.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource validates and wraps a fixed token.
func NewStaticTokenSource(token string) (*StaticTokenSource, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, errMissingAccessToken
	}
	return &StaticTokenSource{token: trimmed}, nil
}

func (s *StaticTokenSource) Token(_ context.Context) (string, error) {
	return s.token, nil
}

// IssuerTokenSource mints tokens for one subject and caches each until shortly before expiry.
type IssuerTokenSource struct {
	issuer  *TokenIssuer
	subject string

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewIssuerTokenSource binds an issuer to the subject every minted token carries.
func NewIssuerTokenSource(issuer *TokenIssuer, subject string) (*IssuerTokenSource, error) {
	if issuer == nil {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(subject) == "" {
		return nil, errMissingSubjectClaim
	}
	return &IssuerTokenSource{issuer: issuer, subject: subject}, nil
}

func (s *IssuerTokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.issuer.clock()
	if s.cached != "" && now.Add(refreshMargin).Before(s.expiresAt) {
		return s.cached, nil
	}
	token, expiresIn, err := s.issuer.IssueToken(s.subject)
	if err != nil {
		return "", err
	}
	s.cached = token
	s.expiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	return token, nil
}
