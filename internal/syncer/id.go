package syncer

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDProvider issues unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ulidProvider struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	clock   func() time.Time
}

// NewULIDProvider constructs an IDProvider issuing monotonic ULIDs, so ids sort in issue order.
func NewULIDProvider(clock func() time.Time) IDProvider {
	if clock == nil {
		clock = time.Now
	}
	return &ulidProvider{
		entropy: ulid.Monotonic(rand.Reader, 0),
		clock:   clock,
	}
}

func (p *ulidProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, err := ulid.New(ulid.Timestamp(p.clock()), p.entropy)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
