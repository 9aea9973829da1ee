package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"go.uber.org/zap"
)

const (
	RealtimeEventRecordChanged = "record-change"
	realtimeEventHeartbeat     = "heartbeat"
	defaultRealtimeBufferSize  = 32
)

// RealtimeMessage announces one accepted record change to the owning user's streams.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Entity    syncer.Entity
	Record    syncer.Payload
	Timestamp time.Time
}

type RealtimeConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

// RealtimeDispatcher fans record changes out to per-user subscribers. Slow subscribers
// lose messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan RealtimeMessage
	nextID      atomic.Int64
	bufferSize  int
	logger      *zap.Logger
}

func NewRealtimeDispatcher(cfg RealtimeConfig) *RealtimeDispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultRealtimeBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]chan RealtimeMessage),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a stream for userID that stays open until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		stream := make(chan RealtimeMessage)
		close(stream)
		return stream, func() {}
	}

	subscriberID := d.nextID.Add(1)
	stream := make(chan RealtimeMessage, d.bufferSize)

	d.mu.Lock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]chan RealtimeMessage)
	}
	d.subscribers[userID][subscriberID] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unsubscribe(userID, subscriberID)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers message to every stream of its user without blocking.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for subscriberID, stream := range d.subscribers[message.UserID] {
		select {
		case stream <- message:
		default:
			d.logger.Warn("realtime subscriber lagging, message dropped",
				zap.String("user_id", message.UserID),
				zap.Int64("subscriber_id", subscriberID),
				zap.String("entity", message.Entity.String()))
		}
	}
}

// SubscriberCount reports the number of open streams for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) unsubscribe(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
