package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	// RealtimeEventCycleChanged is emitted whenever a cycle row or one of its
	// ledger slices changes.
	RealtimeEventCycleChanged = "cycle-change"
	realtimeEventHeartbeat    = "heartbeat"

	// Table names carried on feed messages.
	TableCycles       = "cycles"
	TableAvailability = "availability"
	TablePreferences  = "preferences"
)

// RealtimeMessage is one change-feed delivery: the full after-state of the
// changed row or ledger slice. Subscribers replace local state verbatim; no
// partial-field diffs are ever sent.
type RealtimeMessage struct {
	CoupleID  string
	CycleID   string
	Table     string
	EventType string // insert, update, delete
	UserID    string // ledger slice owner, empty for cycle rows
	Payload   json.RawMessage
	Timestamp time.Time
}

// RealtimeDispatcher fans cycle changes out to every connected client of a
// couple. Slow subscribers drop messages rather than block publishers; the
// reconciliation poll covers whatever a dropped message would have carried.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for one couple's changes. The returned cleanup
// is idempotent and also runs when ctx is done.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, coupleID string) (<-chan RealtimeMessage, func()) {
	if coupleID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(coupleID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(coupleID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers a message to every subscriber of the couple.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.CoupleID == "" || message.Table == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.CoupleID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(coupleID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[coupleID]; !ok {
		d.subscribers[coupleID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[coupleID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(coupleID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[coupleID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, coupleID)
		}
	}
	d.mu.Unlock()
}
