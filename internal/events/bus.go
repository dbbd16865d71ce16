package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/avdm/gop2pd/internal/logging"
)

// Event names published on the bus.
const (
	TransactionUpdated     = "transaction:updated"
	TransactionDeleted     = "transaction:deleted"
	AdvertisementCreated   = "advertisement:created"
	AdvertisementUpdated   = "advertisement:updated"
	AdvertisementDeleted   = "advertisement:deleted"
	AccountStatusChange    = "account_status_change"
	InitializationProgress = "initialization_progress"
	StatsUpdate            = "stats_update"
	OperatorAlert          = "operator_alert"
	TaskError              = "task_error"
)

// Operator alert kinds carried in OperatorAlert payloads.
const (
	AlertAmountMismatch = "AMOUNT_MISMATCH"
	AlertOrphanOrder    = "ORPHAN_ORDER"
	AlertDispute        = "DISPUTE"
	AlertParseFailure   = "RECEIPT_PARSE_FAILURE"
	AlertChatAttachment = "CHAT_ATTACHMENT"
)

// Event is the wire payload delivered to subscribers.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Room identifies a delivery group. Subscribers join a user room
// and/or per-account rooms.
type Room string

// UserRoom is the room every operator UI joins.
const UserRoom Room = "user"

// AccountRoom returns the room for one platform account.
func AccountRoom(accountID string) Room { return Room("account:" + accountID) }

type subscriber struct {
	rooms map[Room]bool
	ch    chan []byte
}

// Bus fans events out to room subscribers. Slow subscribers are
// dropped rather than blocking publishers.
type Bus struct {
	logger logging.Logger

	mu   sync.RWMutex
	subs map[*subscriber]bool
}

// NewBus creates an empty bus.
func NewBus(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Bus{logger: logger, subs: make(map[*subscriber]bool)}
}

// Subscribe joins the given rooms and returns a receive channel plus
// an unsubscribe func. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(rooms ...Room) (<-chan []byte, func()) {
	sub := &subscriber{
		rooms: make(map[Room]bool, len(rooms)),
		ch:    make(chan []byte, 256),
	}
	for _, r := range rooms {
		sub.rooms[r] = true
	}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber of any of the rooms.
// Always includes the user room so operator UIs see everything.
func (b *Bus) Publish(eventType string, data interface{}, rooms ...Room) {
	evt := Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("event marshal failed", "type", eventType, "error", err)
		return
	}

	targets := make(map[Room]bool, len(rooms)+1)
	targets[UserRoom] = true
	for _, r := range rooms {
		targets[r] = true
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		delivers := false
		for r := range targets {
			if sub.rooms[r] {
				delivers = true
				break
			}
		}
		if !delivers {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			// Slow consumer; drop the event rather than stalling the
			// publisher.
			b.logger.Warn("event dropped for slow subscriber", "type", eventType)
		}
	}
}

// SubscriberCount reports current subscriber count, for stats.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
