// Package outbox buffers outbound session messages until the peer
// acknowledges them, retrying unacknowledged sends with exponential backoff.
package outbox

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults mirror the retry policy the daemon ships with.
const (
	DefaultCapacity      = 512
	DefaultMaxRetries    = 10
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = time.Minute
	DefaultTTL           = 24 * time.Hour
	DefaultEventBuffer   = 64
)

// ErrQueueFull is returned when the queue is at capacity and no acked
// message can be evicted.
var ErrQueueFull = errors.New("outbox queue is full")

// Message is one queued outbound payload. ID and Sequence are assigned by
// Enqueue; Sequence orders messages within a session.
type Message struct {
	ID        string
	SessionID string
	Type      string
	Sequence  uint64
	Payload   []byte

	EnqueuedAt time.Time
	AckedAt    *time.Time

	retryCount int
}

// Acked reports whether the peer confirmed delivery.
func (m *Message) Acked() bool { return m.AckedAt != nil }

// EventKind labels queue lifecycle events.
type EventKind string

const (
	EventRetried EventKind = "retried"
	EventDropped EventKind = "dropped"
	EventExpired EventKind = "expired"
	EventAcked   EventKind = "acked"
)

// Reasons carried on dropped and expired events.
const (
	ReasonRetryExhausted = "retry-exhausted"
	ReasonTTLExpired     = "ttl-expired"
)

// Event reports a queue state change. Attempt is the retry attempt number
// for retried events and the final count for dropped ones; Reason says why a
// message left the queue without being delivered.
type Event struct {
	Kind      EventKind
	MessageID string
	SessionID string
	Attempt   int
	Reason    string
}

// RetryFunc re-sends a message when its backoff timer fires.
type RetryFunc func(msg Message)

// Options configures a Queue.
type Options struct {
	Capacity      int
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	TTL           time.Duration
	EventBuffer   int
	OnRetry       RetryFunc
	Logger        *zap.Logger
}

// Queue is an in-memory, bounded, acknowledged outbox. All methods are safe
// for concurrent use.
type Queue struct {
	log     *zap.Logger
	onRetry RetryFunc

	capacity      int
	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	ttl           time.Duration

	mu       sync.Mutex
	seq      uint64
	messages map[string]*Message
	timers   map[string]*time.Timer
	closed   bool

	events chan Event
}

// NewQueue builds a queue with the given options, filling in defaults for
// unset fields.
func NewQueue(opts Options) *Queue {
	q := &Queue{
		log:           opts.Logger,
		onRetry:       opts.OnRetry,
		capacity:      opts.Capacity,
		maxRetries:    opts.MaxRetries,
		retryDelay:    opts.RetryDelay,
		maxRetryDelay: opts.MaxRetryDelay,
		ttl:           opts.TTL,
		messages:      make(map[string]*Message),
		timers:        make(map[string]*time.Timer),
	}
	if q.log == nil {
		q.log = zap.NewNop()
	}
	if q.capacity <= 0 {
		q.capacity = DefaultCapacity
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.retryDelay <= 0 {
		q.retryDelay = DefaultRetryDelay
	}
	if q.maxRetryDelay <= 0 {
		q.maxRetryDelay = DefaultMaxRetryDelay
	}
	if q.ttl <= 0 {
		q.ttl = DefaultTTL
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	q.events = make(chan Event, buffer)
	return q
}

// Events returns the queue's event stream. Events are dropped, not blocked
// on, when the consumer falls behind.
func (q *Queue) Events() <-chan Event { return q.events }

// Enqueue adds a message, assigning it a fresh ID and the next sequence
// number. At capacity, the oldest acknowledged message is evicted to make
// room; if every message is still awaiting acknowledgement the queue refuses
// with ErrQueueFull.
func (q *Queue) Enqueue(sessionID, msgType string, content []byte) (Message, error) {
	if sessionID == "" {
		return Message{}, fmt.Errorf("session id is required")
	}
	if msgType == "" {
		return Message{}, fmt.Errorf("message type is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Message{}, errors.New("outbox queue is closed")
	}

	if len(q.messages) >= q.capacity {
		victim := q.oldestAckedLocked()
		if victim == "" {
			return Message{}, ErrQueueFull
		}
		q.dropLocked(victim)
	}

	q.seq++
	msg := &Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Type:       msgType,
		Sequence:   q.seq,
		Payload:    append([]byte(nil), content...),
		EnqueuedAt: time.Now(),
	}
	q.messages[msg.ID] = msg

	cp := *msg
	cp.Payload = append([]byte(nil), msg.Payload...)
	return cp, nil
}

// Acknowledge marks a message delivered and stops any pending retry.
// Unknown IDs and repeat acknowledgements are no-ops.
func (q *Queue) Acknowledge(id string) {
	q.mu.Lock()
	msg, ok := q.messages[id]
	if !ok || msg.Acked() {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	msg.AckedAt = &now
	q.stopTimerLocked(id)
	event := Event{Kind: EventAcked, MessageID: id, SessionID: msg.SessionID}
	q.mu.Unlock()

	q.emit(event)
}

// ScheduleRetry arms the backoff timer for an unacknowledged message. The
// delay doubles per attempt up to the configured ceiling; once the retry
// budget is exhausted the message is dropped and a dropped event emitted.
// Scheduling for an acked or unknown message is a no-op; rescheduling
// replaces the pending timer.
func (q *Queue) ScheduleRetry(id string) {
	q.mu.Lock()
	msg, ok := q.messages[id]
	if !ok || msg.Acked() {
		q.mu.Unlock()
		return
	}

	if msg.retryCount >= q.maxRetries {
		attempt := msg.retryCount
		sessionID := msg.SessionID
		q.dropLocked(id)
		q.mu.Unlock()

		q.log.Warn("message exhausted retries",
			zap.String("message_id", id), zap.Int("attempts", attempt))
		q.emit(Event{Kind: EventDropped, MessageID: id, SessionID: sessionID, Attempt: attempt, Reason: ReasonRetryExhausted})
		return
	}

	msg.retryCount++
	delay := q.backoff(msg.retryCount)
	q.stopTimerLocked(id)
	q.timers[id] = time.AfterFunc(delay, func() { q.fireRetry(id) })
	q.mu.Unlock()
}

func (q *Queue) fireRetry(id string) {
	q.mu.Lock()
	delete(q.timers, id)
	msg, ok := q.messages[id]
	if !ok || msg.Acked() || q.closed {
		q.mu.Unlock()
		return
	}
	cp := *msg
	cp.Payload = append([]byte(nil), msg.Payload...)
	attempt := msg.retryCount
	q.mu.Unlock()

	q.emit(Event{Kind: EventRetried, MessageID: id, SessionID: cp.SessionID, Attempt: attempt})
	if q.onRetry != nil {
		q.onRetry(cp)
	}
}

// backoff returns the delay before the given attempt: base doubled per
// attempt, capped at the ceiling.
func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.maxRetryDelay {
			return q.maxRetryDelay
		}
	}
	if delay > q.maxRetryDelay {
		return q.maxRetryDelay
	}
	return delay
}

// Pending returns unacknowledged messages ordered by sequence.
func (q *Queue) Pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, 0, len(q.messages))
	for _, msg := range q.messages {
		if msg.Acked() {
			continue
		}
		cp := *msg
		cp.Payload = append([]byte(nil), msg.Payload...)
		out = append(out, cp)
	}
	sortBySequence(out)
	return out
}

// Ordered returns every queued message, acknowledged or not, ordered by
// sequence.
func (q *Queue) Ordered() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, 0, len(q.messages))
	for _, msg := range q.messages {
		cp := *msg
		cp.Payload = append([]byte(nil), msg.Payload...)
		out = append(out, cp)
	}
	sortBySequence(out)
	return out
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// ClearExpired removes acknowledged messages older than the TTL.
// Unacknowledged messages are never expired here; they leave the queue only
// through acknowledgement or retry exhaustion.
func (q *Queue) ClearExpired(now time.Time) int {
	var events []Event

	q.mu.Lock()
	for id, msg := range q.messages {
		if msg.Acked() && now.Sub(msg.EnqueuedAt) > q.ttl {
			events = append(events, Event{Kind: EventExpired, MessageID: id, SessionID: msg.SessionID, Reason: ReasonTTLExpired})
			q.dropLocked(id)
		}
	}
	q.mu.Unlock()

	for _, ev := range events {
		q.emit(ev)
	}
	return len(events)
}

// Close stops all retry timers and closes the event stream.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id := range q.timers {
		q.stopTimerLocked(id)
	}
	close(q.events)
	q.mu.Unlock()
}

// oldestAckedLocked picks the acked message with the lowest sequence, which
// is enqueue order.
func (q *Queue) oldestAckedLocked() string {
	var victim string
	var oldest uint64
	for id, msg := range q.messages {
		if !msg.Acked() {
			continue
		}
		if victim == "" || msg.Sequence < oldest {
			victim = id
			oldest = msg.Sequence
		}
	}
	return victim
}

func (q *Queue) dropLocked(id string) {
	q.stopTimerLocked(id)
	delete(q.messages, id)
}

func (q *Queue) stopTimerLocked(id string) {
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.events <- ev:
	default:
		q.log.Debug("dropping outbox event", zap.String("kind", string(ev.Kind)))
	}
}

func sortBySequence(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SessionID != msgs[j].SessionID {
			return msgs[i].SessionID < msgs[j].SessionID
		}
		return msgs[i].Sequence < msgs[j].Sequence
	})
}
