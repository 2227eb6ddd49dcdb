// Package bus implements the single-node, topic-based progress/log fan-out
// described in spec.md §4.3: no external broker, because the "latest value"
// cache semantics it needs are local-process state (see SPEC_FULL.md §4.3).
package bus

import (
	"sync"
	"time"
)

// Envelope is the event payload format shared across topics (spec.md §6):
// {eventType, timestamp, scanId|validationId|protocolId, data{...}}.
type Envelope struct {
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	ScanID    string    `json:"scanId,omitempty"`
	ValidationID string `json:"validationId,omitempty"`
	ProtocolID   string `json:"protocolId,omitempty"`
	PaymentID    string `json:"paymentId,omitempty"`
	Data      map[string]any `json:"data"`
}

// LogLevel enumerates the log envelope's level field (spec.md §6).
type LogLevel string

const (
	LevelInfo     LogLevel = "INFO"
	LevelAnalysis LogLevel = "ANALYSIS"
	LevelAlert    LogLevel = "ALERT"
	LevelWarn     LogLevel = "WARN"
	LevelDefault  LogLevel = "DEFAULT"
)

type subscriber struct {
	ch     chan Envelope
	closed bool
}

// Bus is a topic-keyed pub/sub fan-out with a "latest progress" cache so
// late subscribers can be primed with current state before live events
// arrive (spec.md §4.3).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	latest      sync.Map // topic -> Envelope
}

func New() *Bus {
	return &Bus{subscribers: make(map[string][]*subscriber)}
}

// Publish fans an envelope out to every live subscriber of topic and
// updates the topic's latest-value cache. Slow subscribers never block the
// publisher: a full channel drops the event for that subscriber rather than
// stalling the pipeline step that published it.
func (b *Bus) Publish(topic string, env Envelope) {
	b.latest.Store(topic, env)

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		default:
		}
	}
}

// Latest returns the most recently published envelope for topic, if any.
func (b *Bus) Latest(topic string) (Envelope, bool) {
	v, ok := b.latest.Load(topic)
	if !ok {
		return Envelope{}, false
	}
	return v.(Envelope), true
}

// Subscribe returns a channel of future events and an unsubscribe func. If
// primeWithLatest is true, the current cached value (if any) is delivered
// first so the subscriber doesn't need a separate read of Latest.
func (b *Bus) Subscribe(topic string, buffer int, primeWithLatest bool) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Envelope, buffer)}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], s)
	b.mu.Unlock()

	if primeWithLatest {
		if env, ok := b.Latest(topic); ok {
			select {
			case s.ch <- env:
			default:
			}
		}
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		close(s.ch)
		subs := b.subscribers[topic]
		for i, cand := range subs {
			if cand == s {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return s.ch, unsubscribe
}

// Topic name helpers, matching spec.md §4.3 exactly.
func ScanProgress(scanID string) string       { return "scan:" + scanID + ":progress" }
func ScanLogs(scanID string) string           { return "scan:" + scanID + ":logs" }
func ValidationProgress(id string) string     { return "validation:" + id + ":progress" }
func ValidationLogs(id string) string         { return "validation:" + id + ":logs" }
func ProtocolRegistration(protocolID string) string { return "protocol:" + protocolID + ":registration" }
func PaymentProgress(paymentID string) string       { return "payment:" + paymentID + ":progress" }

const (
	TopicScanCreated  = "scan:created"
	TopicScanCanceled = "scan:canceled"

	// TopicValidationActivity carries every validation's progress events in
	// one global feed, for a dashboard that has no single proofId to
	// subscribe on (spec.md §6 Validations.subscribeActivity).
	TopicValidationActivity = "validation:activity"
)
