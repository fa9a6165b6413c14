// Package batch buffers messages per sender while the recipient is away and
// flushes each sender's buffer as one aggregated notification.
//
// Lifecycle of a sender key:
//
//	ABSENT --message--> ACCUMULATING --message--> ACCUMULATING
//	ACCUMULATING --idle timer | threshold--> FLUSHING --> ABSENT
//
// Every transition for a key runs under that key's lock.
package batch

import (
	"context"
	"errors"
	"time"

	"awaymail/internal/settings"
)

var (
	// ErrNotAway means the recipient is present; the message was not buffered.
	ErrNotAway = errors.New("recipient is not away")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
	// ErrConcurrencyViolation reports a broken internal invariant. It is
	// logged, never shown to users.
	ErrConcurrencyViolation = errors.New("batch concurrency violation")
	// ErrEmptySender rejects messages without a sender key.
	ErrEmptySender = errors.New("empty sender key")
)

// Message is one inbound event.
type Message struct {
	Sender   string
	Text     string
	At       time.Time
	IsAction bool
}

// PendingBatch is the in-memory state of one sender's buffer.
type PendingBatch struct {
	Key              string    `json:"key"`
	MessageCount     int       `json:"message_count"`
	FirstMessageAt   time.Time `json:"first_message_at"`
	LastMessageAt    time.Time `json:"last_message_at"`
	ScheduledFlushAt time.Time `json:"scheduled_flush_at"`
}

// Trigger names why a batch was flushed.
type Trigger string

const (
	TriggerIdle      Trigger = "idle"
	TriggerThreshold Trigger = "threshold"
	TriggerShutdown  Trigger = "shutdown"
	TriggerManual    Trigger = "manual"
)

// Notifier delivers one aggregated notification.
type Notifier interface {
	Deliver(ctx context.Context, subject, body string) error
}

// Presence answers whether the recipient is away right now.
type Presence interface {
	IsAway() bool
}

// PresenceFunc adapts a plain func to Presence.
type PresenceFunc func() bool

func (f PresenceFunc) IsAway() bool { return f() }

// Policy supplies the flush knobs. It is read on every message so runtime
// changes apply to the next event.
type Policy interface {
	FlushPolicy(ctx context.Context) (settings.FlushPolicy, error)
}

// Metrics receives counters from the coordinator.
type Metrics interface {
	MessageBuffered()
	BatchFlushed(trigger Trigger, messages int, took time.Duration)
	FlushFailed(trigger Trigger)
	PendingBatches(n int)
}

type nopMetrics struct{}

func (nopMetrics) MessageBuffered()                        {}
func (nopMetrics) BatchFlushed(Trigger, int, time.Duration) {}
func (nopMetrics) FlushFailed(Trigger)                     {}
func (nopMetrics) PendingBatches(int)                      {}

// FlushResult is published on the event bus after every flush attempt.
type FlushResult struct {
	Key      string        `json:"key"`
	Trigger  Trigger       `json:"trigger"`
	Messages int           `json:"messages"`
	Took     time.Duration `json:"took"`
	Err      error         `json:"-"`
}
