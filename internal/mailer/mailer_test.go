package mailer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"awaymail/internal/eventbus"
	"awaymail/internal/settings"
	logx "awaymail/pkg/logx"
)

type staticEnvelope settings.Mail

func (e staticEnvelope) Mail(context.Context) (settings.Mail, error) { return settings.Mail(e), nil }

type captured struct {
	mu  sync.Mutex
	out []Outgoing
	err error
}

func (c *captured) send(ctx context.Context, m Outgoing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, m)
	return c.err
}

func TestDeliverResolvesSettingsPerSend(t *testing.T) {
	env := staticEnvelope{Host: "mx.example.com", Port: 2525, From: "bot@example.com", Recipient: "me@example.com"}
	rec := &captured{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{Username: "u", Password: "p"}, env, logx.Nop(), bus, WithSendFunc(rec.send))
	if err := s.Deliver(context.Background(), "New Messages from @alice", "line"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(rec.out) != 1 {
		t.Fatalf("sent %d mails, want 1", len(rec.out))
	}
	m := rec.out[0]
	if m.Addr != "mx.example.com:2525" || m.To != "me@example.com" || m.From != "bot@example.com" {
		t.Fatalf("outgoing = %+v", m)
	}
	if m.Subject != "New Messages from @alice" || m.Body != "line" || m.Username != "u" {
		t.Fatalf("outgoing = %+v", m)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeMailSent {
			t.Fatalf("event type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no mail.sent event")
	}
}

func TestDeliverWrapsTransportError(t *testing.T) {
	rec := &captured{err: errors.New("connection refused")}
	s := New(Config{}, staticEnvelope{Host: "h", Port: 25}, logx.Nop(), nil, WithSendFunc(rec.send))

	err := s.Deliver(context.Background(), "s", "b")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.Addr != "h:25" {
		t.Fatalf("Addr = %q", te.Addr)
	}
}

func TestSendTestBody(t *testing.T) {
	rec := &captured{}
	s := New(Config{}, staticEnvelope{Host: "h", Port: 25}, logx.Nop(), nil, WithSendFunc(rec.send))
	if err := s.SendTest(context.Background(), "hello"); err != nil {
		t.Fatalf("SendTest: %v", err)
	}
	if got, want := rec.out[0].Body, "This is a test message from awaymail.\n\nhello"; got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	rec := &captured{}
	s := New(Config{RatePerSec: 1}, staticEnvelope{Host: "h", Port: 25}, logx.Nop(), nil, WithSendFunc(rec.send))
	if err := s.Deliver(context.Background(), "a", "b"); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Deliver(ctx, "a", "b"); err == nil {
		t.Fatal("second Deliver inside the rate window should fail on ctx")
	}
}

func TestApplyDefaultsTimeout(t *testing.T) {
	s := New(Config{}, staticEnvelope{}, logx.Nop(), nil)
	if s.Timeout() != defaultTimeout {
		t.Fatalf("Timeout = %v", s.Timeout())
	}
	s.Apply(Config{Timeout: 5 * time.Second})
	if s.Timeout() != 5*time.Second {
		t.Fatalf("Timeout after Apply = %v", s.Timeout())
	}
}
