// Package mailer delivers aggregated notifications over SMTP.
//
// Host, port and addresses are read from runtime settings on every send, so
// a chat command changing MailHost takes effect on the next delivery.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"awaymail/internal/eventbus"
	"awaymail/internal/settings"
	logx "awaymail/pkg/logx"
)

const (
	fromName       = "awaymail"
	defaultTimeout = 30 * time.Second
)

// TransportError wraps any failure to hand a mail to the SMTP server.
type TransportError struct {
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp %s: %v", e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config holds credentials and pacing. Zero values are usable.
type Config struct {
	Username   string
	Password   string
	TLS        bool
	Timeout    time.Duration
	RatePerSec int
}

// Envelope provides host, port and addresses at send time.
type Envelope interface {
	Mail(ctx context.Context) (settings.Mail, error)
}

// Outgoing is one fully-resolved message.
type Outgoing struct {
	Addr     string
	Host     string
	From     string
	FromName string
	To       string
	Subject  string
	Body     string
	Username string
	Password string
	TLS      bool
}

// SendFunc performs the SMTP exchange.
type SendFunc func(ctx context.Context, m Outgoing) error

type Service struct {
	env  Envelope
	log  logx.Logger
	bus  eventbus.Bus
	send SendFunc

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

type Option func(*Service)

// WithSendFunc replaces the SMTP transport.
func WithSendFunc(fn SendFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.send = fn
		}
	}
}

func New(cfg Config, env Envelope, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{env: env, log: log, bus: bus, send: sendMailyak}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

// Apply swaps credentials and pacing.
func (s *Service) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = lim
	s.mu.Unlock()
}

// Timeout is the per-delivery budget.
func (s *Service) Timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Timeout
}

// Deliver sends one plain-text mail to the configured recipient.
func (s *Service) Deliver(ctx context.Context, subject, body string) error {
	env, err := s.env.Mail(ctx)
	if err != nil {
		return &TransportError{Addr: "?", Err: fmt.Errorf("resolve mail settings: %w", err)}
	}

	s.mu.RLock()
	cfg, lim := s.cfg, s.limiter
	s.mu.RUnlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return &TransportError{Addr: env.Addr(), Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	out := Outgoing{
		Addr:     env.Addr(),
		Host:     env.Host,
		From:     env.From,
		FromName: fromName,
		To:       env.Recipient,
		Subject:  subject,
		Body:     body,
		Username: cfg.Username,
		Password: cfg.Password,
		TLS:      cfg.TLS,
	}
	start := time.Now()
	if err := s.send(ctx, out); err != nil {
		s.log.Warn("mail send failed", logx.String("addr", out.Addr), logx.String("subject", subject), logx.Err(err))
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		return &TransportError{Addr: out.Addr, Err: err}
	}
	s.log.Debug("mail sent", logx.String("addr", out.Addr), logx.String("to", out.To), logx.Duration("took", time.Since(start)))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeMailSent, Data: subject})
	return nil
}

// SendTest delivers the test mail used by the sendtestemail command.
func (s *Service) SendTest(ctx context.Context, extra string) error {
	body := "This is a test message from awaymail."
	if extra != "" {
		body += "\n\n" + extra
	}
	return s.Deliver(ctx, "awaymail Test Email", body)
}
