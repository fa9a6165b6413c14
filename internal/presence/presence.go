// Package presence decides whether the recipient is away.
//
// Modes:
//   - on:   always away, every message is buffered
//   - off:  present, messages pass through
//   - auto: away inside the configured cron window; with no window
//     configured auto behaves like on
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"awaymail/internal/settings"
	logx "awaymail/pkg/logx"
)

type Mode string

const (
	ModeOn   Mode = "on"
	ModeOff  Mode = "off"
	ModeAuto Mode = "auto"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOn, ModeOff, ModeAuto:
		return m, nil
	}
	return "", fmt.Errorf("%w: away mode must be one of on, off, auto", settings.ErrValidation)
}

// Window is the automatic away period. Start and End are cron expressions;
// the recipient is away from each Start until the next End.
type Window struct {
	Start    string
	End      string
	Timezone string
}

// ModeStore persists the manual mode.
type ModeStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type Service struct {
	store ModeStore
	log   logx.Logger
	now   func() time.Time

	mu    sync.RWMutex
	mode  Mode
	start cron.Schedule
	end   cron.Schedule
	loc   *time.Location
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store ModeStore, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, log: log, now: time.Now, mode: ModeAuto, loc: time.Local}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load reads the persisted mode. An unreadable value falls back to auto.
func (s *Service) Load(ctx context.Context) error {
	v, err := s.store.Get(ctx, settings.AwayMode)
	if err != nil {
		return err
	}
	m, err := ParseMode(v)
	if err != nil {
		s.log.Warn("stored away mode invalid; using auto", logx.String("value", v))
		m = ModeAuto
	}
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	return nil
}

// ApplyWindow replaces the auto window. An empty window clears it.
func (s *Service) ApplyWindow(w Window) error {
	w.Start, w.End = strings.TrimSpace(w.Start), strings.TrimSpace(w.End)
	if (w.Start == "") != (w.End == "") {
		return errors.New("away window needs both start and end")
	}
	loc := time.Local
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("away timezone: %w", err)
		}
		loc = l
	}
	var start, end cron.Schedule
	if w.Start != "" {
		var err error
		if start, err = cron.ParseStandard(w.Start); err != nil {
			return fmt.Errorf("away start: %w", err)
		}
		if end, err = cron.ParseStandard(w.End); err != nil {
			return fmt.Errorf("away end: %w", err)
		}
	}
	s.mu.Lock()
	s.start, s.end, s.loc = start, end, loc
	s.mu.Unlock()
	return nil
}

func (s *Service) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode persists and applies m.
func (s *Service) SetMode(ctx context.Context, m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	if err := s.store.Set(ctx, settings.AwayMode, string(m)); err != nil {
		return err
	}
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	s.log.Info("away mode changed", logx.String("mode", string(m)))
	return nil
}

func (s *Service) IsAway() bool {
	away, _ := s.state()
	return away
}

// state returns the current answer and, in auto mode with a window, the time
// it next changes.
func (s *Service) state() (bool, time.Time) {
	s.mu.RLock()
	mode, start, end, loc := s.mode, s.start, s.end, s.loc
	s.mu.RUnlock()

	switch mode {
	case ModeOn:
		return true, time.Time{}
	case ModeOff:
		return false, time.Time{}
	}
	if start == nil || end == nil {
		return true, time.Time{}
	}
	now := s.now().In(loc)
	nextStart, nextEnd := start.Next(now), end.Next(now)
	// Inside the window the end comes before the next start.
	if nextEnd.Before(nextStart) {
		return true, nextEnd
	}
	return false, nextStart
}

// Describe renders the mode for chat replies.
func (s *Service) Describe() string {
	mode := s.Mode()
	away, change := s.state()
	status := "present"
	if away {
		status = "away"
	}
	if mode != ModeAuto || change.IsZero() {
		return fmt.Sprintf("%s (%s)", mode, status)
	}
	return fmt.Sprintf("%s (%s until %s)", mode, status, change.Format("2006-01-02 15:04 MST"))
}
