package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"awaymail/internal/batch"
	"awaymail/internal/eventbus"
	rtsup "awaymail/internal/runtime/supervisor"
	kit "awaymail/internal/transport"
	logx "awaymail/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 20

type job struct {
	to   kit.ChatTarget
	text string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
	owners  []int64

	queue   chan job
	drained chan struct{}
	sup     *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 500
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetOwners replaces the alert recipients.
func (s *Service) SetOwners(ids []int64) {
	cp := append([]int64(nil), ids...)
	s.mu.Lock()
	s.owners = cp
	s.mu.Unlock()
}

// Start launches the worker and the event watcher. It is idempotent and a
// no-op when alerts are disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	drained := make(chan struct{})
	s.drained = drained
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		if s.workerLoop(c, q) {
			close(drained)
		}
		return nil
	}, rtsup.WithPublishFirstError(true))

	events, unsub := s.bus.Subscribe(32)
	s.sup.Go0("notifier.watch", func(c context.Context) {
		defer unsub()
		s.watch(c, events)
	})
}

// Stop closes intake and lets the worker drain the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, drained := s.queue, s.sup, s.drained
	s.queue, s.sup, s.drained = nil, nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}
	close(q)
	select {
	case <-drained:
	case <-ctx.Done():
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Notify queues an alert for every owner.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.queue == nil {
		return ErrStopped
	}
	text := prefixForPriority(a.Priority) + a.Text
	if text == "" {
		return nil
	}
	if s.cfg.DedupWindow > 0 && !s.dedupAllow(dedupKey(a), s.cfg.DedupWindow, s.cfg.DedupMaxEntries) {
		s.log.Debug("alert deduped")
		return nil
	}
	for _, id := range s.owners {
		select {
		case s.queue <- job{to: kit.ChatTarget{ChatID: id}, text: text}:
		default:
			return ErrQueueFull
		}
	}
	return nil
}

// History lists recently sent alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if n := len(s.history); n > historySize {
		s.history = append([]HistoryItem(nil), s.history[n-historySize:]...)
	}
}

func (s *Service) watch(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeBatchFlushFailed {
				continue
			}
			res, ok := e.Data.(batch.FlushResult)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, flushFailedAlert(res)); err != nil {
				s.log.Warn("alert not queued", logx.String("sender", res.Key), logx.Err(err))
			}
		}
	}
}

func flushFailedAlert(res batch.FlushResult) Alert {
	text := fmt.Sprintf("Could not mail %d message(s) from %s (%s flush)", res.Messages, res.Key, res.Trigger)
	if res.Err != nil {
		text += ": " + res.Err.Error()
	}
	return Alert{Text: text, Priority: 7}
}

// workerLoop reports true once q is closed and fully drained.
func (s *Service) workerLoop(ctx context.Context, q <-chan job) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case j, ok := <-q:
			if !ok {
				return true
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if s.adapter == nil {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.adapter.SendText(callCtx, j.to, j.text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.appendHistory(j.text)
			return
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert send failed", logx.Int64("chat_id", j.to.ChatID), logx.Int("attempts", attempts), logx.Err(lastErr))
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s", a.Priority, a.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key is outside its suppression window and, if
// so, opens a new one. Expired entries are pruned, then the earliest expiring
// ones until the cache fits max.
func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > max {
		var minKey string
		var minT time.Time
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
