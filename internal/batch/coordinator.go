package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"awaymail/internal/debounce"
	"awaymail/internal/eventbus"
	"awaymail/internal/keylock"
	"awaymail/internal/storage"
	logx "awaymail/pkg/logx"
)

const defaultDeliveryTimeout = 30 * time.Second

// Options configures a Coordinator. Zero values are usable.
type Options struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics Metrics

	// DeliveryTimeout bounds one Deliver call, and with it how long a key
	// lock stays held during a flush.
	DeliveryTimeout time.Duration
	// FlushOnClose flushes pending batches in Close instead of discarding them.
	FlushOnClose bool
	Now          func() time.Time
}

// Coordinator owns the per-sender state machine.
type Coordinator struct {
	store    storage.MessageLog
	notifier Notifier
	policy   Policy
	presence Presence

	locks *keylock.Map
	sched *debounce.Scheduler
	reg   *Registry

	log     logx.Logger
	bus     eventbus.Bus
	metrics Metrics
	timeout time.Duration
	flushOn bool
	now     func() time.Time

	// stale counts leading log lines per key that were delivered but could
	// not be cleared. They are skipped until a Clear succeeds.
	staleMu sync.Mutex
	stale   map[string]int

	// ctx backs timer-driven flushes; canceled at the end of Close.
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func NewCoordinator(store storage.MessageLog, notifier Notifier, policy Policy, presence Presence, opt Options) *Coordinator {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	if opt.Metrics == nil {
		opt.Metrics = nopMetrics{}
	}
	if opt.DeliveryTimeout <= 0 {
		opt.DeliveryTimeout = defaultDeliveryTimeout
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if presence == nil {
		presence = PresenceFunc(func() bool { return true })
	}
	locks := &keylock.Map{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    store,
		notifier: notifier,
		policy:   policy,
		presence: presence,
		locks:    locks,
		sched:    debounce.New(locks, debounce.WithClock(opt.Now)),
		reg:      NewRegistry(),
		log:      opt.Log.With(logx.String("comp", "batch")),
		bus:      opt.Bus,
		metrics:  opt.Metrics,
		timeout:  opt.DeliveryTimeout,
		flushOn:  opt.FlushOnClose,
		now:      opt.Now,
		stale:    map[string]int{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnMessage buffers m for its sender. The presence check runs once, before
// anything is written. When the recipient is present ErrNotAway is returned
// and nothing changes.
//
// The log append happens before any batch or timer update, so a failed
// append leaves the batch exactly as it was.
func (c *Coordinator) OnMessage(ctx context.Context, m Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	key := strings.TrimSpace(m.Sender)
	if key == "" {
		return ErrEmptySender
	}
	if !c.presence.IsAway() {
		return ErrNotAway
	}
	pol, err := c.policy.FlushPolicy(ctx)
	if err != nil {
		return fmt.Errorf("read flush policy: %w", err)
	}
	if m.At.IsZero() {
		m.At = c.now()
	}

	unlock := c.locks.Lock(key)
	defer unlock()
	c.retryClearLocked(ctx, key)

	if err := c.store.Append(ctx, key, storage.Entry{
		At:       m.At,
		Sender:   key,
		IsAction: m.IsAction,
		Text:     m.Text,
	}); err != nil {
		c.log.Error("append failed; message not buffered", logx.String("sender", key), logx.Err(err))
		return err
	}
	c.metrics.MessageBuffered()

	b, created := c.reg.add(key, m.At)
	b.ScheduledFlushAt = c.sched.ScheduleOrReset(key, pol.SendDelay, c.onTimer)
	c.reg.setScheduled(key, b.ScheduledFlushAt)

	if created {
		c.metrics.PendingBatches(c.reg.Len())
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchCreated, Data: b})
		c.log.Debug("batch created", logx.String("sender", key), logx.Duration("delay", pol.SendDelay))
	}

	if b.MessageCount >= pol.MaxMessages {
		// FireNow runs onTimer with forced=true and disarms the idle timer.
		if !c.sched.FireNow(key) {
			c.log.Error("threshold reached but no timer armed",
				logx.String("sender", key), logx.Err(ErrConcurrencyViolation))
			return c.flushLocked(ctx, key, TriggerThreshold)
		}
	}
	return nil
}

// onTimer runs under the key lock, from timer expiry or FireNow.
func (c *Coordinator) onTimer(key string, forced bool) {
	trigger := TriggerIdle
	if forced {
		trigger = TriggerThreshold
	}
	_ = c.flushLocked(c.ctx, key, trigger)
}

// FlushNow flushes the batch for key immediately. It reports false when no
// batch was pending.
func (c *Coordinator) FlushNow(ctx context.Context, key string) (bool, error) {
	unlock := c.locks.Lock(key)
	defer unlock()
	if _, ok := c.reg.Get(key); !ok {
		return false, nil
	}
	return true, c.flushLocked(ctx, key, TriggerManual)
}

// flushLocked performs FLUSHING -> ABSENT. The caller holds the key lock.
// A missing batch means the key was already flushed; that is a no-op.
//
// The batch is removed and the log cleared even when delivery fails. The one
// exception is a shutdown flush cut off by the end of ctx: its log is kept
// for Recover.
func (c *Coordinator) flushLocked(ctx context.Context, key string, trigger Trigger) error {
	b, ok := c.reg.Get(key)
	if !ok {
		return nil
	}
	c.sched.Cancel(key)
	start := c.now()

	entries, readErr := c.store.ReadAll(ctx, key)
	read := len(entries)
	if n := c.staleLines(key); n > 0 && readErr == nil {
		entries = entries[min(n, len(entries)):]
	}
	var deliverErr error
	switch {
	case readErr != nil:
		c.log.Error("read log failed", logx.String("sender", key), logx.Err(readErr))
	case len(entries) == 0:
		readErr = fmt.Errorf("%w: batch %q has %d messages but no log", ErrConcurrencyViolation, key, b.MessageCount)
		c.log.Error("empty log for pending batch", logx.String("sender", key), logx.Err(readErr))
	default:
		dctx, cancel := context.WithTimeout(ctx, c.timeout)
		deliverErr = c.notifier.Deliver(dctx, Subject(key), Body(entries))
		cancel()
	}

	if trigger == TriggerShutdown && deliverErr != nil && ctx.Err() != nil {
		c.reg.remove(key)
		c.metrics.PendingBatches(c.reg.Len())
		c.metrics.FlushFailed(trigger)
		c.log.Warn("shutdown flush interrupted; log kept for recovery",
			logx.String("sender", key), logx.Int("messages", b.MessageCount), logx.Err(deliverErr))
		return deliverErr
	}

	clearErr := c.store.Clear(ctx, key)
	switch {
	case clearErr == nil:
		c.setStaleLines(key, 0)
	case readErr == nil:
		// Everything read was handled; skip it next time.
		c.setStaleLines(key, read)
		c.log.Error("clear log failed; delivered lines will be skipped", logx.String("sender", key), logx.Err(clearErr))
	default:
		c.log.Error("clear log failed", logx.String("sender", key), logx.Err(clearErr))
	}
	c.reg.remove(key)
	c.metrics.PendingBatches(c.reg.Len())

	err := errors.Join(readErr, deliverErr, clearErr)
	res := FlushResult{Key: key, Trigger: trigger, Messages: b.MessageCount, Took: c.now().Sub(start), Err: err}
	if err != nil {
		c.metrics.FlushFailed(trigger)
		c.log.Error("flush failed; buffered messages dropped",
			logx.String("sender", key),
			logx.String("trigger", string(trigger)),
			logx.Int("messages", b.MessageCount),
			logx.Err(err),
		)
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchFlushFailed, Data: res})
		return err
	}
	c.metrics.BatchFlushed(trigger, b.MessageCount, res.Took)
	c.log.Info("batch flushed",
		logx.String("sender", key),
		logx.String("trigger", string(trigger)),
		logx.Int("messages", b.MessageCount),
		logx.Duration("took", res.Took),
	)
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchFlushed, Data: res})
	return nil
}

func (c *Coordinator) staleLines(key string) int {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	return c.stale[key]
}

func (c *Coordinator) setStaleLines(key string, n int) {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	if n <= 0 {
		delete(c.stale, key)
		return
	}
	c.stale[key] = n
}

// retryClearLocked drops stale lines before a new batch starts. The caller
// holds the key lock. On failure the lines stay marked and are skipped by
// the next flush.
func (c *Coordinator) retryClearLocked(ctx context.Context, key string) {
	if c.staleLines(key) == 0 {
		return
	}
	if _, pending := c.reg.Get(key); pending {
		return
	}
	if err := c.store.Clear(ctx, key); err != nil {
		c.log.Warn("clear retry failed", logx.String("sender", key), logx.Err(err))
		return
	}
	c.setStaleLines(key, 0)
}

// Snapshot lists pending batches sorted by key.
func (c *Coordinator) Snapshot() []PendingBatch { return c.reg.Snapshot() }

// Pending returns the batch for key, if any.
func (c *Coordinator) Pending(key string) (PendingBatch, bool) { return c.reg.Get(key) }

// Recover re-creates batches for senders whose logs survived a restart.
// Each gets a fresh idle timer; batches already at the threshold flush now.
// It returns the number of recovered batches.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	pol, err := c.policy.FlushPolicy(ctx)
	if err != nil {
		return 0, fmt.Errorf("read flush policy: %w", err)
	}

	n := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := c.recoverKey(ctx, key, pol.SendDelay, pol.MaxMessages)
		if err != nil {
			c.log.Warn("recover sender failed", logx.String("sender", key), logx.Err(err))
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		c.log.Info("recovered pending batches", logx.Int("count", n))
	}
	return n, nil
}

func (c *Coordinator) recoverKey(ctx context.Context, key string, delay time.Duration, maxN int) (bool, error) {
	unlock := c.locks.Lock(key)
	defer unlock()
	if _, ok := c.reg.Get(key); ok {
		return false, nil
	}
	entries, err := c.store.ReadAll(ctx, key)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}
	now := c.now()
	b := PendingBatch{
		Key:            key,
		MessageCount:   len(entries),
		FirstMessageAt: entryTime(entries[0], now),
		LastMessageAt:  entryTime(entries[len(entries)-1], now),
	}
	b.ScheduledFlushAt = c.sched.ScheduleOrReset(key, delay, c.onTimer)
	c.reg.insert(b)
	c.metrics.PendingBatches(c.reg.Len())
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchCreated, Data: b})
	if b.MessageCount >= maxN {
		c.sched.FireNow(key)
	}
	return true, nil
}

func entryTime(e storage.Entry, fallback time.Time) time.Time {
	if e.At.IsZero() {
		return fallback
	}
	return e.At
}

// Close stops accepting messages and disarms every timer. Pending batches
// are flushed with ctx when FlushOnClose is set, otherwise discarded; a
// discarded batch keeps its log on disk for Recover.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer c.cancel()

	var errs []error
	for _, key := range c.reg.keys() {
		if err := c.closeKey(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	c.sched.Stop()
	c.metrics.PendingBatches(c.reg.Len())
	return errors.Join(errs...)
}

func (c *Coordinator) closeKey(ctx context.Context, key string) error {
	unlock := c.locks.Lock(key)
	defer unlock()
	if c.flushOn && ctx.Err() == nil {
		return c.flushLocked(ctx, key, TriggerShutdown)
	}
	c.sched.Cancel(key)
	if c.reg.remove(key) {
		if c.flushOn {
			c.log.Warn("no time left to flush; log kept for recovery", logx.String("sender", key), logx.Err(ctx.Err()))
		} else {
			c.log.Info("pending batch discarded on shutdown", logx.String("sender", key))
		}
	}
	return nil
}
