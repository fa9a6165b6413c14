package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awaymail/internal/eventbus"
	"awaymail/internal/settings"
	"awaymail/internal/storage"
	logx "awaymail/pkg/logx"
)

// unit scales scenario time: "t=10" means 10*unit after start.
const unit = 20 * time.Millisecond

type delivery struct {
	Subject string
	Body    string
	At      time.Time
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []delivery
	fail error
}

func (n *recordingNotifier) Deliver(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, delivery{Subject: subject, Body: body, At: time.Now()})
	return n.fail
}

func (n *recordingNotifier) deliveries() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.got...)
}

// slowNotifier takes d per mail and gives up when ctx ends.
type slowNotifier struct {
	d    time.Duration
	mu   sync.Mutex
	sent []string
}

func (n *slowNotifier) Deliver(ctx context.Context, subject, _ string) error {
	select {
	case <-time.After(n.d):
	case <-ctx.Done():
		return ctx.Err()
	}
	n.mu.Lock()
	n.sent = append(n.sent, subject)
	n.mu.Unlock()
	return nil
}

func (n *slowNotifier) delivered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type fixedPolicy settings.FlushPolicy

func (p fixedPolicy) FlushPolicy(context.Context) (settings.FlushPolicy, error) {
	return settings.FlushPolicy(p), nil
}

// memLog is an in-memory MessageLog with failure injection.
type memLog struct {
	mu        sync.Mutex
	m         map[string][]storage.Entry
	appendErr error
	clearErr  error
}

func newMemLog() *memLog { return &memLog{m: map[string][]storage.Entry{}} }

func (l *memLog) Append(_ context.Context, key string, e storage.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return l.appendErr
	}
	l.m[key] = append(l.m[key], e)
	return nil
}

func (l *memLog) ReadAll(_ context.Context, key string) ([]storage.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.Entry(nil), l.m[key]...), nil
}

func (l *memLog) Clear(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clearErr != nil {
		return l.clearErr
	}
	delete(l.m, key)
	return nil
}

func (l *memLog) setClearErr(err error) {
	l.mu.Lock()
	l.clearErr = err
	l.mu.Unlock()
}

func (l *memLog) Keys(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for k := range l.m {
		out = append(out, k)
	}
	return out, nil
}

func (l *memLog) len(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m[key])
}

type fixture struct {
	c     *Coordinator
	log   *memLog
	notif *recordingNotifier
	away  *atomic.Bool
}

func newFixture(t *testing.T, delay time.Duration, maxN int, opt Options) *fixture {
	t.Helper()
	f := &fixture{log: newMemLog(), notif: &recordingNotifier{}, away: &atomic.Bool{}}
	f.away.Store(true)
	f.c = NewCoordinator(f.log, f.notif,
		fixedPolicy{MaxMessages: maxN, SendDelay: delay},
		PresenceFunc(f.away.Load), opt)
	t.Cleanup(func() { _ = f.c.Close(context.Background()) })
	return f
}

func (f *fixture) send(t *testing.T, sender, text string) {
	t.Helper()
	require.NoError(t, f.c.OnMessage(context.Background(), Message{Sender: sender, Text: text}))
}

func TestScenarioThresholdFlushesImmediately(t *testing.T) {
	f := newFixture(t, 30*unit, 3, Options{})

	f.send(t, "alice", "one")
	time.Sleep(5 * unit)
	f.send(t, "alice", "two")
	time.Sleep(5 * unit)
	f.send(t, "alice", "three")

	got := f.notif.deliveries()
	require.Len(t, got, 1, "third message must flush synchronously")
	assert.Equal(t, "New Messages from alice", got[0].Subject)
	assert.Len(t, strings.Split(got[0].Body, "\n"), 3)

	assert.Empty(t, f.c.sched.Pending(), "no timer may remain after threshold flush")
	_, ok := f.c.Pending("alice")
	assert.False(t, ok)

	time.Sleep(35 * unit)
	assert.Len(t, f.notif.deliveries(), 1, "idle timer fired after threshold flush")
}

func TestScenarioSingleMessageFlushesAfterDelay(t *testing.T) {
	f := newFixture(t, 5*unit, 30, Options{})

	start := time.Now()
	f.send(t, "bob", "hello")

	require.Eventually(t, func() bool { return len(f.notif.deliveries()) == 1 }, 50*unit, unit/4)
	got := f.notif.deliveries()[0]
	assert.GreaterOrEqual(t, got.At.Sub(start), 5*unit)
	assert.Len(t, strings.Split(got.Body, "\n"), 1)
	assert.Contains(t, got.Body, "<bob> hello")
}

func TestScenarioEachMessageResetsIdleDeadline(t *testing.T) {
	f := newFixture(t, 10*unit, 5, Options{})

	start := time.Now()
	f.send(t, "carol", "a")
	time.Sleep(3 * unit)
	f.send(t, "carol", "b")
	time.Sleep(3 * unit)
	f.send(t, "carol", "c")

	// t=13: past the deadline of the first message, before the last one's.
	time.Sleep(7 * unit)
	assert.Empty(t, f.notif.deliveries(), "flushed on the first message's deadline")

	require.Eventually(t, func() bool { return len(f.notif.deliveries()) == 1 }, 50*unit, unit/4)
	got := f.notif.deliveries()[0]
	assert.GreaterOrEqual(t, got.At.Sub(start), 16*unit)
	assert.Len(t, strings.Split(got.Body, "\n"), 3)
}

func TestFlushLeavesNoState(t *testing.T) {
	f := newFixture(t, 2*unit, 30, Options{})
	f.send(t, "dave", "x")
	f.send(t, "dave", "y")

	require.Eventually(t, func() bool { return len(f.notif.deliveries()) == 1 }, 50*unit, unit/4)
	assert.Equal(t, 0, f.log.len("dave"))
	assert.Empty(t, f.c.Snapshot())
}

func TestKeysAreIndependent(t *testing.T) {
	f := newFixture(t, 4*unit, 3, Options{})

	f.send(t, "erin", "1")
	f.send(t, "frank", "1")
	before, ok := f.c.Pending("frank")
	require.True(t, ok)

	f.send(t, "erin", "2")
	f.send(t, "erin", "3") // threshold for erin only

	after, ok := f.c.Pending("frank")
	require.True(t, ok, "frank's batch vanished with erin's flush")
	assert.Equal(t, before, after)
	assert.Equal(t, 1, f.log.len("frank"))

	got := f.notif.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "New Messages from erin", got[0].Subject)

	require.Eventually(t, func() bool { return len(f.notif.deliveries()) == 2 }, 50*unit, unit/4)
	assert.Equal(t, "New Messages from frank", f.notif.deliveries()[1].Subject)
}

func TestRoundTripPreservesOrder(t *testing.T) {
	store, err := storage.Open(storage.Config{Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	notif := &recordingNotifier{}
	c := NewCoordinator(store, notif, fixedPolicy{MaxMessages: 6, SendDelay: time.Hour}, nil, Options{})
	defer c.Close(context.Background())

	texts := []string{"first", "second", "third", "fourth", "fifth"}
	ctx := context.Background()
	for i, txt := range texts {
		require.NoError(t, c.OnMessage(ctx, Message{Sender: "@gina", Text: txt, IsAction: i == 2}))
	}
	require.NoError(t, c.OnMessage(ctx, Message{Sender: "@gina", Text: "sixth"}))
	texts = append(texts, "sixth")

	got := notif.deliveries()
	require.Len(t, got, 1)
	lines := strings.Split(got[0].Body, "\n")
	require.Len(t, lines, len(texts))
	for i, line := range lines {
		assert.True(t, strings.HasSuffix(line, " "+texts[i]), "line %d = %q", i, line)
	}
	assert.Contains(t, lines[2], "* @gina third")

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPresentRecipientPassesThrough(t *testing.T) {
	f := newFixture(t, unit, 30, Options{})
	f.away.Store(false)

	err := f.c.OnMessage(context.Background(), Message{Sender: "hank", Text: "hi"})
	assert.ErrorIs(t, err, ErrNotAway)
	assert.Equal(t, 0, f.log.len("hank"))
	assert.Empty(t, f.c.Snapshot())
}

func TestAppendFailureLeavesBatchUntouched(t *testing.T) {
	f := newFixture(t, 10*unit, 30, Options{})
	f.send(t, "ivy", "ok")
	before, _ := f.c.Pending("ivy")

	boom := &storage.IOError{Op: "append", Key: "ivy", Err: errors.New("disk full")}
	f.log.mu.Lock()
	f.log.appendErr = boom
	f.log.mu.Unlock()

	err := f.c.OnMessage(context.Background(), Message{Sender: "ivy", Text: "lost"})
	require.ErrorIs(t, err, storage.ErrIO)

	after, ok := f.c.Pending("ivy")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestDeliveryFailureStillClears(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	f := newFixture(t, time.Hour, 2, Options{Bus: bus})
	f.notif.fail = errors.New("smtp down")

	f.send(t, "jack", "a")
	f.send(t, "jack", "b")

	assert.Equal(t, 0, f.log.len("jack"))
	assert.Empty(t, f.c.Snapshot())

	var failed bool
	for i := 0; i < 4 && !failed; i++ {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeBatchFlushFailed {
				res := ev.Data.(FlushResult)
				assert.Equal(t, "jack", res.Key)
				assert.Equal(t, TriggerThreshold, res.Trigger)
				assert.Error(t, res.Err)
				failed = true
			}
		case <-time.After(time.Second):
			t.Fatal("no flush_failed event")
		}
	}
	assert.True(t, failed)
}

func TestConcurrentArrivalsFlushExactlyOnce(t *testing.T) {
	const senders, perSender = 8, 25
	f := newFixture(t, unit, perSender, Options{})

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		for i := 0; i < perSender; i++ {
			wg.Add(1)
			go func(s, i int) {
				defer wg.Done()
				_ = f.c.OnMessage(context.Background(), Message{
					Sender: fmt.Sprintf("s%d", s),
					Text:   fmt.Sprintf("m%d", i),
				})
			}(s, i)
		}
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(f.c.Snapshot()) == 0 }, 100*unit, unit/4)
	time.Sleep(3 * unit)

	total := 0
	for _, d := range f.notif.deliveries() {
		total += len(strings.Split(d.Body, "\n"))
	}
	assert.Equal(t, senders*perSender, total, "messages lost or duplicated across flushes")
}

func TestCloseFlushesOrDiscards(t *testing.T) {
	t.Run("flush", func(t *testing.T) {
		log, notif := newMemLog(), &recordingNotifier{}
		c := NewCoordinator(log, notif, fixedPolicy{MaxMessages: 30, SendDelay: time.Hour}, nil, Options{FlushOnClose: true})
		require.NoError(t, c.OnMessage(context.Background(), Message{Sender: "kim", Text: "bye"}))
		require.NoError(t, c.Close(context.Background()))
		assert.Len(t, notif.deliveries(), 1)
		assert.Equal(t, 0, log.len("kim"))
		assert.ErrorIs(t, c.OnMessage(context.Background(), Message{Sender: "kim", Text: "late"}), ErrClosed)
	})
	t.Run("discard", func(t *testing.T) {
		log, notif := newMemLog(), &recordingNotifier{}
		c := NewCoordinator(log, notif, fixedPolicy{MaxMessages: 30, SendDelay: time.Hour}, nil, Options{})
		require.NoError(t, c.OnMessage(context.Background(), Message{Sender: "kim", Text: "bye"}))
		require.NoError(t, c.Close(context.Background()))
		assert.Empty(t, notif.deliveries())
		assert.Equal(t, 1, log.len("kim"), "discarded batch must keep its log for recovery")
	})
}

func TestCloseKeepsLogsWhenOutOfTime(t *testing.T) {
	log, notif := newMemLog(), &slowNotifier{d: 3 * unit}
	c := NewCoordinator(log, notif, fixedPolicy{MaxMessages: 30, SendDelay: time.Hour}, nil, Options{FlushOnClose: true})
	for _, who := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.OnMessage(context.Background(), Message{Sender: who, Text: "pending"}))
	}

	// Room for the first mail only; the second is cut off mid-delivery.
	ctx, cancel := context.WithTimeout(context.Background(), 5*unit)
	defer cancel()
	err := c.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, []string{"New Messages from a"}, notif.delivered())
	assert.Equal(t, 0, log.len("a"))
	for _, who := range []string{"b", "c", "d"} {
		assert.Equal(t, 1, log.len(who), "log for %s must survive for recovery", who)
	}
	assert.Empty(t, c.Snapshot())
}

func TestClearFailureSkipsDeliveredLines(t *testing.T) {
	f := newFixture(t, time.Hour, 2, Options{})
	f.log.setClearErr(errors.New("read-only fs"))

	f.send(t, "oscar", "a")
	f.send(t, "oscar", "b")
	require.Equal(t, 2, f.log.len("oscar"))
	assert.Equal(t, 2, f.c.staleLines("oscar"))

	// Retry before the next batch still fails; the lines stay marked.
	f.send(t, "oscar", "c")
	f.log.setClearErr(nil)
	f.send(t, "oscar", "d")

	got := f.notif.deliveries()
	require.Len(t, got, 2)
	lines := strings.Split(got[1].Body, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "> c"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "> d"), lines[1])
	assert.Equal(t, 0, f.log.len("oscar"))
	assert.Equal(t, 0, f.c.staleLines("oscar"))
}

func TestClearRetrySucceedsBeforeNextBatch(t *testing.T) {
	f := newFixture(t, time.Hour, 2, Options{})
	f.log.setClearErr(errors.New("busy"))
	f.send(t, "pia", "a")
	f.send(t, "pia", "b")
	require.Equal(t, 2, f.log.len("pia"))

	f.log.setClearErr(nil)
	f.send(t, "pia", "c")
	assert.Equal(t, 1, f.log.len("pia"))
	assert.Equal(t, 0, f.c.staleLines("pia"))
}

func TestRecoverRebuildsBatches(t *testing.T) {
	log, notif := newMemLog(), &recordingNotifier{}
	ctx := context.Background()
	at := time.Now().Add(-time.Minute)
	for i := 0; i < 2; i++ {
		require.NoError(t, log.Append(ctx, "liam", storage.Entry{At: at, Sender: "liam", Text: "old"}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(ctx, "mona", storage.Entry{At: at, Sender: "mona", Text: "old"}))
	}

	c := NewCoordinator(log, notif, fixedPolicy{MaxMessages: 3, SendDelay: 2 * unit}, nil, Options{})
	defer c.Close(ctx)

	n, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// mona was already at the threshold.
	require.Len(t, notif.deliveries(), 1)
	assert.Equal(t, "New Messages from mona", notif.deliveries()[0].Subject)

	b, ok := c.Pending("liam")
	require.True(t, ok)
	assert.Equal(t, 2, b.MessageCount)

	require.Eventually(t, func() bool { return len(notif.deliveries()) == 2 }, 50*unit, unit/4)
}

func TestFlushNow(t *testing.T) {
	f := newFixture(t, time.Hour, 30, Options{})
	ok, err := f.c.FlushNow(context.Background(), "nina")
	require.NoError(t, err)
	assert.False(t, ok)

	f.send(t, "nina", "x")
	ok, err = f.c.FlushNow(context.Background(), "nina")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, f.notif.deliveries(), 1)
	assert.Empty(t, f.c.sched.Pending())
}
