package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"awaymail/internal/batch"
	"awaymail/internal/command"
	kit "awaymail/internal/transport"
	logx "awaymail/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sent
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                       { return nil }
func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sent{to, text, opt})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) snapshot() []sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sent(nil), a.sent...)
}

type fakeInbox struct {
	mu   sync.Mutex
	got  []batch.Message
	away bool
}

func (b *fakeInbox) OnMessage(_ context.Context, m batch.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.away {
		return batch.ErrNotAway
	}
	b.got = append(b.got, m)
	return nil
}

func (b *fakeInbox) messages() []batch.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]batch.Message(nil), b.got...)
}

const ownerID = 100

func startRouter(t *testing.T, inbox *fakeInbox, opt Options) (*fakeAdapter, chan<- kit.Update) {
	t.Helper()
	reg := command.NewRegistry(logx.Nop())
	reg.MustRegister(command.Command{Name: "Ping", Handle: func(_ context.Context, args string) command.Result {
		return command.OK("pong %s", args)
	}})
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, reg, inbox, []int64{ownerID}, opt)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 64)
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ad, updates
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func msg(from int64, username, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: from, FromID: from, FromUsername: username, Text: text, IsPrivate: true, Date: 1700000000,
	}}
}

func TestOwnerCommandIsDispatched(t *testing.T) {
	ad, updates := startRouter(t, &fakeInbox{away: true}, Options{})
	updates <- msg(ownerID, "boss", "/ping@awaymail_bot hello")

	waitFor(t, func() bool { return len(ad.snapshot()) == 1 })
	if got := ad.snapshot()[0].text; got != "pong hello" {
		t.Fatalf("reply = %q", got)
	}
}

func TestInboundMessagesKeepOrderPerSender(t *testing.T) {
	inbox := &fakeInbox{away: true}
	_, updates := startRouter(t, inbox, Options{Workers: 4})
	texts := []string{"one", "two", "three", "four", "five", "six"}
	for _, txt := range texts {
		updates <- msg(7, "alice", txt)
	}
	updates <- msg(8, "", "/me waves")

	waitFor(t, func() bool { return len(inbox.messages()) == len(texts)+1 })
	var alice []string
	for _, m := range inbox.messages() {
		switch m.Sender {
		case "@alice":
			alice = append(alice, m.Text)
		case "8":
			if !m.IsAction || m.Text != "waves" {
				t.Fatalf("action message = %+v", m)
			}
		default:
			t.Fatalf("unexpected sender %q", m.Sender)
		}
	}
	for i := range texts {
		if alice[i] != texts[i] {
			t.Fatalf("order = %v, want %v", alice, texts)
		}
	}
	if at := inbox.messages()[0].At; !at.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("At = %v", at)
	}
}

func TestNonPrivateAndOwnerChatterIgnored(t *testing.T) {
	inbox := &fakeInbox{away: true}
	ad, updates := startRouter(t, inbox, Options{})
	group := msg(9, "bob", "hi all")
	group.Message.IsPrivate = false
	updates <- group
	updates <- msg(ownerID, "boss", "just chatting")

	waitFor(t, func() bool { return len(ad.snapshot()) == 1 })
	if len(inbox.messages()) != 0 {
		t.Fatalf("buffered %d messages, want 0", len(inbox.messages()))
	}
}

func TestForwardWhenPresent(t *testing.T) {
	inbox := &fakeInbox{away: false}
	ad, updates := startRouter(t, inbox, Options{ForwardWhenPresent: true})
	updates <- msg(7, "alice", "are you there")

	waitFor(t, func() bool { return len(ad.snapshot()) == 1 })
	s := ad.snapshot()[0]
	if s.to.ChatID != ownerID || s.text != "@alice: are you there" {
		t.Fatalf("forward = %+v", s)
	}
}

func TestCommandInput(t *testing.T) {
	cases := map[string]string{
		"/help":                 "help",
		"/mailhost@bot smtp.x":  "mailhost smtp.x",
		"/listtimers  @alice  ": "listtimers  @alice",
	}
	for in, want := range cases {
		if got := commandInput(in); got != want {
			t.Fatalf("commandInput(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderResult(t *testing.T) {
	text, opt := renderResult(command.Result{Kind: command.KindPre, Text: "a<b"})
	if text != "<pre>a&lt;b</pre>" || opt.ParseMode != "HTML" {
		t.Fatalf("renderResult = %q, %+v", text, opt)
	}
}

// gatedInbox blocks every OnMessage until gate is closed and records
// whether the job's ctx was still usable.
type gatedInbox struct {
	gate chan struct{}
	mu   sync.Mutex
	got  []string
	errs int
}

func (b *gatedInbox) OnMessage(ctx context.Context, m batch.Message) error {
	<-b.gate
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		b.errs++
	}
	b.got = append(b.got, m.Text)
	return nil
}

func TestShutdownDrainsQueuedMessages(t *testing.T) {
	inbox := &gatedInbox{gate: make(chan struct{})}
	r := New(logx.Nop(), &fakeAdapter{}, command.NewRegistry(logx.Nop()), inbox, []int64{ownerID}, Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()

	texts := []string{"a", "b", "c", "d"}
	for _, txt := range texts {
		updates <- msg(9, "zed", txt)
	}
	// Wait until the dispatcher has queued everything, then stop it while
	// the first job is still blocked.
	waitFor(t, func() bool { return len(updates) == 0 })
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(inbox.gate)

	select {
	case <-r.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
	<-done

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	if len(inbox.got) != len(texts) {
		t.Fatalf("handled %v, want all of %v", inbox.got, texts)
	}
	for i, want := range texts {
		if inbox.got[i] != want {
			t.Fatalf("order = %v", inbox.got)
		}
	}
	if inbox.errs != 0 {
		t.Fatalf("%d jobs ran with a canceled ctx", inbox.errs)
	}
}
