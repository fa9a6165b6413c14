// Package router turns Telegram updates into work: owner commands go to the
// command registry, private messages from everyone else go to the batch
// coordinator.
package router

import (
	"context"
	"errors"
	"hash/fnv"
	"html"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"awaymail/internal/batch"
	"awaymail/internal/command"
	rtsup "awaymail/internal/runtime/supervisor"
	kit "awaymail/internal/transport"
	logx "awaymail/pkg/logx"
)

const actionPrefix = "/me "

type RequestKind string

const (
	KindCommand RequestKind = "command"
	KindInbound RequestKind = "inbound"
)

type Request struct {
	Kind    RequestKind
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Sender  string
	Command string
	Input   string
	ReqID   string
	Logger  logx.Logger
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

// Inbox receives buffered traffic. *batch.Coordinator implements it.
type Inbox interface {
	OnMessage(ctx context.Context, m batch.Message) error
}

type Options struct {
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
	// ForwardWhenPresent relays messages to the owners when nobody is away.
	ForwardWhenPresent bool
}

type Router struct {
	log      logx.Logger
	adapter  kit.Adapter
	commands *command.Registry
	inbox    Inbox
	opt      Options

	mu     sync.RWMutex
	owners []int64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// jobs has one queue per worker. Work is sharded by sender so messages
	// from one sender are handled in arrival order.
	jobs []chan func()

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(log logx.Logger, adapter kit.Adapter, commands *command.Registry, inbox Inbox, owners []int64, opt Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = max(runtime.NumCPU(), 2)
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.CommandTimeout <= 0 {
		opt.CommandTimeout = 60 * time.Second
	}
	return &Router{
		log:      log,
		adapter:  adapter,
		commands: commands,
		inbox:    inbox,
		opt:      opt,
		owners:   append([]int64(nil), owners...),
		jobs:     newShards(opt.Workers, opt.QueueSize),
		stopped:  make(chan struct{}),
	}
}

func newShards(n, size int) []chan func() {
	per := max(size/n, 16)
	out := make([]chan func(), n)
	for i := range out {
		out[i] = make(chan func(), per)
	}
	return out
}

func (r *Router) shard(key string) chan func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.jobs[h.Sum32()%uint32(len(r.jobs))]
}

// SetOwners swaps the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int64(nil), r.owners...)
}

func (r *Router) isOwner(id int64) bool {
	for _, o := range r.ownersSnapshot() {
		if o == id {
			return true
		}
	}
	return false
}

// Supervisor returns the worker pool supervisor while the loop runs.
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// enqueue is panic-safe against the jobs channel being closed. With wait
// set it blocks until the shard has room or ctx ends.
func (r *Router) enqueue(ctx context.Context, key string, wait bool, fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	ch := r.shard(key)
	if wait {
		select {
		case ch <- fn:
			return true
		case <-ctx.Done():
			return false
		}
	}
	select {
	case ch <- fn:
		return true
	default:
		return false
	}
}

// Stopped is closed once DispatchLoop has returned and every queued job ran.
func (r *Router) Stopped() <-chan struct{} { return r.stopped }

// PublishMenu pushes the command list to the Telegram menu when the adapter
// supports it.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cmds := r.commands.Commands()
	menu := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		menu = append(menu, kit.BotCommand{Command: strings.ToLower(c.Name), Description: c.Description})
	}
	return up.UpdateMenuCommands(ctx, menu)
}

// DispatchLoop consumes updates until ctx ends or the channel closes.
// Work runs on a bounded worker pool. Jobs already queued when ctx ends are
// still run, each bounded by CommandTimeout.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("dispatcher started", logx.Int("workers", len(r.jobs)), logx.Int("shard_cap", cap(r.jobs[0])))

	for i, jobs := range r.jobs {
		// Workers exit when their queue is closed, after draining it.
		// No restart: a worker must not skip its queue because ctx ended
		// before it was scheduled. Jobs recover their own panics.
		sup.Go0("router.worker."+strconv.Itoa(i), func(context.Context) {
			for job := range jobs {
				if job != nil {
					job()
				}
			}
		})
	}

	defer func() {
		r.setSupervisor(sup, false)
		for _, jobs := range r.jobs {
			close(jobs)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) {
			r.log.Warn("dispatcher workers still busy after drain timeout")
		}
		cancel()
		r.setSupervisor(nil, false)
		r.stopOnce.Do(func() { close(r.stopped) })
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				r.route(ctx, up.Message)
			}
		}
	}
}

func (r *Router) route(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || !msg.IsPrivate {
		return
	}
	owner := r.isOwner(msg.FromID)
	req := &Request{
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Sender:  msg.SenderKey(),
		ReqID:   newReqID(),
	}

	var h HandlerFunc
	switch {
	case owner && strings.HasPrefix(text, "/"):
		req.Kind = KindCommand
		req.Input = commandInput(text)
		req.Command, _, _ = strings.Cut(req.Input, " ")
		h = r.handleCommand
	case owner:
		_, _ = r.adapter.SendText(ctx, req.Chat, "Send /help for the command list.", nil)
		return
	default:
		req.Kind = KindInbound
		req.Input = text
		h = r.handleInbound
	}
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
	)

	// Jobs outlive the dispatch ctx so a drain at shutdown can finish them.
	jobCtx := context.WithoutCancel(ctx)
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.opt.CommandTimeout),
	)
	// Inbound messages wait for room rather than being lost.
	if !r.enqueue(ctx, req.Sender, req.Kind == KindInbound, func() { _ = final(jobCtx, req) }) {
		req.logger(r.log).Warn("job queue full; update dropped", logx.String("kind", string(req.Kind)))
		if req.Kind == KindCommand {
			_, _ = r.adapter.SendText(ctx, req.Chat, "busy, try again", nil)
		}
	}
}

// commandInput strips the leading slash and a "@botname" suffix from the
// first word.
func commandInput(text string) string {
	text = strings.TrimPrefix(text, "/")
	word, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.TrimSpace(word + " " + rest)
}

func (r *Router) handleCommand(ctx context.Context, req *Request) error {
	res := r.commands.Dispatch(ctx, req.Input)
	text, opt := renderResult(res)
	_, err := r.adapter.SendText(ctx, req.Chat, text, opt)
	return err
}

func renderResult(res command.Result) (string, *kit.SendOptions) {
	switch res.Kind {
	case command.KindPre:
		return "<pre>" + html.EscapeString(res.Text) + "</pre>", &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	case command.KindError:
		return "⚠️ " + res.Text, &kit.SendOptions{DisablePreview: true}
	default:
		return res.Text, &kit.SendOptions{DisablePreview: true}
	}
}

func (r *Router) handleInbound(ctx context.Context, req *Request) error {
	m := batch.Message{Sender: req.Sender, Text: req.Input, At: time.Now()}
	if req.Message.Date > 0 {
		m.At = time.Unix(req.Message.Date, 0)
	}
	if strings.HasPrefix(m.Text, actionPrefix) {
		m.IsAction = true
		m.Text = strings.TrimSpace(strings.TrimPrefix(m.Text, actionPrefix))
	}

	err := r.inbox.OnMessage(ctx, m)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, batch.ErrNotAway):
		if r.opt.ForwardWhenPresent {
			r.forward(ctx, req, m)
		}
		return nil
	default:
		return err
	}
}

func (r *Router) forward(ctx context.Context, req *Request, m batch.Message) {
	line := req.Sender + ": " + m.Text
	if m.IsAction {
		line = "* " + req.Sender + " " + m.Text
	}
	for _, id := range r.ownersSnapshot() {
		if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: id}, line, &kit.SendOptions{DisablePreview: true}); err != nil {
			req.logger(r.log).Warn("forward to owner failed", logx.Int64("owner", id), logx.Err(err))
		}
	}
}
