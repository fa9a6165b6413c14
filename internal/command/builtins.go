package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"awaymail/internal/batch"
	"awaymail/internal/presence"
	"awaymail/internal/settings"
)

// SettingsPort reads and writes runtime settings.
type SettingsPort interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type TestMailer interface {
	SendTest(ctx context.Context, extra string) error
}

type BatchPort interface {
	Snapshot() []batch.PendingBatch
	Pending(key string) (batch.PendingBatch, bool)
	FlushNow(ctx context.Context, key string) (bool, error)
}

type AwayPort interface {
	Mode() presence.Mode
	SetMode(ctx context.Context, m presence.Mode) error
	Describe() string
}

// Deps are the services the built-in commands drive.
type Deps struct {
	Settings SettingsPort
	Mailer   TestMailer
	Batches  BatchPort
	Away     AwayPort
}

const timeLayout = "2006-01-02 15:04:05"

// RegisterBuiltins installs the standard command set.
func RegisterBuiltins(r *Registry, d Deps) error {
	cmds := []Command{
		{
			Name: "Help", Usage: "[command]", Description: "Display help (this message)",
			Handle: func(ctx context.Context, args string) Result {
				table, ok := r.HelpTable(args)
				if !ok {
					return Errorf("No Matches for '%s'", args)
				}
				return Result{Kind: KindPre, Text: table}
			},
		},
		{
			Name: "SendTestEmail", Usage: "[message]", Description: "Send a test email",
			Handle: func(ctx context.Context, args string) Result {
				if err := d.Mailer.SendTest(ctx, args); err != nil {
					return Errorf("Error sending mail: %v", err)
				}
				return OK("Test email sent")
			},
		},
		{
			Name: "ListTimers", Usage: "[sender]", Description: "List current pending emails",
			Handle: func(ctx context.Context, args string) Result { return listTimers(d.Batches, args) },
		},
		{
			Name: "FlushNow", Usage: "[sender]", Description: "Send pending emails immediately",
			Handle: func(ctx context.Context, args string) Result { return flushNow(ctx, d.Batches, args) },
		},
		{
			Name: "Away", Usage: "[on|off|auto]", Description: "Get/set away mode",
			Handle: func(ctx context.Context, args string) Result { return away(ctx, d.Away, args) },
		},
		getSet(d.Settings, settings.MailHost, "[hostName_or_IP]", "Get/set email SMTP host to send to"),
		getSet(d.Settings, settings.MailPort, "[port]", "Get/set server port to use when sending"),
		getSet(d.Settings, settings.MaxMessages, "[count]", "Get/set max number of messages before sending"),
		getSet(d.Settings, settings.RecipientEmail, "[emailAddress]", "Get/set recipient address for away message delivery"),
		getSet(d.Settings, settings.SenderEmail, "[emailAddress]", "Get/set address to send away messages from"),
		getSet(d.Settings, settings.SendDelay, "[seconds]", "Get/set number of seconds to wait before sending"),
	}
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// getSet builds a command that prints key, or validates and stores a new
// value first when one is given.
func getSet(s SettingsPort, key, usage, desc string) Command {
	return Command{
		Name: key, Usage: usage, Description: desc,
		Handle: func(ctx context.Context, args string) Result {
			if args != "" {
				if err := s.Set(ctx, key, args); err != nil {
					var ve *settings.ValidationError
					if errors.As(err, &ve) {
						return Errorf("%v", ve)
					}
					return Errorf("Error setting %q to %q: %v", key, args, err)
				}
			}
			v, err := s.Get(ctx, key)
			if err != nil {
				return Errorf("Error reading %s: %v", key, err)
			}
			return OK("%s: %s", key, v)
		},
	}
}

func listTimers(b BatchPort, sender string) Result {
	snap := b.Snapshot()
	if len(snap) == 0 {
		return OK("No pending timers")
	}
	if sender == "" {
		lines := make([]string, 0, len(snap))
		for _, p := range snap {
			lines = append(lines, fmt.Sprintf("%s: %s", p.Key, p.ScheduledFlushAt.Format(timeLayout)))
		}
		return OK("%s", strings.Join(lines, "\n"))
	}
	p, ok := b.Pending(sender)
	if !ok {
		return Errorf("No pending timer for %s", sender)
	}
	return OK("%s", strings.Join([]string{
		"firstMessage: " + p.FirstMessageAt.Format(timeLayout),
		"lastMessage: " + p.LastMessageAt.Format(timeLayout),
		fmt.Sprintf("messageCount: %d", p.MessageCount),
		"plannedSend: " + p.ScheduledFlushAt.Format(timeLayout),
	}, "\n"))
}

func flushNow(ctx context.Context, b BatchPort, sender string) Result {
	keys := []string{sender}
	if sender == "" {
		keys = keys[:0]
		for _, p := range b.Snapshot() {
			keys = append(keys, p.Key)
		}
	}
	if len(keys) == 0 {
		return OK("No pending timers")
	}
	var sent, failed []string
	for _, k := range keys {
		ok, err := b.FlushNow(ctx, k)
		switch {
		case err != nil:
			failed = append(failed, fmt.Sprintf("%s (%v)", k, err))
		case ok:
			sent = append(sent, k)
		}
	}
	if len(failed) > 0 {
		return Errorf("Flush failed: %s", strings.Join(failed, "; "))
	}
	if len(sent) == 0 {
		return Errorf("No pending timer for %s", sender)
	}
	return OK("Flushed: %s", strings.Join(sent, ", "))
}

func away(ctx context.Context, a AwayPort, args string) Result {
	if args != "" {
		m, err := presence.ParseMode(args)
		if err != nil {
			return Errorf("Away must be one of on, off, auto")
		}
		if err := a.SetMode(ctx, m); err != nil {
			return Errorf("Error setting away mode: %v", err)
		}
	}
	return OK("Away: %s", a.Describe())
}

