package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	kit "awaymail/internal/transport"
)

func (s *Service) telegramWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.tgQueue:
			if s.sender == nil {
				continue
			}
			if _, err := s.sender.SendText(ctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true}); err != nil {
				fmt.Fprintf(Stderr(), "logx: telegram sink send failed: %v\n", err)
			}
		}
	}
}

// enqueue never blocks the logging call site; a full queue drops the line.
func (s *Service) enqueue(to kit.ChatTarget, msg string) {
	select {
	case s.tgQueue <- telegramItem{to: to, msg: msg}:
	default:
	}
}

type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil || s.sender == nil {
		return len(p), nil
	}

	s.mu.Lock()
	targets := s.targets
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if len(targets) == 0 || lim == nil || level < min {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}
	msg := formatTelegramJSON(p)
	if msg == "" {
		return len(p), nil
	}
	for _, to := range targets {
		s.enqueue(to, msg)
	}
	return len(p), nil
}

// formatTelegramJSON renders a zerolog JSON line as a short chat message.
func formatTelegramJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "caller":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(v, 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(v, 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
