package batch

import (
	"strings"

	"awaymail/internal/storage"
)

// Subject is the notification subject for a sender's batch.
func Subject(sender string) string {
	return "New Messages from " + sender
}

// Body joins the stored log lines in arrival order.
func Body(entries []storage.Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Line())
	}
	return b.String()
}
