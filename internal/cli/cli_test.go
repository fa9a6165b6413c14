package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"awaymail/internal/storage"
	logx "awaymail/pkg/logx"
)

func TestPrintPending(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	var buf bytes.Buffer
	if err := printPending(ctx, &buf, st); err != nil {
		t.Fatalf("printPending: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "No pending messages" {
		t.Fatalf("empty output = %q", got)
	}

	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	for i := 0; i < 3; i++ {
		e := storage.Entry{At: at.Add(time.Duration(i) * time.Minute), Sender: "@alice", Text: "hi"}
		if err := st.Append(ctx, "@alice", e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	buf.Reset()
	if err := printPending(ctx, &buf, st); err != nil {
		t.Fatalf("printPending: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("output = %q", buf.String())
	}
	fields := strings.Fields(lines[1])
	if fields[0] != "@alice" || fields[1] != "3" || fields[3] != "09:30:00" || fields[5] != "09:32:00" {
		t.Fatalf("row = %q", lines[1])
	}
}

func TestBuildCLICommands(t *testing.T) {
	root := BuildCLI()
	for _, name := range []string{"run", "test-mail", "pending"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("command %q not found: %v", name, err)
		}
	}
	if f := root.PersistentFlags().Lookup("config"); f == nil || f.Shorthand != "c" {
		t.Fatal("missing -c/--config flag")
	}
}
