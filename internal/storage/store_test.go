package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "awaymail/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "files")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs

	ss, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "db", "awaymail.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = ss

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestMessageLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
			in := []Entry{
				{At: at, Sender: "@alice", Text: "hi"},
				{At: at.Add(time.Second), Sender: "@alice", IsAction: true, Text: "waves"},
				{At: at.Add(2 * time.Second), Sender: "@alice", Text: "still there?"},
				{At: at.Add(3 * time.Second), Sender: "@alice", Text: "line1\nline2\n"},
				{At: at.Add(4 * time.Second), Sender: "@alice", Text: `C:\new\\dir\r\n`},
			}
			for _, e := range in {
				if err := st.Append(ctx, "@alice", e); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			if err := st.Append(ctx, "@bob", Entry{At: at, Sender: "@bob", Text: "yo"}); err != nil {
				t.Fatalf("Append bob: %v", err)
			}

			got, err := st.ReadAll(ctx, "@alice")
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if len(got) != len(in) {
				t.Fatalf("ReadAll len = %d, want %d", len(got), len(in))
			}
			for i := range in {
				if got[i].Text != in[i].Text || got[i].IsAction != in[i].IsAction || !got[i].At.Equal(in[i].At) {
					t.Fatalf("entry %d = %+v, want %+v", i, got[i], in[i])
				}
			}

			keys, err := st.Keys(ctx)
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if len(keys) != 2 || keys[0] != "@alice" || keys[1] != "@bob" {
				t.Fatalf("Keys = %v", keys)
			}

			if err := st.Clear(ctx, "@alice"); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if err := st.Clear(ctx, "@alice"); err != nil {
				t.Fatalf("second Clear: %v", err)
			}
			got, err = st.ReadAll(ctx, "@alice")
			if err != nil || len(got) != 0 {
				t.Fatalf("ReadAll after clear = %v, %v", got, err)
			}
			keys, _ = st.Keys(ctx)
			if len(keys) != 1 || keys[0] != "@bob" {
				t.Fatalf("Keys after clear = %v", keys)
			}
		})
	}
}

func TestFileStoreKeepsOneLinePerEntry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	if err := st.Append(ctx, "bob", Entry{At: at, Sender: "bob", Text: "a\nb"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := st.Append(ctx, "bob", Entry{At: at, Sender: "bob", Text: `back\slash`}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "logs", "bob.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "2024-05-01 10:00:00.000000 <bob> a\\nb\n" +
		"2024-05-01 10:00:00.000000 <bob> back\\\\slash\n"
	if string(b) != want {
		t.Fatalf("log file = %q, want %q", b, want)
	}
}

func TestUnescapeLine(t *testing.T) {
	cases := map[string]string{
		"plain":     "plain",
		`a\nb`:      "a\nb",
		`a\\nb`:     `a\nb`,
		`cr\r`:      "cr\r",
		`unknown\t`: `unknown\t`,
		`trailing\`: `trailing\`,
	}
	for in, want := range cases {
		if got := unescapeLine(in); got != want {
			t.Errorf("unescapeLine(%q) = %q, want %q", in, got, want)
		}
		if got := unescapeLine(lineEscaper.Replace(want)); got != want {
			t.Errorf("escape round trip of %q = %q", want, got)
		}
	}
}

func TestSettingsKV(t *testing.T) {
	ctx := context.Background()
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.GetSetting(ctx, "MailHost"); err != nil || ok {
				t.Fatalf("GetSetting on empty = %v, %v", ok, err)
			}
			if err := st.SetSetting(ctx, "MailHost", "smtp.example.com"); err != nil {
				t.Fatalf("SetSetting: %v", err)
			}
			if err := st.SetSetting(ctx, "MailHost", "mx.example.com"); err != nil {
				t.Fatalf("SetSetting overwrite: %v", err)
			}
			v, ok, err := st.GetSetting(ctx, "MailHost")
			if err != nil || !ok || v != "mx.example.com" {
				t.Fatalf("GetSetting = %q, %v, %v", v, ok, err)
			}
		})
	}
}

func TestFileStoreSettingsPersist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.SetSetting(ctx, "SendDelay", "45"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	_ = st.Close()

	st2, err := Open(Config{Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	v, ok, _ := st2.GetSetting(ctx, "SendDelay")
	if !ok || v != "45" {
		t.Fatalf("persisted SendDelay = %q, %v", v, ok)
	}
}

func TestFileStoreEscapesKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	for _, key := range []string{"..", "a/b", "über"} {
		if err := st.Append(ctx, key, Entry{At: time.Now(), Sender: key, Text: "x"}); err != nil {
			t.Fatalf("Append %q: %v", key, err)
		}
	}
	ents, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(ents) != 3 {
		t.Fatalf("log files = %d, want 3", len(ents))
	}
	keys, err := st.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := map[string]bool{"..": true, "a/b": true, "über": true}
	for _, k := range keys {
		if !want[k] {
			t.Fatalf("unexpected key %q", k)
		}
	}
}

func TestLineFormat(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.Local)
	msg := Entry{At: at, Sender: "alice", Text: "hi there"}
	if got, want := msg.Line(), "2024-05-01 10:00:00.123456 <alice> hi there"; got != want {
		t.Fatalf("Line = %q, want %q", got, want)
	}
	act := Entry{At: at, Sender: "alice", IsAction: true, Text: "waves"}
	if got, want := act.Line(), "2024-05-01 10:00:00.123456 * alice waves"; got != want {
		t.Fatalf("action Line = %q, want %q", got, want)
	}

	back, ok := ParseLine("alice", act.Line())
	if !ok || !back.IsAction || back.Text != "waves" || !back.At.Equal(at) {
		t.Fatalf("ParseLine = %+v, %v", back, ok)
	}
	if _, ok := ParseLine("alice", "garbage"); ok {
		t.Fatal("ParseLine accepted garbage")
	}
}

func TestErrorsWrapErrIO(t *testing.T) {
	err := ioErr("append", "k", os.ErrPermission)
	if !errors.Is(err, ErrIO) {
		t.Fatal("IOError does not match ErrIO")
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Fatal("IOError does not unwrap cause")
	}
	if ioErr("x", "", nil) != nil {
		t.Fatal("nil cause should give nil error")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis", Path: t.TempDir()}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
