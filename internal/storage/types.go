package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIO classifies every storage failure. Match with errors.Is.
var ErrIO = errors.New("storage io error")

// IOError wraps a failed storage operation.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

func ioErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Key: key, Err: err}
}

// Config configures storage.
//
// Driver values:
//   - "file" (default): Path is a directory
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one buffered message. Entries are immutable once appended.
type Entry struct {
	At       time.Time
	Sender   string
	IsAction bool
	Text     string

	// Raw holds a stored line that did not parse. Line returns it verbatim.
	Raw string
}

const lineTimeLayout = "2006-01-02 15:04:05.000000"

// Line renders the entry in the on-disk log format:
//
//	<timestamp> <sender> text     (message)
//	<timestamp> * sender text     (action)
func (e Entry) Line() string {
	if e.Raw != "" {
		return e.Raw
	}
	ts := e.At.Format(lineTimeLayout)
	if e.IsAction {
		return ts + " * " + e.Sender + " " + e.Text
	}
	return ts + " <" + e.Sender + "> " + e.Text
}

// ParseLine is the inverse of Line for a known sender. Lines that do not
// match are returned in Raw with ok=false. line carries no terminator; Text
// may itself contain newlines.
func ParseLine(sender, line string) (Entry, bool) {
	raw := Entry{Sender: sender, Text: line, Raw: line}
	if len(line) < len(lineTimeLayout)+1 {
		return raw, false
	}
	at, err := time.ParseInLocation(lineTimeLayout, line[:len(lineTimeLayout)], time.Local)
	if err != nil || line[len(lineTimeLayout)] != ' ' {
		return raw, false
	}
	rest := line[len(lineTimeLayout)+1:]
	if p := "<" + sender + "> "; strings.HasPrefix(rest, p) {
		return Entry{At: at, Sender: sender, Text: rest[len(p):]}, true
	}
	if p := "* " + sender + " "; strings.HasPrefix(rest, p) {
		return Entry{At: at, Sender: sender, IsAction: true, Text: rest[len(p):]}, true
	}
	raw.At = at
	return raw, false
}

// MessageLog is the durable per-sender record of buffered messages.
type MessageLog interface {
	// Append must be durable when it returns nil.
	Append(ctx context.Context, key string, e Entry) error
	// ReadAll returns entries in arrival order.
	ReadAll(ctx context.Context, key string) ([]Entry, error)
	// Clear removes every entry for key. Clearing an absent key is not an error.
	Clear(ctx context.Context, key string) error
	// Keys lists senders that currently have stored entries.
	Keys(ctx context.Context) ([]string, error)
}

// KV is the string key-value store used for runtime settings.
type KV interface {
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store bundles both persistence APIs behind one backend.
type Store interface {
	MessageLog
	KV
	Close() error
}
