// Package command is the owner's control surface: a registry of named
// commands with case-insensitive dispatch and conflict detection.
//
// Resolution order for an input line:
//  1. exact name match on the first word
//  2. the registered name the input starts with ("mailhostsmtp.example")
//  3. a unique abbreviation of a name ("listt")
//
// Registration rejects a name that is a prefix of another, which keeps
// step 2 unambiguous. Ambiguous abbreviations are reported, never guessed.
package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	logx "awaymail/pkg/logx"
)

var (
	ErrConflict  = errors.New("command name conflict")
	ErrUnknown   = errors.New("unknown command")
	ErrAmbiguous = errors.New("ambiguous command")
)

type Kind int

const (
	KindOK Kind = iota
	// KindPre is preformatted text, rendered monospace.
	KindPre
	KindError
)

// Result is what a handler hands back for the chat reply.
type Result struct {
	Kind Kind
	Text string
}

func OK(format string, a ...any) Result {
	return Result{Kind: KindOK, Text: fmt.Sprintf(format, a...)}
}

func Errorf(format string, a ...any) Result {
	return Result{Kind: KindError, Text: fmt.Sprintf(format, a...)}
}

type Handler func(ctx context.Context, args string) Result

type Command struct {
	Name        string
	Usage       string // argument synopsis, e.g. "[seconds]"
	Description string
	Handle      Handler
}

type Registry struct {
	log logx.Logger

	mu   sync.RWMutex
	cmds []Command // sorted by lower-case name
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log}
}

// Register adds c. Names are compared case-insensitively; a name equal to, or
// a prefix of, an existing name (or the reverse) is a conflict.
func (r *Registry) Register(c Command) error {
	name := strings.TrimSpace(c.Name)
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("invalid command name %q", c.Name)
	}
	if c.Handle == nil {
		return fmt.Errorf("command %q has no handler", name)
	}
	c.Name = name
	low := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ex := range r.cmds {
		el := strings.ToLower(ex.Name)
		if strings.HasPrefix(el, low) || strings.HasPrefix(low, el) {
			return fmt.Errorf("%w: %q overlaps %q", ErrConflict, name, ex.Name)
		}
	}
	r.cmds = append(r.cmds, c)
	sort.Slice(r.cmds, func(i, j int) bool {
		return strings.ToLower(r.cmds[i].Name) < strings.ToLower(r.cmds[j].Name)
	})
	return nil
}

// MustRegister panics on conflict. For static tables only.
func (r *Registry) MustRegister(cmds ...Command) {
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Commands returns registered commands sorted by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.cmds...)
}

// Resolve finds the command for input and returns the remaining argument text.
func (r *Registry) Resolve(input string) (Command, string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Command{}, "", ErrUnknown
	}
	word, rest := splitFirst(input)
	lowWord := strings.ToLower(word)
	lowInput := strings.ToLower(input)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.cmds {
		if strings.ToLower(c.Name) == lowWord {
			return c, rest, nil
		}
	}
	for _, c := range r.cmds {
		if strings.HasPrefix(lowInput, strings.ToLower(c.Name)) {
			return c, strings.TrimSpace(input[len(c.Name):]), nil
		}
	}
	var matches []Command
	for _, c := range r.cmds {
		if strings.HasPrefix(strings.ToLower(c.Name), lowWord) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return Command{}, "", fmt.Errorf("%w: %q", ErrUnknown, word)
	case 1:
		return matches[0], rest, nil
	}
	names := make([]string, len(matches))
	for i, c := range matches {
		names[i] = c.Name
	}
	return Command{}, "", fmt.Errorf("%w: %q matches %s", ErrAmbiguous, word, strings.Join(names, ", "))
}

// Dispatch resolves and runs input. Handler panics become error results.
func (r *Registry) Dispatch(ctx context.Context, input string) (res Result) {
	c, args, err := r.Resolve(input)
	switch {
	case errors.Is(err, ErrAmbiguous):
		return Errorf("%v", err)
	case err != nil:
		return Errorf("Could not interpret command")
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("command panicked",
				logx.String("cmd", c.Name),
				logx.Any("panic", p),
				logx.Stack(string(debug.Stack())),
			)
			res = Errorf("Error calling %s: %v", c.Name, p)
		}
	}()
	return c.Handle(ctx, args)
}

func splitFirst(s string) (string, string) {
	i := strings.IndexAny(s, " \t\r\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}
