// Package settings holds the runtime knobs the owner can change from chat.
// Values are strings in the store's key-value table; integer settings are
// validated on write and parsed on read.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"awaymail/internal/storage"
)

const (
	MailHost       = "MailHost"
	MailPort       = "MailPort"
	MaxMessages    = "MaxMessages"
	RecipientEmail = "RecipientEmail"
	SenderEmail    = "SenderEmail"
	SendDelay      = "SendDelay"
	AwayMode       = "AwayMode"
)

// ErrValidation is matched by every rejected value.
var ErrValidation = errors.New("invalid setting")

type ValidationError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Key + " " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type kind int

const (
	kindString kind = iota
	kindPositiveInt
	kindPort
	kindAwayMode
)

type def struct {
	name string
	kind kind
	dflt string
}

var defs = []def{
	{MailHost, kindString, "localhost"},
	{MailPort, kindPort, "25"},
	{MaxMessages, kindPositiveInt, "30"},
	{RecipientEmail, kindString, "user@localhost.localdomain"},
	{SenderEmail, kindString, "awaymail@localhost.localdomain"},
	{SendDelay, kindPositiveInt, "30"},
	{AwayMode, kindAwayMode, "auto"},
}

func lookup(key string) (def, bool) {
	for _, d := range defs {
		if strings.EqualFold(d.name, key) {
			return d, true
		}
	}
	return def{}, false
}

// Names returns every known setting name, sorted.
func Names() []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.name)
	}
	sort.Strings(out)
	return out
}

// Default returns the seeded value for key.
func Default(key string) (string, bool) {
	d, ok := lookup(key)
	return d.dflt, ok
}

// Validate checks value against the type of key. Unknown keys fail.
func Validate(key, value string) error {
	d, ok := lookup(key)
	if !ok {
		return &ValidationError{Key: key, Value: value, Reason: "is not a known setting"}
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return &ValidationError{Key: d.name, Value: value, Reason: "must not be empty"}
	}
	switch d.kind {
	case kindPositiveInt, kindPort:
		n, err := strconv.Atoi(value)
		if err != nil {
			return &ValidationError{Key: d.name, Value: value, Reason: "must be an integer"}
		}
		if n <= 0 {
			return &ValidationError{Key: d.name, Value: value, Reason: "must be greater than zero"}
		}
		if d.kind == kindPort && n > 65535 {
			return &ValidationError{Key: d.name, Value: value, Reason: "must be a valid port (1-65535)"}
		}
	case kindAwayMode:
		switch strings.ToLower(value) {
		case "on", "off", "auto":
		default:
			return &ValidationError{Key: d.name, Value: value, Reason: "must be one of on, off, auto"}
		}
	}
	return nil
}

// Service reads and writes runtime settings through a storage.KV.
type Service struct {
	kv storage.KV
}

func New(kv storage.KV) *Service {
	return &Service{kv: kv}
}

// SeedDefaults writes the default for every setting that is not stored yet.
// Existing values are never overwritten.
func (s *Service) SeedDefaults(ctx context.Context) error {
	for _, d := range defs {
		_, ok, err := s.kv.GetSetting(ctx, d.name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := s.kv.SetSetting(ctx, d.name, d.dflt); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the stored value, or the default when nothing is stored.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	d, ok := lookup(key)
	if !ok {
		return "", &ValidationError{Key: key, Reason: "is not a known setting"}
	}
	v, ok, err := s.kv.GetSetting(ctx, d.name)
	if err != nil {
		return "", err
	}
	if !ok {
		return d.dflt, nil
	}
	return v, nil
}

// Set validates and stores value under the canonical key name.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if err := Validate(key, value); err != nil {
		return err
	}
	d, _ := lookup(key)
	value = strings.TrimSpace(value)
	if d.kind == kindAwayMode {
		value = strings.ToLower(value)
	}
	return s.kv.SetSetting(ctx, d.name, value)
}

// Int parses an integer setting. A stored value that no longer parses is
// reported as ErrValidation.
func (s *Service) Int(ctx context.Context, key string) (int, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, &ValidationError{Key: key, Value: v, Reason: "must be a positive integer"}
	}
	return n, nil
}

// FlushPolicy is the pair of knobs read on every inbound message.
type FlushPolicy struct {
	MaxMessages int
	SendDelay   time.Duration
}

func (s *Service) FlushPolicy(ctx context.Context) (FlushPolicy, error) {
	maxN, err := s.Int(ctx, MaxMessages)
	if err != nil {
		return FlushPolicy{}, err
	}
	secs, err := s.Int(ctx, SendDelay)
	if err != nil {
		return FlushPolicy{}, err
	}
	return FlushPolicy{MaxMessages: maxN, SendDelay: time.Duration(secs) * time.Second}, nil
}

// Mail is the SMTP envelope used for one delivery.
type Mail struct {
	Host      string
	Port      int
	From      string
	Recipient string
}

func (m Mail) Addr() string { return m.Host + ":" + strconv.Itoa(m.Port) }

func (s *Service) Mail(ctx context.Context) (Mail, error) {
	var (
		m   Mail
		err error
	)
	if m.Host, err = s.Get(ctx, MailHost); err != nil {
		return Mail{}, err
	}
	if m.Port, err = s.Int(ctx, MailPort); err != nil {
		return Mail{}, err
	}
	if m.From, err = s.Get(ctx, SenderEmail); err != nil {
		return Mail{}, err
	}
	if m.Recipient, err = s.Get(ctx, RecipientEmail); err != nil {
		return Mail{}, err
	}
	return m, nil
}

// Canonical returns the registered spelling of key.
func Canonical(key string) (string, error) {
	d, ok := lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: unknown setting %q", ErrValidation, key)
	}
	return d.name, nil
}
