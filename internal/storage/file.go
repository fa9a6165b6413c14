package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "awaymail/pkg/logx"
)

// fileStore keeps plain files under one directory:
//   - <path>/logs/<escaped key>.log (one line per entry, append only)
//   - <path>/settings.json          (rewritten atomically)
//
// Log writes to different keys do not contend. Callers serialize writes for
// the same key.
type fileStore struct {
	log logx.Logger

	logDir       string
	settingsPath string

	mu       sync.Mutex // guards settings
	settings map[string]string
	closed   bool
}

const logFileExt = ".log"

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	logDir := filepath.Join(root, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, ioErr("open", "", err)
	}

	s := &fileStore{
		log:          log,
		logDir:       logDir,
		settingsPath: filepath.Join(root, "settings.json"),
		settings:     map[string]string{},
	}
	if err := s.loadSettings(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) Append(ctx context.Context, key string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return ioErr("append", key, err)
	}
	f, err := os.OpenFile(s.logPath(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return ioErr("append", key, err)
	}
	line := lineEscaper.Replace(e.Line()) + "\n"
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return ioErr("append", key, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return ioErr("append", key, err)
	}
	return ioErr("append", key, f.Close())
}

func (s *fileStore) ReadAll(ctx context.Context, key string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, ioErr("read", key, err)
	}
	f, err := os.Open(s.logPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("read", key, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		e, _ := ParseLine(key, unescapeLine(line))
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, ioErr("read", key, err)
	}
	return out, nil
}

func (s *fileStore) Clear(ctx context.Context, key string) error {
	_ = ctx
	err := os.Remove(s.logPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return ioErr("clear", key, err)
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	_ = ctx
	ents, err := os.ReadDir(s.logDir)
	if err != nil {
		return nil, ioErr("keys", "", err)
	}
	keys := make([]string, 0, len(ents))
	for _, de := range ents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, logFileExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, logFileExt))
		if err != nil {
			s.log.Warn("skipping unreadable log file name", logx.String("file", name))
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *fileStore) SetSetting(ctx context.Context, key, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ioErr("set setting", key, errors.New("store closed"))
	}
	prev, had := s.settings[key]
	s.settings[key] = value
	if err := s.writeSettingsLocked(); err != nil {
		if had {
			s.settings[key] = prev
		} else {
			delete(s.settings, key)
		}
		return ioErr("set setting", key, err)
	}
	return nil
}

func (s *fileStore) loadSettings() error {
	b, err := os.ReadFile(s.settingsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return ioErr("load settings", "", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &s.settings); err != nil {
		return ioErr("load settings", "", err)
	}
	if s.settings == nil {
		s.settings = map[string]string{}
	}
	return nil
}

func (s *fileStore) writeSettingsLocked() error {
	tmp := s.settingsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.settings); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.settingsPath)
}

// One entry is one line on disk. Backslash, CR and LF inside the text are
// written as \\, \r and \n.
var lineEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

// unescapeLine reverses lineEscaper. Unknown escapes are kept as written.
func unescapeLine(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(c)
			continue
		}
		i++
	}
	return b.String()
}

func (s *fileStore) logPath(key string) string {
	return filepath.Join(s.logDir, escapeKey(key)+logFileExt)
}

// escapeKey maps a sender key to a file name. Anything outside a small safe
// set is percent-encoded, so "." and ".." cannot escape the log directory.
func escapeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '@', c == '_', c == '-':
			b.WriteByte(c)
		default:
			const hex = "0123456789ABCDEF"
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	if b.Len() == 0 {
		return "%00"
	}
	return b.String()
}
