package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "wardenbot/pkg/logx"
)

const (
	debounceDelay   = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager loads the config file and republishes it to subscribers when it
// changes on disk. Commit and publish are gated on the validator, so a
// broken edit never reaches running services.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subMu also serializes sends against Unsubscribe's close.
	subMu       sync.Mutex
	subscribers []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the config file. Unknown fields and
// trailing content are errors; YAML goes through the same JSON path.
func (m *Manager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	raw, _, err := normalizeToJSON(m.path, data)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = fmt.Errorf("trailing data after config document")
		}
		return nil, err
	}
	return &cfg, nil
}

// Commit makes cfg the current snapshot without telling subscribers.
func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Load is Parse followed by Commit.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Get returns the current snapshot. Treat it as read-only.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, s := range m.subscribers {
		if s != ch {
			continue
		}
		last := len(m.subscribers) - 1
		m.subscribers[i] = m.subscribers[last]
		m.subscribers = m.subscribers[:last]
		close(ch)
		return
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full buffer: evict the oldest snapshot and try once more. A
		// subscriber draining concurrently may still win the race, in
		// which case this update is lost to it.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (slow subscriber)", logx.Int("buffer", cap(ch)))
		}
	}
}

// hashConfig fingerprints the decoded config so spurious file events
// (editor temp saves, touch) don't fan out as reloads.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// tryReload is the debounced half of Watch: parse, skip if unchanged,
// validate, then commit and publish.
func (m *Manager) tryReload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged, nothing to publish", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.Uint64("hash", h))
}

// Watch re-reads, validates, and publishes the config when the file
// changes. It outlives individual fsnotify watchers: when one breaks
// (editors replacing the file, platform quirks), a fresh one is created
// after a jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	var reload *time.Timer
	defer func() {
		if reload != nil {
			reload.Stop()
		}
	}()
	// Only this goroutine touches the timer; the callback reaches the
	// Manager through its locked methods.
	scheduleReload := func() {
		m.log.Debug("config change detected", logx.String("path", m.path))
		if reload != nil {
			reload.Stop()
		}
		reload = time.AfterFunc(debounceDelay, func() { m.tryReload(ctx) })
	}

	backoff := watchBackoffMin
	for ctx.Err() == nil {
		if m.watchOnce(ctx, scheduleReload) {
			backoff = watchBackoffMin
		}
		if ctx.Err() != nil {
			break
		}
		wait := jitter(backoff)
		m.log.Warn("config watcher stopped, restarting",
			logx.String("path", m.path),
			logx.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			break
		}
		backoff = min(backoff*2, watchBackoffMax)
	}
	return nil
}

// watchOnce runs one watcher lifetime and reports whether the watcher was
// established at all (the caller resets its backoff on true).
func (m *Manager) watchOnce(ctx context.Context, scheduleReload func()) (established bool) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("config watch init failed", logx.Err(err))
		return false
	}
	defer w.Close()

	// Watch the directory, not the file: editors commonly replace the
	// file, and a file watch dies with the old inode.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		m.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
		return false
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))

	target := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if !strings.EqualFold(filepath.Base(ev.Name), target) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if err == nil {
				continue
			}
			// Matching on message text keeps this independent of which
			// error constants the fsnotify backend exports.
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				// Events were missed; reload once rather than trusting
				// the stream.
				m.log.Warn("config watch overflow, forcing reload", logx.Err(err))
				scheduleReload()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(msg, "closed") {
				return true
			}
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d/2+1)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
