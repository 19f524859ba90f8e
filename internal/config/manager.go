package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "orbit/pkg/logx"
)

const (
	settleDelay     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
)

// Validator accepts or rejects a reloaded config before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

// Manager holds the committed config for one file and republishes it to
// subscribers when the file changes and the new content validates.
type Manager struct {
	path string
	cur  atomic.Pointer[revision]

	// reloadMu serializes Reload so two saves cannot commit out of order.
	reloadMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	log      atomic.Pointer[logx.Logger]
	validate atomic.Pointer[Validator]
}

// revision is one committed config and the fingerprint of its content.
type revision struct {
	cfg *Config
	sum string
}

func NewManager(path string) *Manager {
	m := &Manager{path: path, subs: make(map[chan *Config]struct{})}
	m.SetLogger(logx.Nop())
	return m
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log.Store(&log)
}

func (m *Manager) logger() logx.Logger { return *m.log.Load() }

// SetValidator installs the hook Reload runs before committing. Load does not
// run it; the caller validates the initial config itself.
func (m *Manager) SetValidator(fn Validator) {
	m.validate.Store(&fn)
}

func (m *Manager) Path() string { return m.path }

// Parse reads and decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load parses the file and commits it.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *Manager) Commit(cfg *Config) {
	m.cur.Store(&revision{cfg: cfg, sum: fingerprint(cfg)})
}

// Get returns the committed config, or nil before Load.
func (m *Manager) Get() *Config {
	if r := m.cur.Load(); r != nil {
		return r.cfg
	}
	return nil
}

// Fingerprint identifies the committed content. Equal configs share it.
func (m *Manager) Fingerprint() string {
	if r := m.cur.Load(); r != nil {
		return r.sum
	}
	return ""
}

func fingerprint(cfg *Config) string {
	if cfg == nil {
		return ""
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// Subscribe returns a channel that receives every published config.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish hands cfg to every subscriber. subsMu is held so Unsubscribe
// cannot close a channel during the send.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if !offer(ch, cfg) {
			m.logger().Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offer sends cfg, evicting the oldest pending config when ch is full.
func offer(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// Reload parses, validates, commits and publishes the file. It reports
// whether anything was published; content equal to the committed config is
// skipped.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	sum := fingerprint(cfg)
	if sum != "" && sum == m.Fingerprint() {
		return false, nil
	}
	if fn := m.validate.Load(); fn != nil && *fn != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := (*fn)(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.cur.Store(&revision{cfg: cfg, sum: sum})
	m.publish(cfg)
	m.logger().Debug("config published", logx.String("path", m.path), logx.String("fingerprint", sum))
	return true, nil
}

// Watch reloads the file after it settles from a change, until ctx ends.
// The parent directory is watched so rename-on-save editors are seen. A
// watcher that fails is recreated after a jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	backoff := rewatchMin
	for {
		err := m.watchOnce(ctx, dir)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = rewatchMin
		}
		wait := backoff + rand.N(backoff/2+1)
		m.logger().Warn("config watcher restarting", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, rewatchMax)
	}
}

// watchOnce runs one fsnotify watcher. It returns nil when the watcher
// stopped delivering events and an error when it could not be set up.
func (m *Manager) watchOnce(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.logger().Debug("config watcher started", logx.String("dir", dir))

	name := filepath.Base(m.path)
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op != 0 {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok, errors.Is(err, fsnotify.ErrClosed):
				return nil
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.logger().Warn("config watch overflow; forcing reload", logx.Err(err))
				settle.Reset(settleDelay)
			case err != nil:
				m.logger().Warn("config watch error", logx.Err(err))
			}
		case <-settle.C:
			if _, err := m.Reload(ctx); err != nil {
				m.logger().Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}
