package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/52poke/hondana/internal/lock"
	"github.com/52poke/hondana/internal/worker"
)

type State string

const (
	StateUnregistered State = "unregistered"
	StateInstalling   State = "installing"
	StateWaiting      State = "waiting"
	StateActive       State = "active"
	StateFailed       State = "registration-failed"
)

const (
	defaultUpdateInterval = time.Hour
	defaultLockTTL        = 45 * time.Second
	activateLockPrefix    = "hondana:lock:activate:"
)

// Installer is the part of the caching engine the lifecycle drives.
type Installer interface {
	Install(ctx context.Context, m *worker.Manifest) error
	Activate(ctx context.Context, m *worker.Manifest) ([]string, error)
}

type Manager struct {
	source   Source
	engine   Installer
	locker   lock.Locker
	lockTTL  time.Duration
	interval time.Duration
	logger   *slog.Logger

	once        sync.Once
	registerErr error

	// applyMu serializes install/activate transitions.
	applyMu  sync.Mutex
	mu       sync.RWMutex
	state    State
	manifest *worker.Manifest
}

type Option func(*Manager)

// WithLocker guards cache purging during activation with a shared lock.
func WithLocker(l lock.Locker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = l
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

func WithUpdateInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

func NewManager(source Source, engine Installer, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		source:   source,
		engine:   engine,
		lockTTL:  defaultLockTTL,
		interval: defaultUpdateInterval,
		logger:   logger.With("component", "lifecycle"),
		state:    StateUnregistered,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Manifest returns the active manifest, or nil before activation.
func (m *Manager) Manifest() *worker.Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest
}

func (m *Manager) Version() string {
	if mf := m.Manifest(); mf != nil {
		return mf.Version
	}
	return ""
}

// Register installs and activates the manifest once per process. Later calls
// return the first outcome. A failure leaves the service without offline
// support; callers log it and continue.
func (m *Manager) Register(ctx context.Context) error {
	m.once.Do(func() {
		m.registerErr = m.register(ctx)
	})
	return m.registerErr
}

func (m *Manager) register(ctx context.Context) error {
	if err := m.source.Stat(ctx); err != nil {
		m.setState(StateFailed)
		if errors.Is(err, ErrSourceMissing) {
			m.logger.Warn("worker manifest not found, offline support disabled", "source", m.source.String())
		} else {
			m.logger.Error("worker manifest unreachable", "source", m.source.String(), "error", err)
		}
		return err
	}

	next, err := m.load(ctx)
	if err != nil {
		m.setState(StateFailed)
		m.logger.Error("worker registration failed", "error", err)
		return err
	}
	if err := m.apply(ctx, next); err != nil {
		m.logger.Error("worker registration failed", "version", next.Version, "error", err)
		return err
	}
	return nil
}

// CheckForUpdate loads the manifest again and applies it when its version
// changed. It does nothing unless the current manifest is active.
func (m *Manager) CheckForUpdate(ctx context.Context) (bool, error) {
	if state := m.State(); state != StateActive {
		m.logger.Debug("update check skipped", "state", state)
		return false, nil
	}
	next, err := m.load(ctx)
	if err != nil {
		return false, err
	}
	if next.Version == m.Version() {
		return false, nil
	}
	if err := m.apply(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Run polls for updates until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated, err := m.CheckForUpdate(ctx)
			if err != nil {
				m.logger.Warn("worker update failed, keeping current manifest", "version", m.Version(), "error", err)
				continue
			}
			if updated {
				m.logger.Info("worker updated", "version", m.Version())
			}
		}
	}
}

func (m *Manager) load(ctx context.Context) (*worker.Manifest, error) {
	data, err := m.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load manifest from %s: %w", m.source.String(), err)
	}
	return worker.ParseManifest(data)
}

func (m *Manager) apply(ctx context.Context, next *worker.Manifest) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	prev := m.Manifest()
	m.setState(StateInstalling)
	if err := m.engine.Install(ctx, next); err != nil {
		m.restore(prev)
		return fmt.Errorf("install %s: %w", next.Version, err)
	}

	m.setState(StateWaiting)
	if err := m.activate(ctx, next); err != nil {
		m.restore(prev)
		return fmt.Errorf("activate %s: %w", next.Version, err)
	}

	m.mu.Lock()
	m.manifest = next
	m.state = StateActive
	m.mu.Unlock()
	m.logger.Info("worker active", "version", next.Version)
	return nil
}

// activate purges stale caches. With a locker, only the lock holder purges;
// the others activate without touching the shared store.
func (m *Manager) activate(ctx context.Context, next *worker.Manifest) error {
	if m.locker == nil {
		_, err := m.engine.Activate(ctx, next)
		return err
	}

	lk, ok, err := m.locker.TryLock(ctx, activateLockPrefix+next.Version, m.lockTTL)
	if err != nil {
		m.logger.Warn("activation lock unavailable, skipping cache purge", "version", next.Version, "error", err)
		return nil
	}
	if !ok {
		m.logger.Info("activation lock held by a peer, skipping cache purge", "version", next.Version)
		return nil
	}
	defer func() {
		if err := lk.Unlock(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("activation lock release failed", "error", err)
		}
	}()
	_, err = m.engine.Activate(ctx, next)
	return err
}

func (m *Manager) restore(prev *worker.Manifest) {
	if prev != nil {
		m.setState(StateActive)
		return
	}
	m.setState(StateFailed)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}
