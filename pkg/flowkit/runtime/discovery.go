package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

// probeConfig controls how a new registration is health-checked before it
// is accepted. The runtime may write its file a moment before its server
// accepts connections.
type probeConfig struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
}

func defaultProbeConfig() probeConfig {
	return probeConfig{
		initialInterval: 100 * time.Millisecond,
		maxInterval:     time.Second,
		maxElapsed:      10 * time.Second,
	}
}

func (p probeConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxInterval = p.maxInterval
	b.MaxElapsedTime = p.maxElapsed
	return backoff.WithContext(b, ctx)
}

// watch loads existing registrations and starts the fsnotify loop.
func (m *Manager) watch(ctx context.Context) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create runtimes dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch runtimes dir: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch runtimes dir: %w", err)
	}
	m.watcher = watcher

	// Watch before scanning so a file created in between is not missed.
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read runtimes dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m.discover(ctx, filepath.Join(m.dir, e.Name()))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchLoop(ctx, watcher)
	}()
	m.logger.Info("watching for runtimes", "dir", m.dir)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				m.discover(ctx, ev.Name)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				m.forget(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("runtime watcher error", "error", err.Error())
		}
	}
}

// discover reads a registration file and registers the runtime once it
// answers its health check. The probe runs in the background.
func (m *Manager) discover(ctx context.Context, path string) {
	if !isRegistrationFile(path) {
		return
	}
	rt, err := ReadRegistration(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("ignoring runtime file", "path", path, "error", err.Error())
		}
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.probeRuntime(ctx, rt); err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("runtime failed health check",
					"runtime_id", rt.ID,
					"path", path,
					"error", err.Error(),
				)
			}
			return
		}
		m.track(path, rt)
	}()
}

// track registers rt if its file still exists. It reports whether it did.
// The file may have been removed while probing; holding filesMu orders the
// check against forget.
func (m *Manager) track(path string, rt Runtime) bool {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return false
	}
	m.files[path] = rt.ID
	m.Register(rt)
	return true
}

// forget unregisters the runtime a removed file belonged to.
func (m *Manager) forget(path string) {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()
	if id, ok := m.files[path]; ok {
		delete(m.files, path)
		m.Unregister(id)
	}
}

func (m *Manager) probeRuntime(ctx context.Context, rt Runtime) error {
	return backoff.Retry(func() error {
		return m.client.Health(ctx, rt)
	}, m.probe.backOff(ctx))
}

// healthLoop unregisters runtimes that stop answering.
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	for _, rt := range m.ListRuntimes() {
		if err := m.client.Health(ctx, rt); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("runtime unhealthy, unregistering", "runtime_id", rt.ID, "error", err.Error())
			m.Unregister(rt.ID)
		}
	}
}
