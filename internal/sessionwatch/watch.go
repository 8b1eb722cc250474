// Package sessionwatch discovers live local sessions by watching a
// directory of Unix-domain socket files.
package sessionwatch

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher maintains the set of currently-live session IDs, where "live"
// means a {session_id}.sock file exists AND a connect attempt to it
// succeeds. Existence alone is never enough — stale socket files left
// behind by a crashed session must be rejected.
type Watcher struct {
	dir          string
	pollInterval time.Duration
	dialTimeout  time.Duration

	onAppear     func(sessionID string)
	onDisappear  func(sessionID string)

	mu   sync.RWMutex
	live map[string]bool
}

// New creates a Watcher over dir. onAppear/onDisappear may be nil.
func New(dir string, pollInterval, dialTimeout time.Duration, onAppear, onDisappear func(sessionID string)) *Watcher {
	if onAppear == nil {
		onAppear = func(string) {}
	}
	if onDisappear == nil {
		onDisappear = func(string) {}
	}
	return &Watcher{
		dir:          dir,
		pollInterval: pollInterval,
		dialTimeout:  dialTimeout,
		onAppear:     onAppear,
		onDisappear:  onDisappear,
		live:         make(map[string]bool),
	}
}

// IsLive reports whether sessionID is currently known live.
func (w *Watcher) IsLive(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.live[sessionID]
}

// LiveSet returns a snapshot of every currently-live session ID.
func (w *Watcher) LiveSet() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.live))
	for id := range w.live {
		out = append(out, id)
	}
	return out
}

// Run watches the socket directory until ctx is canceled. It prefers an
// fsnotify watch on the directory; if that fails to establish (platform
// without inotify/kqueue support, directory not yet created, etc.) it
// falls back to the spec's 5-second polling loop.
func (w *Watcher) Run(ctx context.Context) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		slog.Error("sessionwatch: cannot create socket dir", "dir", w.dir, "err", err)
	}

	w.rescan()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("sessionwatch: fsnotify unavailable, falling back to polling", "err", err)
		w.pollLoop(ctx)
		return
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		slog.Warn("sessionwatch: failed to watch dir, falling back to polling", "dir", w.dir, "err", err)
		w.pollLoop(ctx)
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			_ = ev
			w.rescan()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			slog.Warn("sessionwatch: fsnotify error", "err", err)
		case <-ticker.C:
			// Belt-and-suspenders: a socket can start accepting connections
			// after its file already existed (e.g. the session process is
			// still binding), so we re-probe periodically even with a
			// working fsnotify watch.
			w.rescan()
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.rescan()
		}
	}
}

// rescan lists the socket directory, probes every *.sock file with a
// connect attempt, and reconciles the live set against the result.
func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		slog.Warn("sessionwatch: list socket dir", "dir", w.dir, "err", err)
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sock") {
			continue
		}
		sessionID := strings.TrimSuffix(e.Name(), ".sock")
		path := filepath.Join(w.dir, e.Name())
		if w.probe(path) {
			seen[sessionID] = true
		}
	}

	w.mu.Lock()
	var appeared, disappeared []string
	for id := range seen {
		if !w.live[id] {
			appeared = append(appeared, id)
		}
	}
	for id := range w.live {
		if !seen[id] {
			disappeared = append(disappeared, id)
		}
	}
	w.live = seen
	w.mu.Unlock()

	for _, id := range appeared {
		w.onAppear(id)
	}
	for _, id := range disappeared {
		w.onDisappear(id)
	}
}

func (w *Watcher) probe(path string) bool {
	conn, err := net.DialTimeout("unix", path, w.dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
