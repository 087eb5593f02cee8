package devloop

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const notifySettle = 200 * time.Millisecond

type scanState struct {
	set      *WatchSet
	baseline map[string]WatchEntry
}

// Scanner polls a WatchSet at a fixed interval and reports the paths that
// changed since the previous pass, coalesced into a single event per pass.
type Scanner struct {
	logger  *slog.Logger
	metrics *Metrics
	notify  bool

	pending  atomic.Pointer[scanState]
	mu       sync.Mutex
	started  bool
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

type ScannerConfig struct {
	Logger  *slog.Logger
	Metrics *Metrics
	// Notify uses filesystem notifications to run a pass early. The mtime
	// diff stays authoritative.
	Notify bool
}

func NewScanner(cfg ScannerConfig) *Scanner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		logger:  logger.With(slog.String("component", "scanner")),
		metrics: cfg.Metrics,
		notify:  cfg.Notify,
		done:    make(chan struct{}),
	}
}

func (s *Scanner) Name() string {
	return "scanner"
}

// Start takes the initial snapshot and begins polling. The initial snapshot
// is never reported as a change. An interval <= 0 disables scanning and
// Start returns without spawning anything.
func (s *Scanner) Start(ctx context.Context, set *WatchSet, interval time.Duration, r Restarter) error {
	if interval <= 0 {
		s.logger.Info("Scanning disabled", slog.Duration("interval", interval))
		return nil
	}
	if set == nil {
		return ErrNoWatchSet
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.exited = make(chan struct{})
	s.SetWatchSet(set)
	s.logger.Info("Starting scanner", slog.Duration("interval", interval), slog.Int("roots", len(set.Roots())))
	go s.loop(context.WithoutCancel(ctx), ctx.Done(), interval, r)
	return nil
}

// SetWatchSet replaces the watch set. The loop picks up the new set and its
// baseline as a whole on its next pass.
func (s *Scanner) SetWatchSet(set *WatchSet) {
	if set == nil {
		return
	}
	s.pending.Store(&scanState{set: set, baseline: indexEntries(set.Snapshot())})
}

// Stop ends the loop. It never blocks, so it is safe to call from a restart
// triggered by this scanner.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Scanner) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return closedChan
	}
	return s.exited
}

func (s *Scanner) loop(ctx context.Context, cancel <-chan struct{}, interval time.Duration, r Restarter) {
	defer close(s.exited)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var nw *notifyWatcher
	var nudges <-chan struct{}
	if s.notify {
		var err error
		if nw, err = newNotifyWatcher(s.logger); err != nil {
			s.logger.Warn("Filesystem notifications unavailable; polling only", slog.String("err", err.Error()))
		} else {
			defer nw.close()
			nudges = nw.nudges
		}
	}

	var cur *scanState
	var settle <-chan time.Time
	for {
		if next := s.pending.Swap(nil); next != nil {
			cur = next
			if nw != nil {
				nw.reset(cur.set.Roots())
			}
		}
		select {
		case <-s.done:
			return
		case <-cancel:
			return
		case <-nudges:
			if settle == nil {
				settle = time.After(notifySettle)
			}
			continue
		case <-settle:
			settle = nil
		case <-ticker.C:
		}
		if next := s.pending.Swap(nil); next != nil {
			cur = next
			if nw != nil {
				nw.reset(cur.set.Roots())
			}
		}
		if cur == nil {
			continue
		}
		s.pass(ctx, cur, r)
	}
}

func (s *Scanner) pass(ctx context.Context, st *scanState, r Restarter) {
	entries := st.set.Snapshot()
	changed := diffEntries(st.baseline, entries)
	st.baseline = indexEntries(entries)
	if len(changed) == 0 {
		return
	}
	ev := ChangeEvent{Origin: OriginFilesystem, Paths: changed}
	if d := st.set.Descriptor(); d != "" {
		for _, p := range changed {
			if p == d {
				ev.TouchesBuildDescriptor = true
				break
			}
		}
	}
	s.metrics.scanChanges(len(changed))
	s.logger.Info("Changes detected", slog.Int("count", len(changed)), slog.Bool("reconfigure", ev.TouchesBuildDescriptor))
	for _, p := range changed {
		s.logger.Debug("Changed path", slog.String("path", p))
	}
	r.RequestRestart(ctx, ev)
}

// notifyWatcher turns fsnotify events under the watched roots into wake-ups.
type notifyWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	nudges  chan struct{}
	dirs    map[string]bool
	wg      sync.WaitGroup
}

func newNotifyWatcher(logger *slog.Logger) (*notifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	nw := &notifyWatcher{
		watcher: w,
		logger:  logger,
		nudges:  make(chan struct{}, 1),
		dirs:    make(map[string]bool),
	}
	nw.wg.Add(1)
	go nw.forward()
	return nw, nil
}

func (nw *notifyWatcher) forward() {
	defer nw.wg.Done()
	for {
		select {
		case event, ok := <-nw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case nw.nudges <- struct{}{}:
			default:
			}
		case err, ok := <-nw.watcher.Errors:
			if !ok {
				return
			}
			nw.logger.Warn("Watcher error", slog.String("err", err.Error()))
		}
	}
}

// reset watches the directories holding the given roots, recursively for
// directory roots.
func (nw *notifyWatcher) reset(roots []string) {
	want := make(map[string]bool)
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			want[filepath.Dir(root)] = true
			continue
		}
		for _, dir := range collectDirs(root) {
			want[dir] = true
		}
	}
	for dir := range nw.dirs {
		if !want[dir] {
			_ = nw.watcher.Remove(dir)
			delete(nw.dirs, dir)
		}
	}
	for dir := range want {
		if nw.dirs[dir] {
			continue
		}
		if err := nw.watcher.Add(dir); err != nil {
			nw.logger.Debug("Failed to watch directory", slog.String("dir", dir), slog.String("err", err.Error()))
			continue
		}
		nw.dirs[dir] = true
	}
}

func (nw *notifyWatcher) close() {
	_ = nw.watcher.Close()
	nw.wg.Wait()
}

func collectDirs(root string) []string {
	var dirs []string
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	return dirs
}
