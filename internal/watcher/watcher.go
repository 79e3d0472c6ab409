// Package watcher provides a process-wide debounced file watcher.
//
// A single Watcher multiplexes one fsnotify instance to any number of
// Guards, one per watched path. Creates, writes, removes, and renames that
// land within the debounce window collapse into a single Update, so
// consumers can treat every notification as "re-read the whole file".
//
// Atomic-replace editors rename a temp file onto the watched path, which a
// direct file watch would lose track of, so the Watcher watches the parent
// directory and filters by name.
package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the window within which repeated events on one path
// collapse into a single Update.
const DefaultDebounce = 10 * time.Second

// guardBuffer is the per-guard channel capacity. A subscriber lagging past
// it starts losing updates and is told so via Update.Lost.
const guardBuffer = 16

// ErrClosed is returned by Watch after the Watcher has been closed.
var ErrClosed = errors.New("watcher: closed")

// Update is one debounced change notification.
//
// The zero value means "the watched path changed somehow" — the consumer
// re-reads the file. Lost > 0 additionally reports that the subscriber
// lagged and that many notifications were dropped; the reaction is the
// same full re-read. Err carries a watch-level error; consumers log it and
// keep listening.
type Update struct {
	Lost uint64
	Err  error
}

// Watcher owns the fsnotify instance and the debounce state.
type Watcher struct {
	logger   *zap.Logger
	fs       *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	guards  map[*Guard]struct{}
	pending map[string]*time.Timer
	closed  bool

	done chan struct{}
}

// New creates a Watcher. A debounce of 0 selects DefaultDebounce.
func New(logger *zap.Logger, debounce time.Duration) (*Watcher, error) {
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: creating fsnotify watcher: %w", err)
	}
	w := &Watcher{
		logger:   logger.Named("watcher"),
		fs:       fsw,
		debounce: debounce,
		guards:   make(map[*Guard]struct{}),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch subscribes to changes of a single file. The file does not have to
// exist yet; its parent directory does.
func (w *Watcher) Watch(path string) (*Guard, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolving %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	// Adding a directory twice is a no-op in fsnotify.
	if err := w.fs.Add(filepath.Dir(abs)); err != nil {
		return nil, fmt.Errorf("watcher: watching %s: %w", filepath.Dir(abs), err)
	}
	g := &Guard{
		watcher: w,
		path:    abs,
		ch:      make(chan Update, guardBuffer),
	}
	w.guards[g] = struct{}{}
	w.logger.Debug("watching path", zap.String("path", abs))
	return g, nil
}

// Close stops event delivery and closes every guard channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done

	w.mu.Lock()
	guards := make([]*Guard, 0, len(w.guards))
	for g := range w.guards {
		guards = append(guards, g)
		delete(w.guards, g)
	}
	w.mu.Unlock()
	for _, g := range guards {
		g.markDead()
	}
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			// Chmod-only events carry no content change; everything else
			// (create, write, remove, rename) collapses into "changed".
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(filepath.Clean(ev.Name))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watching error", zap.Error(err))
			w.broadcastError(err)
		}
	}
}

// schedule arms (or leaves armed) the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, armed := w.pending[path]; armed {
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if w.closed {
		w.mu.Unlock()
		return
	}
	var targets []*Guard
	for g := range w.guards {
		if g.path == path {
			targets = append(targets, g)
		}
	}
	w.mu.Unlock()

	for _, g := range targets {
		g.deliver()
	}
}

func (w *Watcher) broadcastError(err error) {
	w.mu.Lock()
	targets := make([]*Guard, 0, len(w.guards))
	for g := range w.guards {
		targets = append(targets, g)
	}
	w.mu.Unlock()
	for _, g := range targets {
		g.deliverErr(err)
	}
}

// Guard is one subscription to one path.
type Guard struct {
	watcher *Watcher
	path    string
	ch      chan Update

	mu   sync.Mutex
	skip int
	lost uint64
	dead bool
}

// Updates returns the notification channel. It is closed when the Guard or
// its Watcher is closed.
func (g *Guard) Updates() <-chan Update { return g.ch }

// SkipNext arranges for the next change notification on this path to be
// swallowed. Callers invoke it immediately before writing the watched file
// themselves so the resulting event is not reflected back at them. If an
// unrelated external event lands first it is swallowed instead — safe,
// because the self-write is followed by a re-read anyway.
func (g *Guard) SkipNext() {
	g.mu.Lock()
	g.skip++
	g.mu.Unlock()
}

// Close unsubscribes the guard. The directory watch stays active for any
// remaining guards on the same parent.
func (g *Guard) Close() {
	w := g.watcher
	w.mu.Lock()
	delete(w.guards, g)
	w.mu.Unlock()
	g.markDead()
}

func (g *Guard) markDead() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dead {
		g.dead = true
		close(g.ch)
	}
}

// deliver pushes one change notification, honoring the skip counter and
// folding dropped notifications into Lost. Sends happen under g.mu so they
// cannot race the channel close in markDead.
func (g *Guard) deliver() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		return
	}
	if g.skip > 0 {
		g.skip--
		return
	}
	select {
	case g.ch <- Update{Lost: g.lost}:
		g.lost = 0
	default:
		g.lost++
	}
}

func (g *Guard) deliverErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		return
	}
	select {
	case g.ch <- Update{Err: err}:
	default:
		// A full subscriber already has a pending reason to re-read;
		// dropping the error report loses nothing actionable.
	}
}
