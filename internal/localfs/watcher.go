package localfs

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/logging"
)

// Event types.
const (
	EventCreate = "create"
	EventModify = "modify"
	EventDelete = "delete"
)

// Event represents a file system change below a watched root.
type Event struct {
	Type string `json:"type"`
	// Location is the slash-separated absolute location that changed.
	Location string `json:"location"`
	Time     int64  `json:"time"`
}

// Watcher polls directory trees for changes.
type Watcher struct {
	interval time.Duration

	mu    sync.RWMutex
	roots map[string]map[string]int64 // root -> location -> mtime
	subs  map[chan Event]struct{}
	done  chan struct{}
	stop  sync.Once
}

// NewWatcher creates a watcher polling every interval.
func NewWatcher(interval time.Duration) *Watcher {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		interval: interval,
		roots:    make(map[string]map[string]int64),
		subs:     make(map[chan Event]struct{}),
		done:     make(chan struct{}),
	}
}

// Add watches the tree below root. Existing content does not produce
// events.
func (w *Watcher) Add(root string) {
	state := scan(root)
	w.mu.Lock()
	w.roots[root] = state
	w.mu.Unlock()
}

// Remove stops watching root.
func (w *Watcher) Remove(root string) {
	w.mu.Lock()
	delete(w.roots, root)
	w.mu.Unlock()
}

// Start begins polling until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.watchLoop(ctx)
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stop.Do(func() { close(w.done) })
}

// Subscribe returns a channel that receives events.
func (w *Watcher) Subscribe() chan Event {
	ch := make(chan Event, 100)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (w *Watcher) Unsubscribe(ch chan Event) {
	w.mu.Lock()
	delete(w.subs, ch)
	close(ch)
	w.mu.Unlock()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Poll()
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// scan records the mtime of every file and directory below root.
func scan(root string) map[string]int64 {
	state := make(map[string]int64)
	filepath.WalkDir(filepath.FromSlash(root), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		state[filepath.ToSlash(path)] = info.ModTime().UnixNano()
		return nil
	})
	return state
}

// Poll compares every watched tree with its previous scan and
// broadcasts the differences.
func (w *Watcher) Poll() {
	w.mu.RLock()
	roots := make([]string, 0, len(w.roots))
	for r := range w.roots {
		roots = append(roots, r)
	}
	w.mu.RUnlock()

	now := time.Now().Unix()
	var events []Event
	for _, root := range roots {
		newState := scan(root)

		w.mu.Lock()
		oldState, ok := w.roots[root]
		if !ok {
			w.mu.Unlock()
			continue
		}
		for loc, mtime := range newState {
			old, exists := oldState[loc]
			switch {
			case !exists:
				events = append(events, Event{Type: EventCreate, Location: loc, Time: now})
			case old != mtime:
				events = append(events, Event{Type: EventModify, Location: loc, Time: now})
			}
		}
		for loc := range oldState {
			if _, exists := newState[loc]; !exists {
				events = append(events, Event{Type: EventDelete, Location: loc, Time: now})
			}
		}
		w.roots[root] = newState
		w.mu.Unlock()
	}

	if len(events) > 0 {
		w.broadcast(events)
	}
}

func (w *Watcher) broadcast(events []Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for ch := range w.subs {
		for _, event := range events {
			select {
			case ch <- event:
			default:
				logging.Warn("dropping watcher event for slow subscriber",
					zap.String("type", event.Type), zap.String("location", event.Location))
			}
		}
	}
}
