package main

import (
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/localfs"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/workspace"
)

// watchRoots keeps the watcher's roots equal to the locations of open
// projects and linked resources.
type watchRoots struct {
	ws      *workspace.Workspace
	watcher *localfs.Watcher

	mu      sync.Mutex
	watched map[string]bool
}

func newWatchRoots(ws *workspace.Workspace, watcher *localfs.Watcher) *watchRoots {
	return &watchRoots{ws: ws, watcher: watcher, watched: make(map[string]bool)}
}

func (r *watchRoots) sync() {
	want := make(map[string]bool)
	for p, loc := range r.ws.Aliases().Roots() {
		if p.Depth() == 1 && !r.ws.IsOpen(p) {
			continue
		}
		if kind, err := r.ws.Kind(p); err != nil || kind == resource.File {
			// Files are covered by the watch on their parent directory.
			if err == nil {
				want[path.Dir(loc)] = true
			}
			continue
		}
		want[loc] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for loc := range want {
		if !r.watched[loc] {
			r.watcher.Add(loc)
			r.watched[loc] = true
			logging.Debug("watching", zap.String("location", loc))
		}
	}
	for loc := range r.watched {
		if !want[loc] {
			r.watcher.Remove(loc)
			delete(r.watched, loc)
			logging.Debug("stopped watching", zap.String("location", loc))
		}
	}
}
