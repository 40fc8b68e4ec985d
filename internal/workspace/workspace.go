// Package workspace is the entry point to the resource model.
//
// A Workspace owns the resource tree, the alias index and the listener
// registry. Every mutation runs inside an operation; when the outermost
// operation ends, the changes it made are diffed into one delta, the
// delta is expanded to every alias of the changed resources, and
// POST_CHANGE listeners receive it before the mutating call returns.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/alias"
	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/jobs"
	"github.com/fruitsalade/resources/internal/localfs"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/notify"
	"github.com/fruitsalade/resources/internal/persist"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/rules"
	"github.com/fruitsalade/resources/internal/storage"
	"github.com/fruitsalade/resources/internal/storage/memory"
	"github.com/fruitsalade/resources/internal/tree"
)

// Local is the local file system as seen by the workspace. Locations
// are slash-separated absolute paths.
type Local interface {
	Stat(location string) (localfs.Entry, bool, error)
	List(location string) ([]localfs.Entry, error)
	Read(location string) ([]byte, error)
	Write(location string, data []byte) (int64, error)
	Mkdir(location string) error
	Remove(location string) error
	Rename(src, dst string) error
}

// Options configures Open.
type Options struct {
	// Root is the directory holding the default project locations.
	Root string
	// DefaultCharset is the charset of resources that neither set nor
	// inherit one. Defaults to UTF-8.
	DefaultCharset    string
	CollapseThreshold int

	AutoBuild      bool
	AutoBuildDelay time.Duration

	// Local defaults to the real file system.
	Local Local
	// Content defaults to an in-memory backend.
	Content storage.Backend
	// Persister is optional; without one nothing survives Close.
	Persister persist.Persister

	Builders []Builder
}

// Workspace is a handle on an open resource tree.
type Workspace struct {
	opts    Options
	root    string
	local   Local
	store   *tree.Store
	aliases *alias.Index
	broker  *notify.Broker
	rules   *rules.Manager
	jobs    *jobs.Manager
	content *storage.ContentStore
	persist persist.Persister

	// commitMu orders commits and their notifications.
	commitMu sync.Mutex

	// dispatching counts listener phases running on a goroutine that
	// holds a rule or commitMu; locked counts those in which the tree
	// must not change.
	dispatching atomic.Int32
	locked      atomic.Int32

	// liveMu orders the start of operations against alias updates.
	liveMu sync.Mutex
	live   map[*operation]struct{}

	stamp   atomic.Int64
	marker  atomic.Int64
	closed  atomic.Bool
	closeMu sync.Mutex

	buildMu   sync.Mutex
	builders  []Builder
	lastBuild *tree.Snapshot
}

// Open opens the workspace rooted at opts.Root, restoring the state the
// persister saved last.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if opts.DefaultCharset == "" {
		opts.DefaultCharset = "UTF-8"
	}
	if opts.Local == nil {
		opts.Local = localfs.FileSystem{}
	}
	if opts.Content == nil {
		opts.Content = memory.New()
	}

	w := &Workspace{
		opts:     opts,
		root:     alias.Canonical(abs),
		local:    opts.Local,
		aliases:  alias.New(),
		live:     make(map[*operation]struct{}),
		broker:   notify.NewBroker(),
		rules:    rules.NewManager(),
		jobs:     jobs.NewManager(),
		content:  storage.NewContentStore(opts.Content),
		persist:  opts.Persister,
		builders: append([]Builder(nil), opts.Builders...),
	}
	if err := w.local.Mkdir(w.root); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	treeOpts := tree.Options{CollapseThreshold: opts.CollapseThreshold}
	var st *persist.State
	if w.persist != nil {
		st, err = w.persist.Load(ctx)
		if err != nil && !errors.Is(err, persist.ErrNoState) {
			return nil, fmt.Errorf("load workspace state: %w", err)
		}
	}
	if st != nil {
		w.store, err = tree.RestoreStore(st.Nodes, treeOpts)
		if err != nil {
			return nil, fmt.Errorf("restore workspace tree: %w", err)
		}
		w.store.Identities().Seed(st.NextID)
		w.aliases.Restore(st.Links)
		w.stamp.Store(st.Stamp)
		w.marker.Store(st.Marker)
	} else {
		w.store = tree.NewStore(treeOpts)
	}
	w.lastBuild = w.store.Current()

	metrics.SetAliasRoots(w.aliases.Len())
	metrics.SetTreeNodes(w.store.Current().Count())
	logging.Info("workspace opened",
		zap.String("root", w.root),
		zap.Bool("restored", st != nil),
		zap.Int("roots", w.aliases.Len()))
	return w, nil
}

// Close stops background jobs, saves the state and releases the stores.
func (w *Workspace) Close(ctx context.Context) error {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed.Load() {
		return resource.NewError("close", resource.RootPath, resource.ErrWorkspaceClosed)
	}
	errs := resource.NewCollector("close workspace")
	errs.Add(w.jobs.Shutdown(ctx))
	if w.persist != nil {
		errs.Add(w.save(ctx))
	}
	w.closed.Store(true)
	if w.persist != nil {
		errs.Add(w.persist.Close())
	}
	errs.Add(w.content.Close())
	logging.Info("workspace closed", zap.String("root", w.root))
	return errs.Err()
}

// Save writes the current state through the persister.
func (w *Workspace) Save(ctx context.Context) error {
	if err := w.checkOpen("save", resource.RootPath); err != nil {
		return err
	}
	if w.persist == nil {
		return nil
	}
	return w.save(ctx)
}

func (w *Workspace) save(ctx context.Context) error {
	// A commit in progress would leave the alias index and the tree out
	// of step.
	w.commitMu.Lock()
	snap := w.store.Current()
	st := &persist.State{
		Nodes:  tree.Records(snap),
		Links:  w.aliases.Roots(),
		NextID: w.store.Identities().Peek(),
		Stamp:  w.stamp.Load(),
		Marker: w.marker.Load(),
	}
	w.commitMu.Unlock()

	if err := w.persist.Save(ctx, st); err != nil {
		return fmt.Errorf("save workspace state: %w", err)
	}
	logging.Debug("workspace saved", zap.Int("nodes", len(st.Nodes)), zap.Uint64("generation", snap.Generation()))
	return nil
}

func (w *Workspace) checkOpen(op string, p resource.Path) error {
	if w.closed.Load() {
		return resource.NewError(op, p, resource.ErrWorkspaceClosed)
	}
	return nil
}

// RootLocation returns the workspace root directory in slash form.
func (w *Workspace) RootLocation() string { return w.root }

// Snapshot returns the current tree snapshot.
func (w *Workspace) Snapshot() *tree.Snapshot { return w.store.Current() }

// Jobs returns the background job manager.
func (w *Workspace) Jobs() *jobs.Manager { return w.jobs }

// Aliases returns the alias index.
func (w *Workspace) Aliases() *alias.Index { return w.aliases }

// Exists reports whether p exists in the current snapshot.
func (w *Workspace) Exists(p resource.Path) bool {
	return w.store.Current().Exists(p)
}

// Info returns a copy of the payload of p.
func (w *Workspace) Info(p resource.Path) (*resource.ElementInfo, error) {
	n, err := w.accessible("info", w.store.Current(), p)
	if err != nil {
		return nil, err
	}
	return n.Info().Clone(), nil
}

// Kind returns the kind of p.
func (w *Workspace) Kind(p resource.Path) (resource.Kind, error) {
	n, ok := w.store.Lookup(p)
	if !ok {
		return 0, resource.NewError("kind", p, resource.ErrNotFound)
	}
	return n.Kind(), nil
}

// IdentityOf returns the creation identity of p.
func (w *Workspace) IdentityOf(p resource.Path) (resource.Identity, bool) {
	return w.store.Current().IdentityOf(p)
}

// Members lists the member paths of container p in byte-wise order.
// Hidden and team-private members are skipped unless requested.
func (w *Workspace) Members(p resource.Path, memberFlags resource.MemberFlag) ([]resource.Path, error) {
	n, err := w.accessible("members", w.store.Current(), p)
	if err != nil {
		return nil, err
	}
	if !n.Kind().IsContainer() {
		return nil, resource.Errorf("members", p, resource.ErrInvalidKind, "%s has no members", n.Kind())
	}
	var out []resource.Path
	for _, c := range n.Children() {
		if visibleMember(c.Node.Info(), memberFlags) {
			out = append(out, p.Append(c.Name))
		}
	}
	return out, nil
}

func visibleMember(info *resource.ElementInfo, memberFlags resource.MemberFlag) bool {
	if info.Has(resource.FlagHidden) && memberFlags&resource.IncludeHidden == 0 {
		return false
	}
	if info.Has(resource.FlagTeamPrivate) && memberFlags&resource.IncludeTeamPrivate == 0 {
		return false
	}
	return true
}

// Accept visits p and its members down to depth in byte-wise order.
// Returning false from fn skips the members of the visited resource.
func (w *Workspace) Accept(p resource.Path, depth resource.Depth, memberFlags resource.MemberFlag, fn func(p resource.Path, kind resource.Kind, info *resource.ElementInfo) bool) error {
	snap := w.store.Current()
	if _, err := w.accessible("accept", snap, p); err != nil {
		return err
	}
	snap.Walk(p, depth, func(q resource.Path, n tree.Node) bool {
		if q != p && !visibleMember(n.Info(), memberFlags) {
			return false
		}
		descend := fn(q, n.Kind(), n.Info())
		// Members of closed projects are not accessible.
		return descend && n.Info().IsOpen(n.Kind())
	})
	return nil
}

// Location returns the local file system location of p.
func (w *Workspace) Location(p resource.Path) (string, bool) {
	if p.IsRoot() {
		return w.root, true
	}
	return w.aliases.LocationOf(p)
}

// accessible resolves p and rejects members of closed projects.
func (w *Workspace) accessible(op string, snap *tree.Snapshot, p resource.Path) (tree.Node, error) {
	n, ok := snap.Lookup(p)
	if !ok {
		return tree.Node{}, resource.NewError(op, p, resource.ErrNotFound)
	}
	if p.Depth() >= 2 {
		proj, _ := snap.Lookup(p.Project())
		if !proj.Info().IsOpen(resource.Project) {
			return tree.Node{}, resource.NewError(op, p, resource.ErrProjectClosed)
		}
	}
	return n, nil
}

// AddListener registers l for the events in mask.
func (w *Workspace) AddListener(l notify.Listener, mask notify.EventType) *notify.Registration {
	return w.broker.Add(l, mask, resource.AnyKind)
}

// AddListenerFor registers l for the events in mask that concern
// resources of the given kinds.
func (w *Workspace) AddListenerFor(l notify.Listener, mask notify.EventType, kinds resource.Kind) *notify.Registration {
	return w.broker.Add(l, mask, kinds)
}

// RemoveListener unregisters every registration of l.
func (w *Workspace) RemoveListener(l notify.Listener) {
	w.broker.RemoveListener(l)
}

func (w *Workspace) nextStamp() int64 {
	return w.stamp.Add(1)
}

func (w *Workspace) deltaOptions() delta.Options {
	return delta.Options{DefaultCharset: w.opts.DefaultCharset}
}
