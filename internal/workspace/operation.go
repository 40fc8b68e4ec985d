package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/alias"
	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/jobs"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/notify"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/rules"
	"github.com/fruitsalade/resources/internal/tree"
)

// operation collects the mutations of one outermost Run.
type operation struct {
	id     string
	rule   rules.Rule
	before *tree.Snapshot
	start  time.Time

	mu      sync.Mutex
	touched []resource.Path
	// after pins the snapshot to diff against; nil means the current one.
	after *tree.Snapshot
	// noBuild suppresses the autobuild after commit.
	noBuild bool
	// deferred operations commit right after this one.
	deferred []*operation
	// pending holds alias updates handed over by other operations
	// because their targets lie under this operation's rule.
	pending []alias.Mirror
}

func (op *operation) touch(ps ...resource.Path) {
	op.mu.Lock()
	op.touched = append(op.touched, ps...)
	op.mu.Unlock()
}

func (op *operation) touchedPaths() []resource.Path {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]resource.Path{}, op.touched...)
}

type opKey struct{}

func withOperation(ctx context.Context, op *operation) context.Context {
	return context.WithValue(ctx, opKey{}, op)
}

func operationFrom(ctx context.Context) *operation {
	op, _ := ctx.Value(opKey{}).(*operation)
	return op
}

// Run runs fn as one operation holding rule. Changes made by fn, or by
// operations nested in it, are reported in one delta when the outermost
// operation ends. A nested Run must use a rule contained in the outer
// one; a nil rule inherits the outer rule, or locks the whole workspace
// when there is none.
//
// fn must pass the context it receives to every workspace call.
func (w *Workspace) Run(ctx context.Context, rule rules.Rule, fn func(ctx context.Context) error) error {
	return w.do(ctx, "run", resource.RootPath, rule, func(ctx context.Context, _ *operation) error {
		return fn(ctx)
	})
}

// do runs fn inside the operation carried by ctx, or inside a new
// outermost operation holding rule.
func (w *Workspace) do(ctx context.Context, name string, p resource.Path, rule rules.Rule, fn func(context.Context, *operation) error) error {
	if err := w.checkOpen(name, p); err != nil {
		return err
	}
	if phase, ok := notify.PhaseFrom(ctx); ok && notify.Locked(phase) {
		return resource.Errorf(name, p, resource.ErrReentrancy, "called from a %s listener", phase)
	}
	if op := operationFrom(ctx); op != nil {
		if rule != nil && !op.rule.Contains(rule) {
			return resource.Errorf(name, p, resource.ErrRuleScope, "%s is not contained in %s", rule, op.rule)
		}
		return fn(ctx, op)
	}
	if rule == nil {
		rule = rules.Root
	}
	if err := resource.CheckCanceled(ctx); err != nil {
		return err
	}

	release, err := w.acquire(ctx, name, p, rule)
	if err != nil {
		return err
	}
	op := w.begin(rule)
	octx := logging.WithOperation(withOperation(ctx, op), op.id, zap.String("op", name), zap.String("path", p.String()))
	err = fn(octx, op)
	w.end(octx, op, release)
	metrics.RecordOperation(time.Since(op.start), err == nil)
	return err
}

// acquire takes rule for a new outermost operation. While a listener
// phase runs, a caller other than a job may be that listener calling
// back with a context of its own, so it must not wait: it fails when the
// tree is locked or when rule is taken.
func (w *Workspace) acquire(ctx context.Context, name string, p resource.Path, rule rules.Rule) (func(), error) {
	if w.dispatching.Load() == 0 {
		return w.rules.Acquire(ctx, rule)
	}
	if _, ok := jobs.FromContext(ctx); ok {
		return w.rules.Acquire(ctx, rule)
	}
	if w.locked.Load() > 0 {
		return nil, resource.Errorf(name, p, resource.ErrReentrancy, "the tree is locked while listeners are notified")
	}
	if release, ok := w.rules.TryAcquire(rule); ok {
		return release, nil
	}
	return nil, resource.Errorf(name, p, resource.ErrReentrancy, "%s is held by the notifying operation; listeners must pass on their context", rule)
}

func (w *Workspace) begin(rule rules.Rule) *operation {
	w.liveMu.Lock()
	defer w.liveMu.Unlock()
	op := &operation{
		id:      ulid.Make().String(),
		rule:    rule,
		before:  w.store.Current(),
		start:   time.Now(),
		touched: []resource.Path{},
	}
	w.live[op] = struct{}{}
	return op
}

// end commits op, releases its rule and notifies POST_CHANGE listeners.
// Commits are strictly ordered; work done by fn is never rolled back.
func (w *Workspace) end(ctx context.Context, op *operation, release func()) {
	// Notifications run even if the caller gave up.
	ctx = context.WithoutCancel(ctx)

	w.commitMu.Lock()
	d := w.commit(ctx, op)
	release()
	changed := w.notifyChange(ctx, d)
	for _, deferred := range op.deferred {
		if w.notifyChange(ctx, w.commit(ctx, deferred)) {
			logging.WithContext(ctx).Debug("committed deferred operation", zap.String("deferred_op", deferred.id))
		}
	}
	if w.store.MaybeCollapse() {
		metrics.RecordCollapse()
		metrics.SetTreeNodes(w.store.Current().Count())
		logging.WithContext(ctx).Debug("collapsed resource tree",
			zap.Uint64("generation", w.store.Current().Generation()),
			zap.Int("collapses", w.store.Collapses()))
	}
	w.commitMu.Unlock()

	if changed && !op.noBuild {
		w.scheduleAutoBuild()
	}
}

// commit diffs op and brings every alias of a changed resource up to
// date. An alias under the rule of another running operation is handed
// to that operation, which updates and reports it when it commits.
// Callers hold commitMu.
func (w *Workspace) commit(ctx context.Context, op *operation) *delta.Node {
	start := time.Now()
	op.mu.Lock()
	pending := op.pending
	op.pending = nil
	after := op.after
	op.mu.Unlock()
	if len(pending) > 0 {
		w.applyMirrors(ctx, pending)
		for _, m := range pending {
			op.touch(m.Target)
		}
	}
	if after == nil {
		after = w.store.Current()
	}

	d := delta.Compute(op.before, after, op.touchedPaths(), w.deltaOptions())

	w.liveMu.Lock()
	delete(w.live, op)
	mirrors := w.handOver(ctx, op, w.aliases.Mirrors(d), pending)
	w.applyMirrors(ctx, mirrors)
	w.liveMu.Unlock()
	d = delta.Merge(d, alias.Entries(mirrors))

	changes := d.Changes()
	for _, e := range changes {
		metrics.RecordDeltaNode(e.Kind.String())
	}
	metrics.RecordCommit(time.Since(start))
	logging.WithContext(ctx).Debug("operation committed",
		zap.Int("changes", len(changes)),
		zap.Int("mirrored", len(mirrors)),
		zap.Int("handed_over", len(pending)),
		zap.Uint64("generation", after.Generation()),
		zap.Duration("duration", time.Since(op.start)))
	return d
}

// handOver passes each mirror whose target lies under the rule of
// another running operation to that operation and returns the others.
// Mirrors of changes that op received from elsewhere are dropped: their
// origin reported them already. Callers hold liveMu.
func (w *Workspace) handOver(ctx context.Context, op *operation, mirrors, received []alias.Mirror) []alias.Mirror {
	var out []alias.Mirror
next:
	for _, m := range mirrors {
		for _, r := range received {
			if r.Target.IsPrefixOf(m.Source) {
				continue next
			}
		}
		target := rules.Path(m.Target)
		if !op.rule.Contains(target) {
			for other := range w.live {
				if !other.rule.Conflicts(target) {
					continue
				}
				other.mu.Lock()
				other.pending = append(other.pending, m)
				other.mu.Unlock()
				logging.WithContext(ctx).Debug("alias update handed over",
					zap.String("target", m.Target.String()),
					zap.String("to_op", other.id))
				continue next
			}
		}
		out = append(out, m)
	}
	return out
}

func (w *Workspace) notifyChange(ctx context.Context, d *delta.Node) bool {
	if d.IsEmpty() {
		return false
	}
	w.dispatch(ctx, &notify.Event{Type: notify.PostChange, Source: resource.RootPath, Delta: d})
	return true
}

// dispatch notifies listeners of ev on the calling goroutine.
func (w *Workspace) dispatch(ctx context.Context, ev *notify.Event) {
	w.dispatching.Add(1)
	defer w.dispatching.Add(-1)
	if notify.Locked(ev.Type) {
		w.locked.Add(1)
		defer w.locked.Add(-1)
	}
	// Listener failures are logged by the broker.
	_ = w.broker.Dispatch(ctx, ev)
}

// applyMirrors replays changes onto the other aliases of their
// location so the tree agrees with the delta that reports them.
func (w *Workspace) applyMirrors(ctx context.Context, mirrors []alias.Mirror) {
	for _, m := range mirrors {
		if err := w.applyMirror(ctx, m); err != nil {
			logging.WithContext(ctx).Warn("alias update failed",
				zap.String("source", m.Source.String()),
				zap.String("target", m.Target.String()),
				zap.Error(err))
		}
	}
	metrics.SetAliasRoots(w.aliases.Len())
}

func (w *Workspace) applyMirror(ctx context.Context, m alias.Mirror) error {
	snap := w.store.Current()
	src, srcOK := snap.Lookup(m.Source)
	_, tgtOK := snap.Lookup(m.Target)

	switch {
	case m.Kind == delta.Removed:
		if tgtOK {
			_, err := w.store.Delete(m.Target)
			return err
		}
	case m.Kind == delta.Added || m.Flags.Has(delta.Replaced):
		if tgtOK && m.Kind == delta.Added {
			return nil
		}
		if tgtOK {
			if _, err := w.store.Delete(m.Target); err != nil {
				return err
			}
		}
		if srcOK {
			if _, err := w.store.Copy(m.Source, m.Target, true); err != nil {
				return err
			}
			return w.mirrorContent(ctx, m.Source, m.Target)
		}
	case srcOK && tgtOK:
		tgt, _ := snap.Lookup(m.Target)
		if m.Flags.Has(delta.Type) {
			if _, err := w.store.SetKind(m.Target, src.Kind()); err != nil {
				return err
			}
		}
		info := mirrorInfo(src.Info(), tgt.Info(), m.Flags)
		_, err := w.store.SetInfo(m.Target, info)
		return err
	}
	return nil
}

// mirrorContent gives every file copied from src to dst its own copy of
// the stored content.
func (w *Workspace) mirrorContent(ctx context.Context, src, dst resource.Path) error {
	snap := w.store.Current()
	errs := resource.NewCollector("mirror " + dst.String())
	snap.Walk(src, resource.DepthInfinite, func(q resource.Path, sn tree.Node) bool {
		if sn.Kind() != resource.File {
			return true
		}
		if dn, ok := snap.Lookup(q.Rebase(src, dst)); ok {
			errs.Add(w.content.Copy(ctx, sn.Identity(), dn.Identity()))
		}
		return true
	})
	return errs.Err()
}

// mirrorInfo copies the fields named by flags from src onto a copy of tgt.
func mirrorInfo(src, tgt *resource.ElementInfo, flags delta.Flags) *resource.ElementInfo {
	out := tgt.Clone()
	s := src.Clone()
	if flags.Has(delta.Content) {
		out.ContentStamp = s.ContentStamp
		out.ContentHash = s.ContentHash
		out.LocalStamp = s.LocalStamp
	}
	if flags.Has(delta.Encoding) {
		out.Charset = s.Charset
	}
	if flags.Has(delta.Sync) {
		out.SyncInfo = s.SyncInfo
	}
	if flags.Has(delta.Markers) {
		out.Markers = s.Markers
	}
	if flags.Has(delta.DerivedChanged) {
		out.Set(resource.FlagDerived, s.Has(resource.FlagDerived))
	}
	if flags.Has(delta.LocalChanged) {
		out.Set(resource.FlagLocalExists, s.Has(resource.FlagLocalExists))
	}
	out.ModStamp = s.ModStamp
	return out
}

// updateInfo applies fn to a copy of the payload of p and stores it
// with a fresh modification stamp.
func (w *Workspace) updateInfo(op *operation, p resource.Path, fn func(*resource.ElementInfo)) error {
	n, ok := w.store.Lookup(p)
	if !ok {
		return resource.NewError("update", p, resource.ErrNotFound)
	}
	info := n.Info().Clone()
	fn(info)
	info.ModStamp = w.nextStamp()
	op.touch(p)
	_, err := w.store.SetInfo(p, info)
	return err
}

// parentRule is the rule implied by creating or deleting p.
func parentRule(p resource.Path) rules.Rule {
	if p.IsRoot() {
		return rules.Root
	}
	return rules.Path(p.Parent())
}
