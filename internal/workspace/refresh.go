package workspace

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/jobs"
	"github.com/fruitsalade/resources/internal/localfs"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/notify"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/rules"
	"github.com/fruitsalade/resources/internal/tree"
)

// Refresh brings p and its members down to depth in line with the
// local file system. PRE_REFRESH listeners run first, inside the
// refresh operation.
func (w *Workspace) Refresh(ctx context.Context, p resource.Path, depth resource.Depth) error {
	const name = "refresh"
	start := time.Now()
	err := w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		if _, err := w.accessible(name, w.store.Current(), p); err != nil {
			return err
		}
		source := resource.RootPath
		if !p.IsRoot() {
			source = p.Project()
		}
		w.dispatch(ctx, &notify.Event{Type: notify.PreRefresh, Source: source})
		return w.reconcile(ctx, op, p, depth)
	})
	metrics.RecordRefresh(time.Since(start))
	logging.WithContext(ctx).Debug("refresh finished",
		zap.String("path", p.String()),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

// RefreshInBackground schedules a refresh of p as a manual refresh job.
func (w *Workspace) RefreshInBackground(p resource.Path, depth resource.Depth) (*jobs.Job, error) {
	if err := w.checkOpen("refresh", p); err != nil {
		return nil, err
	}
	return w.jobs.Schedule(jobs.FamilyManualRefresh, "refresh "+p.String(), 0, func(ctx context.Context) error {
		return w.Refresh(ctx, p, depth)
	})
}

// AutoRefresh schedules refreshes for every resource that denotes
// location. A location that is not in the tree yet refreshes its
// nearest known ancestor. Pending refreshes of the same resource are
// coalesced.
func (w *Workspace) AutoRefresh(location string) {
	if w.closed.Load() {
		return
	}
	snap := w.store.Current()
	for _, p := range w.aliases.AliasesOf(location) {
		target, depth := p, resource.DepthZero
		for !target.IsRoot() && !snap.Exists(target) {
			target, depth = target.Parent(), resource.DepthInfinite
		}
		if target.IsRoot() {
			continue
		}
		_, err := w.jobs.ScheduleOnce(jobs.FamilyAutoRefresh, fmt.Sprintf("%s@%d", target, depth), 0, func(ctx context.Context) error {
			return w.Refresh(ctx, target, depth)
		})
		if err != nil {
			logging.Debug("auto-refresh not scheduled", zap.String("path", target.String()), zap.Error(err))
		}
	}
}

// reconcile updates p and its members down to depth from the local
// file system. Members of closed projects are left alone.
func (w *Workspace) reconcile(ctx context.Context, op *operation, p resource.Path, depth resource.Depth) error {
	if err := resource.CheckCanceled(ctx); err != nil {
		return err
	}
	n, ok := w.store.Lookup(p)
	if !ok {
		return nil
	}
	switch n.Kind() {
	case resource.Root:
		next, more := depth.Next()
		if !more {
			return nil
		}
		for _, name := range n.Names() {
			if err := w.reconcile(ctx, op, p.Append(name), next); err != nil {
				return err
			}
		}
		return nil
	case resource.Project:
		if !n.Info().IsOpen(resource.Project) {
			return nil
		}
	}

	loc, ok := w.Location(p)
	if !ok {
		return nil
	}
	e, exists, err := w.local.Stat(loc)
	if err != nil {
		return wrap("refresh", p, err)
	}
	want := n.Kind()
	if want == resource.Project {
		want = resource.Folder
	}
	switch {
	case !exists:
		return w.reconcileMissing(ctx, op, p, n)
	case e.Kind != want && (n.Kind() == resource.Project || n.Info().Has(resource.FlagLinked)):
		return w.reconcileMissing(ctx, op, p, n)
	case e.Kind != want:
		// The entry changed kind: it is a different resource now.
		w.unlink(ctx, op, p)
		return w.importEntry(ctx, op, p, loc, e, depth)
	}

	if n.Kind() == resource.File {
		if n.Info().Has(resource.FlagLocalExists) && e.Stamp == n.Info().LocalStamp {
			return nil
		}
		data, err := w.local.Read(loc)
		if err != nil {
			return wrap("refresh", p, err)
		}
		hash, err := w.content.Put(ctx, n.Identity(), data)
		if err != nil {
			return wrap("refresh", p, err)
		}
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			info.ContentStamp = w.nextStamp()
			info.ContentHash = hash
			info.LocalStamp = e.Stamp
			info.Set(resource.FlagLocalExists, true)
		})
	}

	if !n.Info().Has(resource.FlagLocalExists) {
		if err := w.updateInfo(op, p, func(info *resource.ElementInfo) {
			info.LocalStamp = e.Stamp
			info.Set(resource.FlagLocalExists, true)
		}); err != nil {
			return err
		}
	}
	next, more := depth.Next()
	if !more {
		return nil
	}
	entries, err := w.local.List(loc)
	if err != nil {
		return wrap("refresh", p, err)
	}
	known := make(map[string]bool, n.NumChildren())
	for _, name := range n.Names() {
		known[name] = true
		if err := w.reconcile(ctx, op, p.Append(name), next); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		if known[entry.Name] {
			continue
		}
		if err := w.importEntry(ctx, op, p.Append(entry.Name), loc+"/"+entry.Name, entry, next); err != nil {
			return err
		}
	}
	return nil
}

// reconcileMissing handles a resource whose location is gone. Projects
// and linked resources stay in the tree and are marked missing; anything
// else is dropped.
func (w *Workspace) reconcileMissing(ctx context.Context, op *operation, p resource.Path, n tree.Node) error {
	if n.Kind() != resource.Project && !n.Info().Has(resource.FlagLinked) {
		w.unlink(ctx, op, p)
		return nil
	}
	if n.Info().Has(resource.FlagLinked) {
		for _, name := range n.Names() {
			w.unlink(ctx, op, p.Append(name))
		}
	}
	if !n.Info().Has(resource.FlagLocalExists) {
		return nil
	}
	return w.updateInfo(op, p, func(info *resource.ElementInfo) {
		info.LocalStamp = resource.NullStamp
		info.Set(resource.FlagLocalExists, false)
	})
}

// importEntry adds a resource for a local entry that the tree does not
// know yet, with its members down to depth.
func (w *Workspace) importEntry(ctx context.Context, op *operation, p resource.Path, loc string, e localfs.Entry, depth resource.Depth) error {
	if err := resource.CheckCanceled(ctx); err != nil {
		return err
	}
	id := w.store.Identities().Next()
	info := resource.NewInfo()
	info.ModStamp = w.nextStamp()
	info.LocalStamp = e.Stamp
	info.Set(resource.FlagLocalExists, true)
	if e.Kind == resource.File {
		data, err := w.local.Read(loc)
		if err != nil {
			return wrap("refresh", p, err)
		}
		hash, err := w.content.Put(ctx, id, data)
		if err != nil {
			return wrap("refresh", p, err)
		}
		info.ContentStamp = info.ModStamp
		info.ContentHash = hash
	}
	op.touch(p)
	if _, err := w.store.CreateWithIdentity(p, e.Kind, info, id); err != nil {
		return err
	}
	if e.Kind != resource.Folder {
		return nil
	}
	next, more := depth.Next()
	if !more {
		return nil
	}
	entries, err := w.local.List(loc)
	if err != nil {
		return wrap("refresh", p, err)
	}
	for _, child := range entries {
		if err := w.importEntry(ctx, op, p.Append(child.Name), loc+"/"+child.Name, child, next); err != nil {
			return err
		}
	}
	return nil
}
