package workspace

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/alias"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/resource"
)

// CreateLink creates a file or folder at p that stores its content at
// location instead of below its parent. The location must exist unless
// AllowMissingLocal is set. With Replace an existing link at p is
// pointed at the new location.
func (w *Workspace) CreateLink(ctx context.Context, p resource.Path, location string, kind resource.Kind, opts resource.Option) error {
	const name = "create link"
	return w.do(ctx, name, p, parentRule(p), func(ctx context.Context, op *operation) error {
		if kind != resource.File && kind != resource.Folder {
			return resource.Errorf(name, p, resource.ErrInvalidKind, "a %s cannot be linked", kind)
		}
		if p.Depth() < 2 {
			return resource.Errorf(name, p, resource.ErrInvalidPath, "a link must be inside a project")
		}
		snap := w.store.Current()
		if _, err := w.container(name, snap, p.Parent()); err != nil {
			return err
		}

		abs, err := filepath.Abs(location)
		if err != nil {
			return wrap(name, p, err)
		}
		loc := alias.Canonical(abs)
		projLoc, _ := w.aliases.LocationOf(p.Project())
		if err := alias.CheckOverlap(p, loc, projLoc); err != nil {
			return err
		}

		e, exists, err := w.local.Stat(loc)
		if err != nil {
			return wrap(name, p, err)
		}
		if !exists && !opts.Has(resource.AllowMissingLocal) {
			return resource.Errorf(name, p, resource.ErrLocalMissing, "%s does not exist", loc)
		}
		if exists && e.Kind != kind {
			return resource.Errorf(name, p, resource.ErrInvalidKind, "%s is a %s", loc, e.Kind)
		}

		if existing, ok := snap.Lookup(p); ok {
			if !opts.Has(resource.Replace) || !existing.Info().Has(resource.FlagLinked) || existing.Kind() != kind {
				return resource.NewError(name, p, resource.ErrAlreadyExists)
			}
			return w.relink(ctx, op, p, loc, exists, e.Stamp)
		}

		info := resource.NewInfo()
		info.ModStamp = w.nextStamp()
		info.Set(resource.FlagLinked, true)
		info.Set(resource.FlagLocalExists, exists)
		info.Location = loc
		if exists && kind == resource.Folder {
			info.LocalStamp = e.Stamp
		}
		op.touch(p)
		if _, err := w.store.Create(p, kind, info); err != nil {
			return err
		}
		w.aliases.OnLinkCreated(p, loc)
		logging.WithContext(ctx).Info("link created", zap.String("path", p.String()), zap.String("location", loc))
		if opts.Has(resource.BackgroundRefresh) {
			_, err := w.RefreshInBackground(p, resource.DepthInfinite)
			return err
		}
		return w.reconcile(ctx, op, p, resource.DepthInfinite)
	})
}

// relink points the existing link p at loc and reloads its members.
func (w *Workspace) relink(ctx context.Context, op *operation, p resource.Path, loc string, exists bool, stamp int64) error {
	n, _ := w.store.Lookup(p)
	for _, child := range n.Names() {
		q := p.Append(child)
		op.touch(q)
		if _, err := w.store.Delete(q); err != nil {
			return err
		}
		w.aliases.OnLinkRemoved(q)
	}
	kind := n.Kind()
	if err := w.updateInfo(op, p, func(info *resource.ElementInfo) {
		info.Location = loc
		info.Set(resource.FlagLocalExists, exists && kind == resource.Folder)
		info.LocalStamp = resource.NullStamp
		if exists && kind == resource.Folder {
			info.LocalStamp = stamp
		}
	}); err != nil {
		return err
	}
	w.aliases.OnLinkCreated(p, loc)
	logging.WithContext(ctx).Info("link replaced", zap.String("path", p.String()), zap.String("location", loc))
	return w.reconcile(ctx, op, p, resource.DepthInfinite)
}

// IsLinked reports whether p is a linked resource. With deep set, a
// resource below a linked folder counts as linked too.
func (w *Workspace) IsLinked(p resource.Path, deep bool) bool {
	snap := w.store.Current()
	if !deep {
		n, ok := snap.Lookup(p)
		return ok && n.Info().Has(resource.FlagLinked)
	}
	for _, q := range p.Lineage() {
		if n, ok := snap.Lookup(q); ok && n.Info().Has(resource.FlagLinked) {
			return true
		}
	}
	return false
}

// Unlink removes the link at p without touching its target.
func (w *Workspace) Unlink(ctx context.Context, p resource.Path) error {
	const name = "unlink"
	return w.do(ctx, name, p, parentRule(p), func(ctx context.Context, op *operation) error {
		n, err := w.accessible(name, w.store.Current(), p)
		if err != nil {
			return err
		}
		if !n.Info().Has(resource.FlagLinked) {
			return resource.Errorf(name, p, resource.ErrInvalidOperation, "%s is not linked", p)
		}
		w.unlink(ctx, op, p)
		return nil
	})
}
