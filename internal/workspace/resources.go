package workspace

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/rules"
	"github.com/fruitsalade/resources/internal/tree"
)

// wrap attributes err to p unless it already names a resource.
func wrap(op string, p resource.Path, err error) error {
	if err == nil {
		return nil
	}
	var re *resource.ResourceError
	if errors.As(err, &re) {
		return err
	}
	return &resource.ResourceError{Op: op, Path: p, Err: err}
}

// container resolves p as an accessible container that can take members.
func (w *Workspace) container(op string, snap *tree.Snapshot, p resource.Path) (tree.Node, error) {
	n, err := w.accessible(op, snap, p)
	if err != nil {
		return n, err
	}
	if !n.Kind().IsContainer() {
		return n, resource.Errorf(op, p, resource.ErrInvalidKind, "%s cannot have members", n.Kind())
	}
	if !n.Info().IsOpen(n.Kind()) {
		return n, resource.NewError(op, p, resource.ErrProjectClosed)
	}
	return n, nil
}

func (w *Workspace) file(op string, snap *tree.Snapshot, p resource.Path) (tree.Node, error) {
	n, err := w.accessible(op, snap, p)
	if err != nil {
		return n, err
	}
	if n.Kind() != resource.File {
		return n, resource.Errorf(op, p, resource.ErrInvalidKind, "%s is not a file", n.Kind())
	}
	return n, nil
}

// checkInSync compares the cached local stamp of file n with the local
// file system.
func (w *Workspace) checkInSync(op string, p resource.Path, n tree.Node) error {
	loc, ok := w.Location(p)
	if !ok {
		return nil
	}
	e, exists, err := w.local.Stat(loc)
	if err != nil {
		return wrap(op, p, err)
	}
	info := n.Info()
	switch {
	case !exists && info.Has(resource.FlagLocalExists):
		return resource.Errorf(op, p, resource.ErrOutOfSync, "%s was deleted", loc)
	case exists && info.Has(resource.FlagLocalExists) && e.Stamp != info.LocalStamp:
		return resource.Errorf(op, p, resource.ErrOutOfSync, "%s was modified", loc)
	case exists && !info.Has(resource.FlagLocalExists):
		return resource.Errorf(op, p, resource.ErrOutOfSync, "%s appeared", loc)
	}
	return nil
}

// CreateFolder creates a folder and its local directory.
func (w *Workspace) CreateFolder(ctx context.Context, p resource.Path, opts resource.Option) error {
	return w.do(ctx, "create folder", p, parentRule(p), func(ctx context.Context, op *operation) error {
		return w.createResource(ctx, op, "create folder", p, resource.Folder, nil, opts)
	})
}

// CreateFile creates a file holding data. Without Force an existing
// local file is an error.
func (w *Workspace) CreateFile(ctx context.Context, p resource.Path, data []byte, opts resource.Option) error {
	return w.do(ctx, "create file", p, parentRule(p), func(ctx context.Context, op *operation) error {
		return w.createResource(ctx, op, "create file", p, resource.File, data, opts)
	})
}

func (w *Workspace) createResource(ctx context.Context, op *operation, name string, p resource.Path, kind resource.Kind, data []byte, opts resource.Option) error {
	if p.Depth() < 2 {
		return resource.Errorf(name, p, resource.ErrInvalidPath, "a %s must be inside a project", kind)
	}
	snap := w.store.Current()
	if _, err := w.container(name, snap, p.Parent()); err != nil {
		return err
	}
	if snap.Exists(p) {
		return resource.NewError(name, p, resource.ErrAlreadyExists)
	}
	loc, _ := w.Location(p)
	e, exists, err := w.local.Stat(loc)
	if err != nil {
		return wrap(name, p, err)
	}
	if exists && !opts.Has(resource.Force) {
		return resource.Errorf(name, p, resource.ErrAlreadyExists, "%s exists in the local file system", loc)
	}
	if exists && e.Kind != kind {
		if err := w.local.Remove(loc); err != nil {
			return wrap(name, p, err)
		}
	}

	id := w.store.Identities().Next()
	info := resource.NewInfo()
	info.ModStamp = w.nextStamp()
	info.Set(resource.FlagLocalExists, true)
	if kind == resource.Folder {
		if err := w.local.Mkdir(loc); err != nil {
			return wrap(name, p, err)
		}
		if e, _, err := w.local.Stat(loc); err == nil {
			info.LocalStamp = e.Stamp
		}
	} else {
		stamp, err := w.local.Write(loc, data)
		if err != nil {
			return wrap(name, p, err)
		}
		hash, err := w.content.Put(ctx, id, data)
		if err != nil {
			return wrap(name, p, err)
		}
		info.ContentStamp = info.ModStamp
		info.LocalStamp = stamp
		info.ContentHash = hash
	}
	op.touch(p)
	_, err = w.store.CreateWithIdentity(p, kind, info, id)
	return err
}

// SetContents replaces the content of a file. Without Force the local
// file must match the cached state; with KeepHistory the previous
// content is kept in the content store.
func (w *Workspace) SetContents(ctx context.Context, p resource.Path, data []byte, opts resource.Option) error {
	const name = "set contents"
	return w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		n, err := w.file(name, w.store.Current(), p)
		if err != nil {
			return err
		}
		if !opts.Has(resource.Force) {
			if err := w.checkInSync(name, p, n); err != nil {
				return err
			}
		}
		if opts.Has(resource.KeepHistory) {
			if err := w.keepHistory(ctx, p, n); err != nil {
				return wrap(name, p, err)
			}
		}
		loc, _ := w.Location(p)
		stamp, err := w.local.Write(loc, data)
		if err != nil {
			return wrap(name, p, err)
		}
		hash, err := w.content.Put(ctx, n.Identity(), data)
		if err != nil {
			return wrap(name, p, err)
		}
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			info.ContentStamp = w.nextStamp()
			info.ContentHash = hash
			info.LocalStamp = stamp
			info.Set(resource.FlagLocalExists, true)
		})
	})
}

// keepHistory saves the current content of file n under its content stamp.
func (w *Workspace) keepHistory(ctx context.Context, p resource.Path, n tree.Node) error {
	if n.Info().ContentHash == "" {
		loc, _ := w.Location(p)
		data, err := w.local.Read(loc)
		if err != nil {
			return err
		}
		if _, err := w.content.Put(ctx, n.Identity(), data); err != nil {
			return err
		}
	}
	return w.content.Keep(ctx, n.Identity(), n.Info().ContentStamp)
}

// History returns the content file p had at content stamp stamp.
func (w *Workspace) History(ctx context.Context, p resource.Path, stamp int64) ([]byte, error) {
	n, err := w.file("history", w.store.Current(), p)
	if err != nil {
		return nil, err
	}
	data, err := w.content.History(ctx, n.Identity(), stamp)
	return data, wrap("history", p, err)
}

// GetContents returns the content of a file, read from the local file
// system or, when it is missing there, from the content store.
func (w *Workspace) GetContents(ctx context.Context, p resource.Path, opts resource.Option) ([]byte, error) {
	const name = "get contents"
	if err := w.checkOpen(name, p); err != nil {
		return nil, err
	}
	n, err := w.file(name, w.store.Current(), p)
	if err != nil {
		return nil, err
	}
	if !opts.Has(resource.Force) {
		if err := w.checkInSync(name, p, n); err != nil {
			return nil, err
		}
	}
	loc, _ := w.Location(p)
	data, err := w.local.Read(loc)
	if errors.Is(err, resource.ErrLocalMissing) {
		data, err = w.content.Get(ctx, n.Identity())
	}
	return data, wrap(name, p, err)
}

// Touch marks the content of p as changed.
func (w *Workspace) Touch(ctx context.Context, p resource.Path) error {
	return w.do(ctx, "touch", p, rules.Path(p), func(ctx context.Context, op *operation) error {
		n, err := w.accessible("touch", w.store.Current(), p)
		if err != nil {
			return err
		}
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			if n.Kind() == resource.File {
				info.ContentStamp = w.nextStamp()
			}
		})
	})
}

// Delete removes p and everything below it from the tree and the local
// file system. Resources that cannot be deleted are reported together
// in one error; everything else is deleted. Deleting a linked resource
// leaves its target untouched.
func (w *Workspace) Delete(ctx context.Context, p resource.Path, opts resource.Option) error {
	if p.IsRoot() {
		return resource.Errorf("delete", p, resource.ErrInvalidOperation, "the workspace root cannot be deleted")
	}
	if p.Depth() == 1 {
		return w.DeleteProject(ctx, p, opts)
	}
	return w.do(ctx, "delete", p, parentRule(p), func(ctx context.Context, op *operation) error {
		if _, err := w.accessible("delete", w.store.Current(), p); err != nil {
			return err
		}
		errs := resource.NewCollector("delete " + p.String())
		if _, err := w.deleteTree(ctx, op, p, opts, errs); err != nil {
			return err
		}
		return errs.Err()
	})
}

// deleteTree deletes p bottom-up and reports whether p is gone. The
// error is only set on cancellation.
func (w *Workspace) deleteTree(ctx context.Context, op *operation, p resource.Path, opts resource.Option, errs *resource.Collector) (bool, error) {
	if err := resource.CheckCanceled(ctx); err != nil {
		return false, err
	}
	n, ok := w.store.Lookup(p)
	if !ok {
		return true, nil
	}
	if w.aliases.IsRoot(p) {
		w.unlink(ctx, op, p)
		return true, nil
	}
	loc, _ := w.Location(p)

	if n.Kind() == resource.File {
		if !opts.Has(resource.Force) {
			if err := w.checkInSync("delete", p, n); err != nil {
				errs.Add(err)
				return false, nil
			}
		}
		if opts.Has(resource.KeepHistory) {
			if err := w.keepHistory(ctx, p, n); err != nil {
				logging.WithContext(ctx).Warn("keeping history failed", zap.String("path", p.String()), zap.Error(err))
			}
		}
		if err := w.local.Remove(loc); err != nil {
			errs.Add(wrap("delete", p, err))
			return false, nil
		}
		op.touch(p)
		if _, err := w.store.Delete(p); err != nil {
			errs.Add(err)
			return false, nil
		}
		if !opts.Has(resource.KeepHistory) {
			if err := w.content.Delete(ctx, n.Identity()); err != nil {
				logging.WithContext(ctx).Warn("dropping content failed", zap.String("path", p.String()), zap.Error(err))
			}
		}
		return true, nil
	}

	all := true
	for _, name := range n.Names() {
		gone, err := w.deleteTree(ctx, op, p.Append(name), opts, errs)
		if err != nil {
			return false, err
		}
		all = all && gone
	}
	if !all {
		return false, nil
	}
	if !opts.Has(resource.Force) && n.Info().Has(resource.FlagLocalExists) {
		// Whatever is left locally was never part of the tree.
		if entries, err := w.local.List(loc); err == nil && len(entries) > 0 {
			errs.Add(resource.Errorf("delete", p, resource.ErrOutOfSync, "%s holds %d unknown entries", loc, len(entries)))
			return false, nil
		}
	}
	if err := w.local.Remove(loc); err != nil {
		errs.Add(wrap("delete", p, err))
		return false, nil
	}
	op.touch(p)
	if _, err := w.store.Delete(p); err != nil {
		errs.Add(err)
		return false, nil
	}
	return true, nil
}

// unlink drops a linked resource from the tree without touching its
// target.
func (w *Workspace) unlink(ctx context.Context, op *operation, p resource.Path) {
	snap := w.store.Current()
	var files []resource.Identity
	snap.Walk(p, resource.DepthInfinite, func(_ resource.Path, n tree.Node) bool {
		if n.Kind() == resource.File {
			files = append(files, n.Identity())
		}
		return true
	})
	op.touch(p)
	if _, err := w.store.Delete(p); err != nil {
		return
	}
	w.aliases.OnLinkRemoved(p)
	for _, id := range files {
		if err := w.content.Delete(ctx, id); err != nil {
			logging.WithContext(ctx).Warn("dropping content failed", zap.Error(err))
		}
	}
}

// outOfSync lists the files below p whose local state differs from the
// cached one.
func (w *Workspace) outOfSync(snap *tree.Snapshot, p resource.Path) []error {
	var out []error
	snap.Walk(p, resource.DepthInfinite, func(q resource.Path, n tree.Node) bool {
		if n.Kind() == resource.File {
			if err := w.checkInSync("check", q, n); err != nil {
				out = append(out, err)
			}
		}
		return true
	})
	return out
}

// relocation validates the common preconditions of Move and Copy.
func (w *Workspace) relocation(op string, snap *tree.Snapshot, src, dst resource.Path) (tree.Node, error) {
	n, err := w.accessible(op, snap, src)
	if err != nil {
		return n, err
	}
	if n.Kind() == resource.Project || n.Kind() == resource.Root {
		return n, resource.Errorf(op, src, resource.ErrInvalidKind, "a %s cannot be relocated", n.Kind())
	}
	if dst.Depth() < 2 {
		return n, resource.Errorf(op, dst, resource.ErrInvalidPath, "destination must be inside a project")
	}
	if src.IsPrefixOf(dst) {
		return n, resource.Errorf(op, dst, resource.ErrInvalidPath, "destination is inside %s", src)
	}
	if _, err := w.container(op, snap, dst.Parent()); err != nil {
		return n, err
	}
	if snap.Exists(dst) {
		return n, resource.NewError(op, dst, resource.ErrAlreadyExists)
	}
	return n, nil
}

// Move moves p to dst keeping the identity of every moved resource.
// Moving a linked resource moves the link and not its target.
func (w *Workspace) Move(ctx context.Context, src, dst resource.Path, opts resource.Option) error {
	const name = "move"
	rule := rules.Combine(parentRule(src), parentRule(dst))
	return w.do(ctx, name, src, rule, func(ctx context.Context, op *operation) error {
		snap := w.store.Current()
		if _, err := w.relocation(name, snap, src, dst); err != nil {
			return err
		}
		if !opts.Has(resource.Force) {
			if errs := w.outOfSync(snap, src); len(errs) > 0 {
				c := resource.NewCollector("move " + src.String())
				for _, err := range errs {
					c.Add(err)
				}
				return c.Err()
			}
		}
		if !w.aliases.IsRoot(src) {
			srcLoc, _ := w.Location(src)
			dstLoc, _ := w.Location(dst)
			if err := w.local.Rename(srcLoc, dstLoc); err != nil {
				return wrap(name, src, err)
			}
		}
		op.touch(src, dst)
		if _, err := w.store.Move(src, dst); err != nil {
			return err
		}
		w.aliases.OnMoved(src, dst)
		return nil
	})
}

// Copy copies p to dst. Copies are independent resources with their own
// identities. A linked resource is copied as a link to the same target
// when Shallow is set, and as a plain resource otherwise.
func (w *Workspace) Copy(ctx context.Context, src, dst resource.Path, opts resource.Option) error {
	const name = "copy"
	return w.do(ctx, name, dst, parentRule(dst), func(ctx context.Context, op *operation) error {
		snap := w.store.Current()
		n, err := w.relocation(name, snap, src, dst)
		if err != nil {
			return err
		}
		op.touch(dst)
		if _, err := w.store.Copy(src, dst, true); err != nil {
			return err
		}

		errs := resource.NewCollector("copy " + src.String())
		if w.aliases.IsRoot(src) && opts.Has(resource.Shallow) {
			loc, _ := w.aliases.LocationOf(src)
			w.aliases.OnLinkCreated(dst, loc)
			return nil
		}
		if n.Info().Has(resource.FlagLinked) {
			if err := w.updateInfo(op, dst, func(info *resource.ElementInfo) {
				info.Set(resource.FlagLinked, false)
				info.Location = ""
			}); err != nil {
				return err
			}
		}

		var canceled error
		snap.Walk(src, resource.DepthInfinite, func(q resource.Path, sn tree.Node) bool {
			if canceled = resource.CheckCanceled(ctx); canceled != nil {
				return false
			}
			target := q.Rebase(src, dst)
			if q != src && w.aliases.IsRoot(q) {
				loc, _ := w.aliases.LocationOf(q)
				w.aliases.OnLinkCreated(target, loc)
				return false
			}
			if err := w.copyLocal(ctx, op, q, target, sn); err != nil {
				errs.Add(err)
				return false
			}
			return true
		})
		if canceled != nil {
			return canceled
		}
		return errs.Err()
	})
}

// copyLocal duplicates the local state and content of one copied resource.
func (w *Workspace) copyLocal(ctx context.Context, op *operation, src, dst resource.Path, sn tree.Node) error {
	dn, ok := w.store.Lookup(dst)
	if !ok {
		return resource.NewError("copy", dst, resource.ErrNotFound)
	}
	srcLoc, _ := w.Location(src)
	dstLoc, _ := w.Location(dst)

	var stamp int64
	var err error
	if sn.Kind() == resource.File {
		var data []byte
		data, err = w.local.Read(srcLoc)
		if err == nil {
			stamp, err = w.local.Write(dstLoc, data)
		}
		if err == nil {
			err = w.content.Copy(ctx, sn.Identity(), dn.Identity())
		}
	} else {
		err = w.local.Mkdir(dstLoc)
		if err == nil {
			if e, _, serr := w.local.Stat(dstLoc); serr == nil {
				stamp = e.Stamp
			}
		}
	}
	if err != nil {
		if uerr := w.updateInfo(op, dst, func(info *resource.ElementInfo) {
			info.Set(resource.FlagLocalExists, false)
		}); uerr != nil {
			logging.WithContext(ctx).Warn("marking copy as missing failed", zap.Error(uerr))
		}
		return wrap("copy", dst, err)
	}
	return w.updateInfo(op, dst, func(info *resource.ElementInfo) {
		info.LocalStamp = stamp
		info.Set(resource.FlagLocalExists, true)
	})
}
