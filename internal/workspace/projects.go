package workspace

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/alias"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/notify"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/rules"
	"github.com/fruitsalade/resources/internal/tree"
)

// Projects lists the projects in byte-wise order.
func (w *Workspace) Projects() []resource.Path {
	root := w.store.Current().Root()
	var out []resource.Path
	for _, c := range root.Children() {
		out = append(out, resource.RootPath.Append(c.Name))
	}
	return out
}

func (w *Workspace) projectLocation(p resource.Path, desc *resource.Description) string {
	if desc != nil && desc.Location != "" {
		if abs, err := filepath.Abs(desc.Location); err == nil {
			return alias.Canonical(abs)
		}
		return alias.Canonical(desc.Location)
	}
	return w.root + "/" + p.Name()
}

// CreateProject creates a closed project. Its location is the
// description's location or a directory named after it under the
// workspace root.
func (w *Workspace) CreateProject(ctx context.Context, p resource.Path, desc *resource.Description) error {
	const name = "create project"
	return w.do(ctx, name, p, parentRule(p), func(ctx context.Context, op *operation) error {
		if p.Depth() != 1 {
			return resource.Errorf(name, p, resource.ErrInvalidPath, "projects live directly under the root")
		}
		snap := w.store.Current()
		if snap.Exists(p) {
			return resource.NewError(name, p, resource.ErrAlreadyExists)
		}
		loc := w.projectLocation(p, desc)
		for _, other := range w.Projects() {
			otherLoc, _ := w.aliases.LocationOf(other)
			if err := alias.CheckOverlap(p, loc, otherLoc); err != nil {
				return resource.Errorf(name, p, resource.ErrOverlap, "location %s overlaps project %s", loc, other)
			}
		}
		if err := w.local.Mkdir(loc); err != nil {
			return wrap(name, p, err)
		}

		info := resource.NewInfo()
		info.ModStamp = w.nextStamp()
		info.Set(resource.FlagLocalExists, true)
		info.Description = desc.Clone()
		if info.Description == nil {
			info.Description = &resource.Description{}
		}
		if desc != nil && desc.Location != "" {
			info.Description.Location = loc
		}
		op.touch(p)
		if _, err := w.store.Create(p, resource.Project, info); err != nil {
			return err
		}
		w.aliases.Add(p, loc)
		logging.WithContext(ctx).Info("project created", zap.String("project", p.String()), zap.String("location", loc))
		return nil
	})
}

func (w *Workspace) project(op string, p resource.Path) (tree.Node, error) {
	n, ok := w.store.Lookup(p)
	if !ok {
		return n, resource.NewError(op, p, resource.ErrNotFound)
	}
	if n.Kind() != resource.Project {
		return n, resource.Errorf(op, p, resource.ErrInvalidKind, "%s is not a project", n.Kind())
	}
	return n, nil
}

// IsOpen reports whether project p is open.
func (w *Workspace) IsOpen(p resource.Path) bool {
	n, ok := w.store.Lookup(p)
	return ok && n.Info().IsOpen(n.Kind())
}

// OpenProject opens p and reconciles its members with the local file
// system.
func (w *Workspace) OpenProject(ctx context.Context, p resource.Path) error {
	const name = "open project"
	return w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		n, err := w.project(name, p)
		if err != nil {
			return err
		}
		if n.Info().IsOpen(resource.Project) {
			return nil
		}
		if err := w.updateInfo(op, p, func(info *resource.ElementInfo) {
			info.Set(resource.FlagOpen, true)
		}); err != nil {
			return err
		}
		return w.reconcile(ctx, op, p, resource.DepthInfinite)
	})
}

// CloseProject closes p after notifying PRE_CLOSE listeners. Members of
// a closed project are kept but not accessible.
func (w *Workspace) CloseProject(ctx context.Context, p resource.Path) error {
	const name = "close project"
	return w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		n, err := w.project(name, p)
		if err != nil {
			return err
		}
		if !n.Info().IsOpen(resource.Project) {
			return nil
		}
		w.dispatch(ctx, &notify.Event{Type: notify.PreClose, Source: p})
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			info.Set(resource.FlagOpen, false)
		})
	})
}

// DeleteProject deletes p after notifying PRE_DELETE listeners. The
// local content is deleted with AlwaysDeleteProjectContent, kept with
// NeverDeleteProjectContent, and otherwise deleted only if p is open.
func (w *Workspace) DeleteProject(ctx context.Context, p resource.Path, opts resource.Option) error {
	const name = "delete project"
	return w.do(ctx, name, p, parentRule(p), func(ctx context.Context, op *operation) error {
		n, err := w.project(name, p)
		if err != nil {
			return err
		}
		w.dispatch(ctx, &notify.Event{Type: notify.PreDelete, Source: p})

		deleteContent := opts.Has(resource.AlwaysDeleteProjectContent) ||
			(!opts.Has(resource.NeverDeleteProjectContent) && n.Info().IsOpen(resource.Project))
		if deleteContent {
			loc, _ := w.aliases.LocationOf(p)
			if err := w.local.Remove(loc); err != nil {
				return wrap(name, p, err)
			}
		}
		w.unlink(ctx, op, p)
		logging.WithContext(ctx).Info("project deleted",
			zap.String("project", p.String()), zap.Bool("content_deleted", deleteContent))
		return nil
	})
}

// Description returns a copy of the description of project p.
func (w *Workspace) Description(p resource.Path) (*resource.Description, error) {
	n, err := w.project("description", p)
	if err != nil {
		return nil, err
	}
	return n.Info().Description.Clone(), nil
}

// SetDescription replaces the description of an open project. The
// project location cannot be changed.
func (w *Workspace) SetDescription(ctx context.Context, p resource.Path, desc *resource.Description) error {
	const name = "set description"
	return w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		n, err := w.project(name, p)
		if err != nil {
			return err
		}
		if !n.Info().IsOpen(resource.Project) {
			return resource.NewError(name, p, resource.ErrProjectClosed)
		}
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			d := desc.Clone()
			if d == nil {
				d = &resource.Description{}
			}
			if info.Description != nil {
				d.Location = info.Description.Location
			}
			info.Description = d
		})
	})
}
