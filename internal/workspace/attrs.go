package workspace

import (
	"context"
	"maps"
	"sort"

	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/rules"
)

// SetCharset sets the explicit charset of a file, or the default charset
// of a container. An empty charset clears it so it is inherited again.
func (w *Workspace) SetCharset(ctx context.Context, p resource.Path, charset string) error {
	const name = "set charset"
	return w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		if p.IsRoot() {
			return resource.Errorf(name, p, resource.ErrInvalidOperation, "use SetDefaultCharset for the workspace")
		}
		if _, err := w.accessible(name, w.store.Current(), p); err != nil {
			return err
		}
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			info.Charset = charset
		})
	})
}

// SetDefaultCharset changes the workspace-wide default. Every file that
// inherits it reports an encoding change.
func (w *Workspace) SetDefaultCharset(ctx context.Context, charset string) error {
	return w.do(ctx, "set default charset", resource.RootPath, rules.Root, func(ctx context.Context, op *operation) error {
		if charset == "" {
			charset = w.opts.DefaultCharset
		}
		return w.updateInfo(op, resource.RootPath, func(info *resource.ElementInfo) {
			info.Charset = charset
		})
	})
}

// Charset returns the effective charset of p: its own, or the nearest
// ancestor's, or the default.
func (w *Workspace) Charset(p resource.Path) (string, error) {
	snap := w.store.Current()
	if _, err := w.accessible("charset", snap, p); err != nil {
		return "", err
	}
	lineage := p.Lineage()
	for i := len(lineage) - 1; i >= 0; i-- {
		if n, ok := snap.Lookup(lineage[i]); ok && n.Info().Charset != "" {
			return n.Info().Charset, nil
		}
	}
	return w.opts.DefaultCharset, nil
}

func (w *Workspace) setFlag(ctx context.Context, name string, p resource.Path, flag resource.ElementFlag, on bool) error {
	return w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		n, err := w.accessible(name, w.store.Current(), p)
		if err != nil {
			return err
		}
		if n.Kind() == resource.Project || n.Kind() == resource.Root {
			return resource.Errorf(name, p, resource.ErrInvalidKind, "a %s cannot be marked", n.Kind())
		}
		if n.Info().Has(flag) == on {
			return nil
		}
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			info.Set(flag, on)
		})
	})
}

// SetDerived marks p as produced by a build.
func (w *Workspace) SetDerived(ctx context.Context, p resource.Path, derived bool) error {
	return w.setFlag(ctx, "set derived", p, resource.FlagDerived, derived)
}

// SetHidden hides p from member listings and deltas unless IncludeHidden
// is requested.
func (w *Workspace) SetHidden(ctx context.Context, p resource.Path, hidden bool) error {
	return w.setFlag(ctx, "set hidden", p, resource.FlagHidden, hidden)
}

// SetTeamPrivate hides p from listings that do not ask for
// IncludeTeamPrivate.
func (w *Workspace) SetTeamPrivate(ctx context.Context, p resource.Path, private bool) error {
	return w.setFlag(ctx, "set team private", p, resource.FlagTeamPrivate, private)
}

// SetSyncInfo stores opaque synchronization state for partner. An empty
// value removes it.
func (w *Workspace) SetSyncInfo(ctx context.Context, p resource.Path, partner, value string) error {
	const name = "set sync info"
	return w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		n, err := w.accessible(name, w.store.Current(), p)
		if err != nil {
			return err
		}
		if n.Info().SyncInfo[partner] == value {
			return nil
		}
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			if value == "" {
				delete(info.SyncInfo, partner)
				return
			}
			if info.SyncInfo == nil {
				info.SyncInfo = make(map[string]string)
			}
			info.SyncInfo[partner] = value
		})
	})
}

// SyncInfo returns the synchronization state stored for partner.
func (w *Workspace) SyncInfo(p resource.Path, partner string) (string, bool) {
	n, ok := w.store.Lookup(p)
	if !ok {
		return "", false
	}
	v, ok := n.Info().SyncInfo[partner]
	return v, ok
}

// SetProperty stores a persistent property of p. An empty value removes
// it. Properties do not show up in deltas.
func (w *Workspace) SetProperty(ctx context.Context, p resource.Path, key, value string) error {
	const name = "set property"
	return w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		if _, err := w.accessible(name, w.store.Current(), p); err != nil {
			return err
		}
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			if value == "" {
				delete(info.Properties, key)
				return
			}
			if info.Properties == nil {
				info.Properties = make(map[string]string)
			}
			info.Properties[key] = value
		})
	})
}

// Property returns a persistent property of p.
func (w *Workspace) Property(p resource.Path, key string) (string, bool) {
	n, ok := w.store.Lookup(p)
	if !ok {
		return "", false
	}
	v, ok := n.Info().Properties[key]
	return v, ok
}

// CreateMarker attaches a marker of type typ to p and returns its id.
func (w *Workspace) CreateMarker(ctx context.Context, p resource.Path, typ string, attrs map[string]string) (resource.MarkerID, error) {
	const name = "create marker"
	var id resource.MarkerID
	err := w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		if _, err := w.accessible(name, w.store.Current(), p); err != nil {
			return err
		}
		id = resource.MarkerID(w.marker.Add(1))
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			info.Markers = append(info.Markers, resource.Marker{ID: id, Type: typ, Attributes: maps.Clone(attrs)})
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteMarker removes marker id from p.
func (w *Workspace) DeleteMarker(ctx context.Context, p resource.Path, id resource.MarkerID) error {
	const name = "delete marker"
	return w.do(ctx, name, p, rules.Path(p), func(ctx context.Context, op *operation) error {
		n, err := w.accessible(name, w.store.Current(), p)
		if err != nil {
			return err
		}
		idx := -1
		for i, m := range n.Info().Markers {
			if m.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return resource.Errorf(name, p, resource.ErrMarkerNotFound, "no marker %d", id)
		}
		return w.updateInfo(op, p, func(info *resource.ElementInfo) {
			info.Markers = append(info.Markers[:idx:idx], info.Markers[idx+1:]...)
			if len(info.Markers) == 0 {
				info.Markers = nil
			}
		})
	})
}

// MarkerRef is a marker together with the resource carrying it.
type MarkerRef struct {
	Path resource.Path
	resource.Marker
}

// FindMarkers returns the markers of type typ on p and its members down
// to depth, ordered by path then id. An empty typ matches every marker.
func (w *Workspace) FindMarkers(p resource.Path, typ string, depth resource.Depth) ([]MarkerRef, error) {
	var out []MarkerRef
	err := w.Accept(p, depth, resource.IncludeHidden|resource.IncludeTeamPrivate, func(q resource.Path, _ resource.Kind, info *resource.ElementInfo) bool {
		for _, m := range info.Markers {
			if typ == "" || m.Type == typ {
				out = append(out, MarkerRef{Path: q, Marker: m})
			}
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}
