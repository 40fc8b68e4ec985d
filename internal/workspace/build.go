package workspace

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/jobs"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/notify"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/rules"
)

// Builder turns changes into derived resources. Builders run inside the
// build operation and may mutate the workspace through ctx.
type Builder interface {
	Build(ctx context.Context, w *Workspace, kind notify.BuildKind, d *delta.Node) error
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, w *Workspace, kind notify.BuildKind, d *delta.Node) error

func (f BuilderFunc) Build(ctx context.Context, w *Workspace, kind notify.BuildKind, d *delta.Node) error {
	return f(ctx, w, kind, d)
}

// AddBuilder registers b for subsequent builds.
func (w *Workspace) AddBuilder(b Builder) {
	w.buildMu.Lock()
	w.builders = append(w.builders, b)
	w.buildMu.Unlock()
}

// Build runs the registered builders over the changes made since the
// last build. PRE_BUILD and POST_BUILD listeners see the same delta.
// Mutations made by POST_BUILD listeners are committed as a separate
// operation right after the build's own POST_CHANGE.
func (w *Workspace) Build(ctx context.Context, kind notify.BuildKind) error {
	if kind == notify.NoBuild {
		return resource.Errorf("build", resource.RootPath, resource.ErrInvalidOperation, "no build kind")
	}
	if phase, ok := notify.PhaseFrom(ctx); ok && notify.Locked(phase) {
		return resource.Errorf("build", resource.RootPath, resource.ErrReentrancy, "called from a %s listener", phase)
	}
	if operationFrom(ctx) != nil {
		return resource.Errorf("build", resource.RootPath, resource.ErrRuleScope, "a build cannot run inside another operation")
	}
	start := time.Now()
	err := w.do(ctx, "build", resource.RootPath, rules.Root, func(ctx context.Context, op *operation) error {
		op.noBuild = true

		w.buildMu.Lock()
		since := w.lastBuild
		builders := append([]Builder(nil), w.builders...)
		w.buildMu.Unlock()

		changes := delta.Compute(since, w.store.Current(), nil, w.deltaOptions())
		w.dispatch(ctx, &notify.Event{Type: notify.PreBuild, Source: resource.RootPath, Delta: changes, BuildKind: kind})

		errs := resource.NewCollector("build")
		for _, b := range builders {
			if err := resource.CheckCanceled(ctx); err != nil {
				return err
			}
			errs.Add(b.Build(ctx, w, kind, changes))
		}

		after := w.store.Current()
		op.mu.Lock()
		op.after = after
		op.mu.Unlock()

		post := &operation{
			id:      op.id + "-post",
			rule:    rules.Root,
			before:  after,
			start:   time.Now(),
			touched: []resource.Path{},
			noBuild: true,
		}
		op.deferred = append(op.deferred, post)
		w.dispatch(withOperation(ctx, post), &notify.Event{Type: notify.PostBuild, Source: resource.RootPath, Delta: changes, BuildKind: kind})

		w.buildMu.Lock()
		w.lastBuild = after
		w.buildMu.Unlock()
		return errs.Err()
	})
	metrics.RecordBuild(kind.String())
	logging.WithContext(ctx).Debug("build finished",
		zap.String("kind", kind.String()),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

// scheduleAutoBuild queues an autobuild unless one is already pending.
func (w *Workspace) scheduleAutoBuild() {
	if !w.opts.AutoBuild {
		return
	}
	_, err := w.jobs.ScheduleOnce(jobs.FamilyAutoBuild, "autobuild", w.opts.AutoBuildDelay, func(ctx context.Context) error {
		return w.Build(ctx, notify.AutoBuild)
	})
	if err != nil && !errors.Is(err, jobs.ErrShutdown) {
		logging.Warn("scheduling autobuild failed", zap.Error(err))
	}
}
