package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/jobs"
	"github.com/fruitsalade/resources/internal/notify"
	"github.com/fruitsalade/resources/internal/persist"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/rules"
)

// changeRecorder keeps the changes of every POST_CHANGE it receives.
type changeRecorder struct {
	mu     sync.Mutex
	deltas [][]delta.Entry
}

func (r *changeRecorder) ResourceChanged(_ context.Context, ev *notify.Event) error {
	r.mu.Lock()
	r.deltas = append(r.deltas, ev.Delta.Changes())
	r.mu.Unlock()
	return nil
}

func (r *changeRecorder) all() [][]delta.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]delta.Entry(nil), r.deltas...)
}

func (r *changeRecorder) last(t *testing.T) []delta.Entry {
	t.Helper()
	all := r.all()
	if len(all) == 0 {
		t.Fatal("no POST_CHANGE notification")
	}
	return all[len(all)-1]
}

func newTestWorkspace(t *testing.T, opts Options) *Workspace {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	w, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if !w.closed.Load() {
			_ = w.Close(context.Background())
		}
	})
	return w
}

func mustProject(t *testing.T, w *Workspace, name string) resource.Path {
	t.Helper()
	ctx := context.Background()
	p := resource.RootPath.Append(name)
	if err := w.CreateProject(ctx, p, nil); err != nil {
		t.Fatalf("CreateProject(%s): %v", p, err)
	}
	if err := w.OpenProject(ctx, p); err != nil {
		t.Fatalf("OpenProject(%s): %v", p, err)
	}
	return p
}

func mustFile(t *testing.T, w *Workspace, p resource.Path, data string) {
	t.Helper()
	if err := w.CreateFile(context.Background(), p, []byte(data), 0); err != nil {
		t.Fatalf("CreateFile(%s): %v", p, err)
	}
}

func mustFolder(t *testing.T, w *Workspace, p resource.Path) {
	t.Helper()
	if err := w.CreateFolder(context.Background(), p, 0); err != nil {
		t.Fatalf("CreateFolder(%s): %v", p, err)
	}
}

// modifyLocal rewrites the local file of p behind the workspace's back.
func modifyLocal(t *testing.T, w *Workspace, p resource.Path, data string) string {
	t.Helper()
	loc, ok := w.Location(p)
	if !ok {
		t.Fatalf("no location for %s", p)
	}
	writeFile(t, filepath.FromSlash(loc), data)
	return loc
}

func writeFile(t *testing.T, name, data string) {
	t.Helper()
	if err := os.WriteFile(name, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(name, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func TestWorkspace_CreateThenDeleteIsSilent(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	rec := &changeRecorder{}
	w.AddListener(rec, notify.PostChange)

	ctx := context.Background()
	err := w.Run(ctx, nil, func(ctx context.Context) error {
		f := p.Append("a.txt")
		if err := w.CreateFile(ctx, f, []byte("hello"), 0); err != nil {
			return err
		}
		return w.Delete(ctx, f, 0)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.all(); len(got) != 0 {
		t.Errorf("expected no notification, got %v", got)
	}
}

func TestWorkspace_MoveRoundTrip(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	a, b := p.Append("a.txt"), p.Append("b.txt")
	mustFile(t, w, a, "content")
	id, _ := w.IdentityOf(a)

	rec := &changeRecorder{}
	w.AddListener(rec, notify.PostChange)
	ctx := context.Background()

	if err := w.Move(ctx, a, b, 0); err != nil {
		t.Fatalf("Move: %v", err)
	}
	want := []delta.Entry{
		{Path: a, Kind: delta.Removed, Flags: delta.MovedTo, MovedTo: b, ResourceKind: resource.File},
		{Path: b, Kind: delta.Added, Flags: delta.MovedFrom, MovedFrom: a, ResourceKind: resource.File},
	}
	if diff := cmp.Diff(want, rec.last(t)); diff != "" {
		t.Errorf("move delta mismatch (-want +got):\n%s", diff)
	}

	if err := w.Move(ctx, b, a, 0); err != nil {
		t.Fatalf("Move back: %v", err)
	}
	want = []delta.Entry{
		{Path: a, Kind: delta.Added, Flags: delta.MovedFrom, MovedFrom: b, ResourceKind: resource.File},
		{Path: b, Kind: delta.Removed, Flags: delta.MovedTo, MovedTo: a, ResourceKind: resource.File},
	}
	if diff := cmp.Diff(want, rec.last(t)); diff != "" {
		t.Errorf("move back delta mismatch (-want +got):\n%s", diff)
	}
	if got, _ := w.IdentityOf(a); got != id {
		t.Errorf("identity after round trip = %d, want %d", got, id)
	}
	data, err := w.GetContents(ctx, a, 0)
	if err != nil || string(data) != "content" {
		t.Errorf("GetContents = %q, %v", data, err)
	}
}

func TestWorkspace_SwapInOneOperation(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	x, y, tmp := p.Append("x.txt"), p.Append("y.txt"), p.Append("temp")
	mustFile(t, w, x, "x")
	mustFile(t, w, y, "y")

	rec := &changeRecorder{}
	w.AddListener(rec, notify.PostChange)
	ctx := context.Background()
	err := w.Run(ctx, rules.Path(p), func(ctx context.Context) error {
		if err := w.Move(ctx, x, tmp, 0); err != nil {
			return err
		}
		if err := w.Move(ctx, y, x, 0); err != nil {
			return err
		}
		return w.Move(ctx, tmp, y, 0)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := rec.last(t)
	if len(got) != 2 {
		t.Fatalf("expected two entries, got %v", got)
	}
	wantFlags := delta.MovedFrom | delta.MovedTo | delta.Replaced | delta.Content
	for i, other := range []resource.Path{y, x} {
		e := got[i]
		if e.Kind != delta.Changed || !e.Flags.Has(wantFlags) {
			t.Errorf("%s: kind %v flags %v", e.Path, e.Kind, e.Flags)
		}
		if e.MovedFrom != other || e.MovedTo != other {
			t.Errorf("%s: moved from %s to %s, want %s", e.Path, e.MovedFrom, e.MovedTo, other)
		}
	}
	if got[0].Path != x || got[1].Path != y {
		t.Errorf("entries at %s and %s", got[0].Path, got[1].Path)
	}
	data, _ := w.GetContents(ctx, x, 0)
	if string(data) != "y" {
		t.Errorf("x holds %q", data)
	}
}

func TestWorkspace_AliasPropagation(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	target := t.TempDir()
	ctx := context.Background()
	l1, l2 := p.Append("L1"), p.Append("L2")
	for _, l := range []resource.Path{l1, l2} {
		if err := w.CreateLink(ctx, l, target, resource.Folder, 0); err != nil {
			t.Fatalf("CreateLink(%s): %v", l, err)
		}
	}

	rec := &changeRecorder{}
	w.AddListener(rec, notify.PostChange)
	mustFile(t, w, l1.Append("f.txt"), "shared")

	var added []delta.Entry
	for _, e := range rec.last(t) {
		if e.Kind == delta.Added {
			added = append(added, delta.Entry{Path: e.Path, Kind: e.Kind, Flags: e.Flags, ResourceKind: e.ResourceKind})
		}
	}
	want := []delta.Entry{
		{Path: l1.Append("f.txt"), Kind: delta.Added, ResourceKind: resource.File},
		{Path: l2.Append("f.txt"), Kind: delta.Added, ResourceKind: resource.File},
	}
	if diff := cmp.Diff(want, added); diff != "" {
		t.Errorf("added entries mismatch (-want +got):\n%s", diff)
	}
	if !w.Exists(l2.Append("f.txt")) {
		t.Error("the second alias is missing from the tree")
	}
	data, err := w.GetContents(ctx, l2.Append("f.txt"), 0)
	if err != nil || string(data) != "shared" {
		t.Errorf("GetContents through L2 = %q, %v", data, err)
	}
}

func TestWorkspace_MembersAreByteOrdered(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	mustFile(t, w, p.Append("b1.txt"), "")
	mustFile(t, w, p.Append("B2.txt"), "")
	mustFolder(t, w, p.Append("a"))

	got, err := w.Members(p, 0)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	want := []resource.Path{p.Append("B2.txt"), p.Append("a"), p.Append("b1.txt")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}

	var visited []resource.Path
	err = w.Accept(resource.RootPath, resource.DepthInfinite, 0, func(q resource.Path, _ resource.Kind, _ *resource.ElementInfo) bool {
		visited = append(visited, q)
		return true
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	want = append([]resource.Path{resource.RootPath, p}, want...)
	if diff := cmp.Diff(want, visited); diff != "" {
		t.Errorf("traversal mismatch (-want +got):\n%s", diff)
	}
}

func TestWorkspace_HiddenMembersAreFiltered(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	mustFile(t, w, p.Append("shown"), "")
	mustFile(t, w, p.Append("secret"), "")
	if err := w.SetHidden(context.Background(), p.Append("secret"), true); err != nil {
		t.Fatalf("SetHidden: %v", err)
	}

	got, _ := w.Members(p, 0)
	if diff := cmp.Diff([]resource.Path{p.Append("shown")}, got); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}
	got, _ = w.Members(p, resource.IncludeHidden)
	if len(got) != 2 {
		t.Errorf("expected hidden member with IncludeHidden, got %v", got)
	}
}

func TestWorkspace_PostChangeListenerCannotMutate(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")

	var once sync.Once
	var got error
	w.AddListener(notify.ListenerFunc(func(ctx context.Context, ev *notify.Event) error {
		once.Do(func() {
			got = w.CreateFolder(ctx, p.Append("from-listener"), 0)
		})
		return nil
	}), notify.PostChange)

	mustFile(t, w, p.Append("a.txt"), "")
	if !errors.Is(got, resource.ErrReentrancy) {
		t.Errorf("expected ErrReentrancy, got %v", got)
	}
	if w.Exists(p.Append("from-listener")) {
		t.Error("listener mutation was applied")
	}
}

// finishes fails t when fn has not returned after a few seconds.
func finishes(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not return", what)
	}
}

func TestWorkspace_LockedListenersCannotMutateWithOwnContext(t *testing.T) {
	tests := []struct {
		name    string
		phase   notify.EventType
		trigger func(ctx context.Context, w *Workspace, p resource.Path) error
	}{
		{"post change", notify.PostChange, func(ctx context.Context, w *Workspace, p resource.Path) error {
			return w.CreateFile(ctx, p.Append("a.txt"), nil, 0)
		}},
		{"pre close", notify.PreClose, func(ctx context.Context, w *Workspace, p resource.Path) error {
			return w.CloseProject(ctx, p)
		}},
		{"pre delete", notify.PreDelete, func(ctx context.Context, w *Workspace, p resource.Path) error {
			return w.DeleteProject(ctx, p, resource.NeverDeleteProjectContent)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := newTestWorkspace(t, Options{})
			p := mustProject(t, w, "P1")
			other := mustProject(t, w, "P2")

			var once sync.Once
			var got error
			w.AddListener(notify.ListenerFunc(func(context.Context, *notify.Event) error {
				once.Do(func() {
					got = w.CreateFolder(context.Background(), other.Append("from-listener"), 0)
				})
				return nil
			}), tc.phase)

			var err error
			finishes(t, tc.name, func() { err = tc.trigger(context.Background(), w, p) })
			if err != nil {
				t.Fatalf("trigger: %v", err)
			}
			if !errors.Is(got, resource.ErrReentrancy) {
				t.Errorf("expected ErrReentrancy, got %v", got)
			}
			if w.Exists(other.Append("from-listener")) {
				t.Error("listener mutation was applied")
			}
		})
	}
}

func TestWorkspace_PostBuildListenerNeedsItsContext(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	gen := p.Append("gen")

	var got error
	w.AddListener(notify.ListenerFunc(func(context.Context, *notify.Event) error {
		got = w.CreateFolder(context.Background(), gen, 0)
		return nil
	}), notify.PostBuild)

	var err error
	finishes(t, "Build", func() { err = w.Build(context.Background(), notify.FullBuild) })
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !errors.Is(got, resource.ErrReentrancy) {
		t.Errorf("expected ErrReentrancy, got %v", got)
	}
	if w.Exists(gen) {
		t.Error("mutation with a foreign context was applied")
	}
}

func TestWorkspace_JobStartedByListenerWaits(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	loc, _ := w.Location(p)
	writeFile(t, filepath.Join(filepath.FromSlash(loc), "bg.txt"), "")

	var once sync.Once
	var job *jobs.Job
	var scheduleErr error
	w.AddListener(notify.ListenerFunc(func(context.Context, *notify.Event) error {
		once.Do(func() {
			job, scheduleErr = w.RefreshInBackground(p, resource.DepthOne)
			if scheduleErr != nil {
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			for job.State() == jobs.Waiting && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		})
		return nil
	}), notify.PostChange)

	var err error
	finishes(t, "CreateFile", func() { err = w.CreateFile(context.Background(), p.Append("a.txt"), nil, 0) })
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if scheduleErr != nil {
		t.Fatalf("RefreshInBackground: %v", scheduleErr)
	}
	finishes(t, "refresh job", func() { err = job.Wait(context.Background()) })
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if !w.Exists(p.Append("bg.txt")) {
		t.Error("background refresh did not import bg.txt")
	}
}

func TestWorkspace_AliasUpdateWaitsForRuleHolder(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	target := t.TempDir()
	ctx := context.Background()
	l1, l2 := p.Append("L1"), p.Append("L2")
	for _, l := range []resource.Path{l1, l2} {
		if err := w.CreateLink(ctx, l, target, resource.Folder, 0); err != nil {
			t.Fatalf("CreateLink(%s): %v", l, err)
		}
	}
	rec := &changeRecorder{}
	w.AddListener(rec, notify.PostChange)

	started, proceed := make(chan struct{}), make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx, rules.Path(l2), func(ctx context.Context) error {
			close(started)
			<-proceed
			return w.CreateFolder(ctx, l2.Append("sub"), 0)
		})
	}()
	<-started

	var err error
	finishes(t, "CreateFile", func() { err = w.CreateFile(ctx, l1.Append("f.txt"), []byte("shared"), 0) })
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if w.Exists(l2.Append("f.txt")) {
		t.Error("alias changed while another operation held its rule")
	}
	close(proceed)
	finishes(t, "Run", func() { err = <-errc })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	added := map[resource.Path]int{}
	for _, changes := range rec.all() {
		for _, e := range changes {
			if e.Kind == delta.Added {
				added[e.Path]++
			}
		}
	}
	want := map[resource.Path]int{
		l1.Append("f.txt"): 1,
		l2.Append("f.txt"): 1,
		l1.Append("sub"):   1,
		l2.Append("sub"):   1,
	}
	if diff := cmp.Diff(want, added); diff != "" {
		t.Errorf("ADDED counts mismatch (-want +got):\n%s", diff)
	}
	if !w.Exists(l2.Append("f.txt")) {
		t.Error("alias is missing after the rule holder finished")
	}
}

func TestWorkspace_PostBuildListenerCanMutate(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	mustFile(t, w, p.Append("a.txt"), "")
	gen := p.Append("gen")

	var got error
	w.AddListener(notify.ListenerFunc(func(ctx context.Context, ev *notify.Event) error {
		got = w.CreateFolder(ctx, gen, 0)
		return nil
	}), notify.PostBuild)
	rec := &changeRecorder{}
	w.AddListener(rec, notify.PostChange)

	if err := w.Build(context.Background(), notify.IncrementalBuild); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got != nil {
		t.Fatalf("POST_BUILD mutation failed: %v", got)
	}
	if !w.Exists(gen) {
		t.Fatal("POST_BUILD mutation is missing")
	}
	deltas := rec.all()
	if len(deltas) != 1 {
		t.Fatalf("expected one POST_CHANGE, got %v", deltas)
	}
	want := []delta.Entry{{Path: gen, Kind: delta.Added, ResourceKind: resource.Folder}}
	if diff := cmp.Diff(want, deltas[0]); diff != "" {
		t.Errorf("delta mismatch (-want +got):\n%s", diff)
	}
}

func TestWorkspace_BuildPhases(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	src := p.Append("main.src")
	mustFile(t, w, src, "source")

	var phases []notify.EventType
	var kinds []notify.BuildKind
	var preChanges []delta.Entry
	w.AddListener(notify.ListenerFunc(func(_ context.Context, ev *notify.Event) error {
		phases = append(phases, ev.Type)
		kinds = append(kinds, ev.BuildKind)
		if ev.Type == notify.PreBuild {
			preChanges = ev.Delta.Changes()
		}
		return nil
	}), notify.PreBuild|notify.PostBuild|notify.PostChange)

	out := p.Append("main.out")
	w.AddBuilder(BuilderFunc(func(ctx context.Context, w *Workspace, kind notify.BuildKind, d *delta.Node) error {
		if d.FindMember("P1/main.src") == nil {
			return nil
		}
		if err := w.CreateFile(ctx, out, []byte("built"), 0); err != nil {
			return err
		}
		return w.SetDerived(ctx, out, true)
	}))

	if err := w.Build(context.Background(), notify.FullBuild); err != nil {
		t.Fatalf("Build: %v", err)
	}
	wantPhases := []notify.EventType{notify.PreBuild, notify.PostBuild, notify.PostChange}
	if diff := cmp.Diff(wantPhases, phases); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}
	if kinds[0] != notify.FullBuild || kinds[1] != notify.FullBuild {
		t.Errorf("build kinds = %v", kinds)
	}
	found := false
	for _, e := range preChanges {
		found = found || e.Path == src
	}
	if !found {
		t.Errorf("PRE_BUILD delta does not report %s: %v", src, preChanges)
	}
	info, err := w.Info(out)
	if err != nil || !info.Has(resource.FlagDerived) {
		t.Errorf("derived output = %+v, %v", info, err)
	}

	// Nothing changed since the last build.
	preChanges = nil
	if err := w.Build(context.Background(), notify.IncrementalBuild); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if len(preChanges) != 0 {
		t.Errorf("second PRE_BUILD reports %v", preChanges)
	}
}

func TestWorkspace_AutoBuild(t *testing.T) {
	w := newTestWorkspace(t, Options{AutoBuild: true, AutoBuildDelay: time.Millisecond})
	p := mustProject(t, w, "P1")

	builds := make(chan notify.BuildKind, 16)
	w.AddListener(notify.ListenerFunc(func(_ context.Context, ev *notify.Event) error {
		builds <- ev.BuildKind
		return nil
	}), notify.PreBuild)

	mustFile(t, w, p.Append("a.txt"), "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case kind := <-builds:
		if kind != notify.AutoBuild {
			t.Errorf("build kind = %v, want auto", kind)
		}
	case <-ctx.Done():
		t.Fatal("autobuild did not run")
	}
	if err := w.Jobs().Join(ctx, jobs.FamilyAutoBuild); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestWorkspace_CharsetInheritance(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	ctx := context.Background()
	d := p.Append("d")
	mustFolder(t, w, d)
	own := d.Append("own.txt")
	mustFile(t, w, own, "")
	if err := w.SetCharset(ctx, own, "UTF-16"); err != nil {
		t.Fatalf("SetCharset(own): %v", err)
	}

	rec := &changeRecorder{}
	w.AddListener(rec, notify.PostChange)
	x := d.Append("x.txt")

	if err := w.SetCharset(ctx, d, "ISO-8859-1"); err != nil {
		t.Fatalf("SetCharset(d): %v", err)
	}
	mustFile(t, w, x, "")
	if cs, _ := w.Charset(x); cs != "ISO-8859-1" {
		t.Errorf("inherited charset = %q", cs)
	}
	if err := w.SetCharset(ctx, d, ""); err != nil {
		t.Fatalf("clear charset: %v", err)
	}

	encoded := func(entries []delta.Entry) []resource.Path {
		var out []resource.Path
		for _, e := range entries {
			if e.Kind == delta.Changed && e.Flags.Has(delta.Encoding) {
				out = append(out, e.Path)
			}
		}
		return out
	}
	deltas := rec.all()
	if len(deltas) != 3 {
		t.Fatalf("expected three notifications, got %d", len(deltas))
	}
	want := [][]resource.Path{{d}, nil, {d, x}}
	for i := range want {
		if diff := cmp.Diff(want[i], encoded(deltas[i])); diff != "" {
			t.Errorf("operation %d encoding mismatch (-want +got):\n%s", i+1, diff)
		}
	}
	if cs, _ := w.Charset(x); cs != "UTF-8" {
		t.Errorf("charset after clearing = %q", cs)
	}
}

func TestWorkspace_DefaultCharset(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	f := p.Append("a.txt")
	mustFile(t, w, f, "")

	rec := &changeRecorder{}
	w.AddListener(rec, notify.PostChange)
	if err := w.SetDefaultCharset(context.Background(), "US-ASCII"); err != nil {
		t.Fatalf("SetDefaultCharset: %v", err)
	}
	if cs, _ := w.Charset(f); cs != "US-ASCII" {
		t.Errorf("charset = %q", cs)
	}
	found := false
	for _, e := range rec.last(t) {
		if e.Path == f && e.Flags.Has(delta.Encoding) {
			found = true
		}
	}
	if !found {
		t.Errorf("no encoding change reported for %s", f)
	}
}

func TestWorkspace_NestedRuleMustBeContained(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p1 := mustProject(t, w, "P1")
	p2 := mustProject(t, w, "P2")

	err := w.Run(context.Background(), rules.Path(p1), func(ctx context.Context) error {
		return w.CreateFolder(ctx, p2.Append("x"), 0)
	})
	if !errors.Is(err, resource.ErrRuleScope) {
		t.Errorf("expected ErrRuleScope, got %v", err)
	}
	if w.Exists(p2.Append("x")) {
		t.Error("folder outside the rule was created")
	}
}

func TestWorkspace_CanceledOperation(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	p := mustProject(t, w, "P1")
	f := p.Append("a.txt")
	mustFile(t, w, f, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Delete(ctx, f, 0)
	if !errors.Is(err, resource.ErrCanceled) {
		t.Errorf("expected ErrCanceled, got %v", err)
	}
	if !w.Exists(f) {
		t.Error("canceled delete removed the file")
	}
}

func TestWorkspace_PersistenceRoundTrip(t *testing.T) {
	root := t.TempDir()
	state := filepath.Join(t.TempDir(), "workspace.state")
	ctx := context.Background()

	open := func() *Workspace {
		pers, err := persist.NewFilePersister(state)
		if err != nil {
			t.Fatalf("NewFilePersister: %v", err)
		}
		w, err := Open(ctx, Options{Root: root, Persister: pers})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return w
	}

	w := open()
	p := mustProject(t, w, "P1")
	linked := t.TempDir()
	if err := w.CreateLink(ctx, p.Append("L"), linked, resource.Folder, 0); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	f := p.Append("a.txt")
	mustFile(t, w, f, "persisted")
	if _, err := w.CreateMarker(ctx, f, "problem", map[string]string{"line": "3"}); err != nil {
		t.Fatalf("CreateMarker: %v", err)
	}
	id, _ := w.IdentityOf(f)
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Save(ctx); !errors.Is(err, resource.ErrWorkspaceClosed) {
		t.Errorf("Save after Close = %v", err)
	}

	w = open()
	defer w.Close(ctx)
	if got, _ := w.IdentityOf(f); got != id {
		t.Errorf("identity = %d, want %d", got, id)
	}
	if !w.IsOpen(p) {
		t.Error("project is closed after restore")
	}
	if loc, _ := w.Location(p.Append("L")); loc != filepath.ToSlash(linked) {
		t.Errorf("link location = %q, want %q", loc, linked)
	}
	markers, _ := w.FindMarkers(p, "problem", resource.DepthInfinite)
	if len(markers) != 1 || markers[0].Attributes["line"] != "3" {
		t.Errorf("markers = %+v", markers)
	}

	g := p.Append("b.txt")
	mustFile(t, w, g, "")
	if gid, _ := w.IdentityOf(g); gid <= id {
		t.Errorf("new identity %d does not follow %d", gid, id)
	}
	id2, _ := w.CreateMarker(ctx, g, "problem", nil)
	if id2 <= markers[0].ID {
		t.Errorf("marker id %d does not follow %d", id2, markers[0].ID)
	}
}

func TestWorkspace_ClosedWorkspace(t *testing.T) {
	w := newTestWorkspace(t, Options{})
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := w.CreateProject(context.Background(), "/P1", nil)
	if !errors.Is(err, resource.ErrWorkspaceClosed) {
		t.Errorf("expected ErrWorkspaceClosed, got %v", err)
	}
}
