package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fruitsalade/resources/internal/resource"
)

func TestPathRule_ContainsAndConflicts(t *testing.T) {
	p1 := Path("/P1")
	sub := Path("/P1/src")
	p2 := Path("/P2")

	if !p1.Contains(sub) || sub.Contains(p1) {
		t.Error("containment is wrong")
	}
	if !p1.Conflicts(sub) || !sub.Conflicts(p1) {
		t.Error("nested rules must conflict")
	}
	if p1.Conflicts(p2) {
		t.Error("disjoint rules must not conflict")
	}
	if !Root.Contains(Combine(p1, p2)) {
		t.Error("root rule should contain everything")
	}
	if !Path("/P10").Conflicts(Path("/P10")) || Path("/P1").Conflicts(Path("/P10")) {
		t.Error("prefix checks must respect segment boundaries")
	}
}

func TestCombine(t *testing.T) {
	if Combine() != nil || Combine(nil, nil) != nil {
		t.Error("empty combine should be nil")
	}
	if got := Combine(Path("/P1"), Path("/P1/a")); got != Path("/P1") {
		t.Errorf("Combine dropped nothing: %v", got)
	}
	if got := Combine(Path("/P1"), Path("/P1")); got != Path("/P1") {
		t.Errorf("duplicates not merged: %v", got)
	}
	m := Combine(Path("/P2/x"), Path("/P1/y"))
	if m.String() != "[/P1/y, /P2/x]" {
		t.Errorf("unexpected multi rule %v", m)
	}
	if !m.Contains(Path("/P1/y/z")) || m.Contains(Path("/P1")) {
		t.Error("multi rule containment is wrong")
	}
	if !m.Conflicts(Path("/P2")) || m.Conflicts(Path("/P3")) {
		t.Error("multi rule conflicts are wrong")
	}
}

func TestManager_AcquireBlocksOnConflict(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	release, err := m.Acquire(ctx, Path("/P1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, ok := m.TryAcquire(Path("/P1/a")); ok {
		t.Fatal("conflicting rule acquired")
	}
	other, ok := m.TryAcquire(Path("/P2"))
	if !ok {
		t.Fatal("disjoint rule should be acquired")
	}
	other()

	acquired := make(chan struct{})
	go func() {
		r, err := m.Acquire(ctx, Path("/P1/a"))
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquired a conflicting rule")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
	if m.Held() != 0 {
		t.Errorf("expected no held rules, got %d", m.Held())
	}
}

func TestManager_AcquireCanceled(t *testing.T) {
	m := NewManager()
	release, _ := m.Acquire(context.Background(), Root)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, Path("/P1"))
	if !errors.Is(err, resource.ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected a canceled error, got %v", err)
	}
}
