package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakeRouter struct {
	mu      sync.Mutex
	sources []directory.Source
	failing bool
	lists   int
	routes  []uint32
}

func (r *fakeRouter) ListSources(context.Context) []directory.Source {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lists++
	return append([]directory.Source(nil), r.sources...)
}

func (r *fakeRouter) RouteSource(_ context.Context, index uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes = append(r.routes, index)
	if r.failing {
		return errors.New("no such source output")
	}

	return nil
}

func (r *fakeRouter) set(sources ...directory.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources = sources
}

func newTestLoop(router Router) (*Loop, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(zap.NewNop().Sugar(), router, 3*time.Second, WithClock(clock)), clock
}

func src(label string, index uint32) directory.Source {
	return directory.Source{Label: label, Index: index}
}

func TestTick_RespectsInterval(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	loop, clock := newTestLoop(router)
	ctx := context.Background()

	if !loop.Tick(ctx) {
		t.Fatal("first Tick() did not poll")
	}

	clock.Advance(2999 * time.Millisecond)
	if loop.Tick(ctx) {
		t.Error("Tick() polled before the interval elapsed")
	}

	clock.Advance(time.Millisecond)
	if !loop.Tick(ctx) {
		t.Error("Tick() did not poll once the interval elapsed")
	}

	if router.lists != 2 {
		t.Errorf("ListSources calls = %d, want 2", router.lists)
	}
}

func TestPoll_EmptyListChangesNothing(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	loop, _ := newTestLoop(router)

	loop.Poll(context.Background())

	if got := loop.Sources(); len(got) != 0 {
		t.Errorf("Sources() = %+v, want empty", got)
	}
	if got := loop.Selection(); got != (Selection{}) {
		t.Errorf("Selection() = %+v, want unset", got)
	}
	if len(router.routes) != 0 {
		t.Errorf("routes = %v, want none", router.routes)
	}
	if loop.State() != Idle {
		t.Errorf("State() = %v, want idle", loop.State())
	}
}

func TestPoll_DefaultsToFirstSource(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	router.set(src("Discord (discord)", 7), src("Firefox (firefox)", 9))
	loop, _ := newTestLoop(router)

	loop.Poll(context.Background())

	want := Selection{Desired: Some(7), Applied: Some(7)}
	if got := loop.Selection(); got != want {
		t.Errorf("Selection() = %+v, want %+v", got, want)
	}
}

func TestPoll_FallsBackWhenAppliedDisappears(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	router.set(src("A", 1), src("B", 2))
	loop, _ := newTestLoop(router)
	ctx := context.Background()

	loop.Poll(ctx)
	if got := loop.Selection().Applied; got != Some(1) {
		t.Fatalf("Applied = %v, want 1", got)
	}

	router.set(src("B", 2), src("C", 3))
	loop.Poll(ctx)

	want := Selection{Desired: Some(2), Applied: Some(2)}
	if got := loop.Selection(); got != want {
		t.Errorf("Selection() = %+v, want %+v", got, want)
	}
	if len(router.routes) != 2 || router.routes[1] != 2 {
		t.Errorf("routes = %v, want [1 2]", router.routes)
	}
}

func TestPoll_KeepsPresentSelection(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	router.set(src("A", 1), src("B", 2))
	loop, _ := newTestLoop(router)
	ctx := context.Background()

	if err := loop.Select(ctx, 2); err != nil {
		t.Fatalf("Select() unexpected error: %v", err)
	}

	loop.Poll(ctx)
	loop.Poll(ctx)

	if got := loop.Selection().Applied; got != Some(2) {
		t.Errorf("Applied = %v, want 2", got)
	}
	if len(router.routes) != 1 {
		t.Errorf("routes = %v, want a single move", router.routes)
	}
}

func TestApply_FailureRetriesNextCycle(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{failing: true}
	router.set(src("A", 4))
	loop, clock := newTestLoop(router)
	ctx := context.Background()

	loop.Tick(ctx)

	sel := loop.Selection()
	if sel.Desired != Some(4) || sel.Applied.Set {
		t.Fatalf("Selection() after failed move = %+v, want desired 4 and nothing applied", sel)
	}

	clock.Advance(3 * time.Second)
	router.failing = false
	loop.Tick(ctx)

	if got := loop.Selection().Applied; got != Some(4) {
		t.Errorf("Applied after retry = %v, want 4", got)
	}
	if len(router.routes) != 2 {
		t.Errorf("routes = %v, want two attempts", router.routes)
	}
}

func TestSelect_FailureKeepsApplied(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	router.set(src("A", 1), src("B", 2))
	loop, _ := newTestLoop(router)
	ctx := context.Background()

	loop.Poll(ctx)
	router.failing = true

	if err := loop.Select(ctx, 2); err == nil {
		t.Fatal("Select() succeeded with a failing router")
	}

	want := Selection{Desired: Some(2), Applied: Some(1)}
	if got := loop.Selection(); got != want {
		t.Errorf("Selection() = %+v, want %+v", got, want)
	}
}

func TestInvalidate_ReappliesDesired(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	router.set(src("A", 1), src("B", 2))
	loop, _ := newTestLoop(router)
	ctx := context.Background()

	if err := loop.Select(ctx, 2); err != nil {
		t.Fatalf("Select() unexpected error: %v", err)
	}

	loop.Invalidate()
	if got := loop.Selection(); got.Applied.Set || got.Desired != Some(2) {
		t.Fatalf("Selection() after Invalidate = %+v, want desired 2 and nothing applied", got)
	}

	loop.Poll(ctx)

	if got := loop.Selection().Applied; got != Some(2) {
		t.Errorf("Applied = %v, want 2", got)
	}
	if len(router.routes) != 2 || router.routes[1] != 2 {
		t.Errorf("routes = %v, want [2 2]", router.routes)
	}
}

func TestIndexString(t *testing.T) {
	t.Parallel()

	if got := (Index{}).String(); got != "none" {
		t.Errorf("unset Index = %q, want none", got)
	}
	if got := Some(0).String(); got != "0" {
		t.Errorf("Some(0) = %q, want 0", got)
	}
}
