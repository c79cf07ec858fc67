// Package routing keeps the user's choice of which application feeds the
// virtual microphone applied against a periodically polled stream list.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
)

// DefaultInterval is how often the stream list is polled.
const DefaultInterval = 3 * time.Second

// State is the loop's current activity.
type State int

const (
	Idle State = iota
	Polling
	Applying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Applying:
		return "applying"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Index is an optional stream index.
type Index struct {
	Value uint32
	Set   bool
}

// Some returns a set Index.
func Some(value uint32) Index {
	return Index{Value: value, Set: true}
}

func (i Index) String() string {
	if !i.Set {
		return "none"
	}

	return directory.FormatIndex(i.Value)
}

// Selection is the wanted and the last successfully applied source.
type Selection struct {
	Desired Index
	Applied Index
}

// Router lists and routes application capture streams.
type Router interface {
	ListSources(ctx context.Context) []directory.Source
	RouteSource(ctx context.Context, index uint32) error
}

// Clock returns the current monotonic time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Loop polls the router and applies the selection.
type Loop struct {
	logger   *zap.SugaredLogger
	router   Router
	clock    Clock
	interval time.Duration

	mu        sync.Mutex
	state     State
	selection Selection
	sources   []directory.Source
	lastPoll  time.Time
	polled    bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// New creates a loop polling router every interval.
func New(logger *zap.SugaredLogger, router Router, interval time.Duration, opts ...Option) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}

	l := &Loop{
		logger:   logger.Named("routing"),
		router:   router,
		clock:    systemClock{},
		interval: interval,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Tick polls when the interval has elapsed since the last poll and reports whether it did.
func (l *Loop) Tick(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.polled && now.Sub(l.lastPoll) < l.interval {
		return false
	}

	l.pollLocked(ctx, now)

	return true
}

// Poll re-lists the sources right away and applies the selection if needed.
func (l *Loop) Poll(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pollLocked(ctx, l.clock.Now())
}

func (l *Loop) pollLocked(ctx context.Context, now time.Time) {
	l.state = Polling
	defer func() { l.state = Idle }()

	l.lastPoll = now
	l.polled = true
	l.sources = l.router.ListSources(ctx)

	if len(l.sources) == 0 {
		return
	}

	if !l.presentLocked(l.selection.Desired) {
		first := Some(l.sources[0].Index)
		if l.selection.Desired.Set {
			l.logger.Infow("Selected source disappeared, falling back to first", "previous", l.selection.Desired, "next", first)
		}
		l.selection.Desired = first
	}

	if l.selection.Desired != l.selection.Applied {
		_ = l.applyLocked(ctx)
	}
}

func (l *Loop) presentLocked(index Index) bool {
	if !index.Set {
		return false
	}

	for _, source := range l.sources {
		if source.Index == index.Value {
			return true
		}
	}

	return false
}

// applyLocked moves the desired source; applied only follows on success.
func (l *Loop) applyLocked(ctx context.Context) error {
	l.state = Applying

	desired := l.selection.Desired
	if err := l.router.RouteSource(ctx, desired.Value); err != nil {
		l.logger.Warnw("Failed to route source, will retry", "index", desired, "error", err)
		return fmt.Errorf("apply source %s: %w", desired, err)
	}

	l.selection.Applied = desired
	l.logger.Debugw("Applied source", "index", desired)

	return nil
}

// Select makes index the desired source and applies it immediately.
func (l *Loop) Select(ctx context.Context, index uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.selection.Desired = Some(index)
	defer func() { l.state = Idle }()

	return l.applyLocked(ctx)
}

// Invalidate forgets the applied source so the next poll applies the desired
// one again. Used after the virtual microphone was rebuilt underneath it.
func (l *Loop) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.selection.Applied = Index{}
}

// Sources returns the sources found by the last poll.
func (l *Loop) Sources() []directory.Source {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]directory.Source(nil), l.sources...)
}

// Selection returns the current selection.
func (l *Loop) Selection() Selection {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.selection
}

// State returns the loop's state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// Run ticks every period until ctx is done. A value on wake forces a poll.
func (l *Loop) Run(ctx context.Context, period time.Duration, wake <-chan struct{}) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	l.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		case <-wake:
			l.Poll(ctx)
		}
	}
}
