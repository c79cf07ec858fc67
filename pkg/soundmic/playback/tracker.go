// Package playback tracks the sounds currently playing into the virtual
// microphone and reclaims them once they finish.
package playback

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/vmic"
)

// DefaultTolerance is how far before its end a session counts as finished.
const DefaultTolerance = 4 * time.Millisecond

var (
	// ErrUnplayable is returned by Play when a file cannot be opened or decoded.
	ErrUnplayable = errors.New("could not play this file")

	// ErrUnsupportedFormat is returned when a file is not in a supported container.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrUnknownSession is returned for operations on a session that no longer exists.
	ErrUnknownSession = errors.New("unknown playback session")

	// ErrNoOutput is returned by Play when there is no output stream to play into.
	ErrNoOutput = errors.New("no output stream available")
)

// Outputs supplies the output streams sessions are mixed into.
type Outputs interface {
	Outputs() ([]*vmic.Output, error)
}

// Session is a read-only snapshot of a playing sound.
type Session struct {
	ID       uint64
	Path     string
	Elapsed  time.Duration
	Duration time.Duration
	Paused   bool
}

type session struct {
	id       uint64
	path     string
	duration time.Duration
	frame    uint64

	// one voice per output, voices[0] is the reference for position
	voices  []*vmic.Voice
	streams []*decoded

	markedForRemoval atomic.Bool
}

func (s *session) elapsed() time.Duration {
	return s.voices[0].Elapsed()
}

// drained reports whether every voice ran out of audio, which happens before
// the header duration is reached when a file is truncated.
func (s *session) drained() bool {
	for _, voice := range s.voices {
		if !voice.Done() {
			return false
		}
	}

	return true
}

func (s *session) release() {
	for _, voice := range s.voices {
		voice.Stop()
	}
	for _, stream := range s.streams {
		_ = stream.Close()
	}
}

// Tracker owns every playback session.
type Tracker struct {
	logger    *zap.SugaredLogger
	outputs   Outputs
	tolerance time.Duration

	sessions *xsync.MapOf[uint64, *session]
	nextID   atomic.Uint64
	frame    atomic.Uint64
}

// NewTracker creates a tracker playing into outputs. A session is finished
// once its position is within tolerance of its duration.
func NewTracker(logger *zap.SugaredLogger, outputs Outputs, tolerance time.Duration) *Tracker {
	logger = logger.Named("playback")

	if tolerance < 0 {
		tolerance = DefaultTolerance
	}

	t := &Tracker{
		logger:    logger,
		outputs:   outputs,
		tolerance: tolerance,
		sessions:  xsync.NewMapOf[uint64, *session](),
	}

	logger.Debugw("Created playback tracker", "tolerance", tolerance)

	return t
}

// Play decodes path and starts mixing it into every output right away.
// It returns the new session's id.
func (t *Tracker) Play(path string) (uint64, error) {
	outputs, err := t.outputs.Outputs()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoOutput, err)
	}
	if len(outputs) == 0 {
		return 0, ErrNoOutput
	}

	s := &session{path: path}

	for _, out := range outputs {
		stream, err := decodeFile(path)
		if err != nil {
			s.release()
			t.logger.Warnw("Failed to decode sound", "path", path, "error", err)
			return 0, fmt.Errorf("%w: %w", ErrUnplayable, err)
		}
		s.streams = append(s.streams, stream)

		voice, err := out.Attach(stream.at(out.SampleRate()))
		if err != nil {
			s.release()
			return 0, fmt.Errorf("%w: attach %s to %s: %w", ErrNoOutput, path, out.Name(), err)
		}
		s.voices = append(s.voices, voice)
	}

	s.duration = s.streams[0].duration()
	s.id = t.nextID.Add(1)
	s.frame = t.frame.Load()
	t.sessions.Store(s.id, s)

	t.logger.Debugw("Playing sound", "id", s.id, "path", path, "duration", s.duration)

	return s.id, nil
}

func (t *Tracker) lookup(id uint64) (*session, error) {
	s, ok := t.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrUnknownSession)
	}

	return s, nil
}

// Pause pauses a session.
func (t *Tracker) Pause(id uint64) error {
	s, err := t.lookup(id)
	if err != nil {
		return err
	}

	for _, voice := range s.voices {
		voice.Pause()
	}

	return nil
}

// Resume resumes a paused session.
func (t *Tracker) Resume(id uint64) error {
	s, err := t.lookup(id)
	if err != nil {
		return err
	}

	for _, voice := range s.voices {
		voice.Resume()
	}

	return nil
}

// Stop silences a session immediately; it is removed on the next reap.
func (t *Tracker) Stop(id uint64) error {
	s, err := t.lookup(id)
	if err != nil {
		return err
	}

	for _, voice := range s.voices {
		voice.Stop()
	}
	s.markedForRemoval.Store(true)

	return nil
}

// StopAll silences and removes every session.
func (t *Tracker) StopAll() {
	stopped := 0

	t.sessions.Range(func(id uint64, s *session) bool {
		if _, ok := t.sessions.LoadAndDelete(id); ok {
			s.release()
			stopped++
		}
		return true
	})

	if stopped > 0 {
		t.logger.Debugw("Stopped all sounds", "count", stopped)
	}
}

// TickAndReap removes sessions that were stopped, have played to within the
// tolerance of their end or ran out of audio early. Sessions started since the previous call are only
// removed when stopped. It returns how many sessions remain.
func (t *Tracker) TickAndReap() int {
	frame := t.frame.Add(1) - 1

	t.sessions.Range(func(id uint64, s *session) bool {
		finished := s.frame < frame && (s.elapsed() >= s.duration-t.tolerance || s.drained())

		if !s.markedForRemoval.Load() && !finished {
			return true
		}

		if _, ok := t.sessions.LoadAndDelete(id); ok {
			s.release()
			t.logger.Debugw("Reaped sound", "id", id, "path", s.path, "stopped", s.markedForRemoval.Load())
		}

		return true
	})

	return t.sessions.Size()
}

// Active returns the number of tracked sessions.
func (t *Tracker) Active() int {
	return t.sessions.Size()
}

// Sessions returns a snapshot of every tracked session, ordered by id.
func (t *Tracker) Sessions() []Session {
	var snapshot []Session

	t.sessions.Range(func(id uint64, s *session) bool {
		snapshot = append(snapshot, Session{
			ID:       id,
			Path:     s.path,
			Elapsed:  s.elapsed(),
			Duration: s.duration,
			Paused:   s.voices[0].Paused(),
		})
		return true
	})

	slices.SortFunc(snapshot, func(a, b Session) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return snapshot
}
