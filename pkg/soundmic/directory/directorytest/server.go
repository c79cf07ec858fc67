// Package directorytest provides an in-memory stand-in for the pactl control
// tool so components built on directory.Directory can be tested without a
// running sound server.
package directorytest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
)

// Move records one move-sink-input / move-source-output command.
type Move struct {
	Kind        directory.Kind
	Index       uint32
	Destination string
}

// Server emulates the subset of pactl the directory uses. The zero value is ready to use.
type Server struct {
	mu sync.Mutex

	// Listings holds the raw JSON returned for `pactl -f json list <kind>`.
	Listings map[directory.Kind]string

	// FailOn, when set, is consulted before every command; a non-nil error fails it.
	FailOn func(args []string) error

	calls      [][]string
	modules    []directory.ModuleInfo
	nextModule uint32
	moves      []Move
	volumes    map[string]string
}

// SetListing replaces the JSON listing returned for kind.
func (s *Server) SetListing(kind directory.Kind, json string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Listings == nil {
		s.Listings = make(map[directory.Kind]string)
	}
	s.Listings[kind] = json
}

// Run implements directory.Runner.
func (s *Server) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, append([]string(nil), args...))

	if s.FailOn != nil {
		if err := s.FailOn(args); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", directory.ErrCommandFailed, name, strings.Join(args, " "), err)
		}
	}

	switch {
	case len(args) == 4 && args[0] == "-f" && args[2] == "list":
		listing, ok := s.Listings[directory.Kind(args[3])]
		if !ok {
			listing = "[]"
		}
		return []byte(listing), nil

	case len(args) >= 2 && args[0] == "load-module":
		s.nextModule++
		s.modules = append(s.modules, directory.ModuleInfo{
			ID:   s.nextModule,
			Name: args[1],
			Args: strings.Join(args[2:], " "),
		})
		return []byte(fmt.Sprintf("%d\n", s.nextModule)), nil

	case len(args) == 3 && args[0] == "list" && args[1] == "modules" && args[2] == "short":
		var b strings.Builder
		for _, module := range s.modules {
			fmt.Fprintf(&b, "%d\t%s\t%s\n", module.ID, module.Name, module.Args)
		}
		return []byte(b.String()), nil

	case len(args) == 2 && args[0] == "unload-module":
		for i, module := range s.modules {
			if directory.FormatIndex(module.ID) == args[1] {
				s.modules = append(s.modules[:i], s.modules[i+1:]...)
				return nil, nil
			}
		}
		return nil, fmt.Errorf("%w: no module %s", directory.ErrCommandFailed, args[1])

	case len(args) == 3 && (args[0] == "move-sink-input" || args[0] == "move-source-output"):
		index, err := directory.ParseIndex(args[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", directory.ErrCommandFailed, err)
		}
		kind := directory.KindSinkInput
		if args[0] == "move-source-output" {
			kind = directory.KindSourceOutput
		}
		s.moves = append(s.moves, Move{Kind: kind, Index: index, Destination: args[2]})
		return nil, nil

	case len(args) == 3 && (args[0] == "set-sink-volume" || args[0] == "set-source-volume"):
		if s.volumes == nil {
			s.volumes = make(map[string]string)
		}
		s.volumes[args[1]] = args[2]
		return nil, nil
	}

	return nil, fmt.Errorf("%w: unsupported command %q", directory.ErrCommandFailed, args)
}

// Modules returns the currently loaded modules.
func (s *Server) Modules() []directory.ModuleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]directory.ModuleInfo(nil), s.modules...)
}

// Moves returns every move command received so far.
func (s *Server) Moves() []Move {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Move(nil), s.moves...)
}

// Volume returns the last volume set for a device.
func (s *Server) Volume(device string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.volumes[device]
}

// Calls returns the argument lists of every command received so far.
func (s *Server) Calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([][]string(nil), s.calls...)
}
