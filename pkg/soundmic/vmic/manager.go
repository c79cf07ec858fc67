// Package vmic builds and tears down the virtual microphone: the device graph
// other applications record from, and the output streams sounds are mixed into.
package vmic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
)

var (
	// ErrDriverMissing is returned when no virtual cable device is installed.
	ErrDriverMissing = errors.New("virtual audio cable driver not found, install VB-Audio Virtual Cable (https://vb-audio.com/Cable/) and restart")

	// ErrNotCreated is returned when the virtual microphone has not been created.
	ErrNotCreated = errors.New("virtual microphone not created")

	// ErrOutputClosed is returned when attaching to an output of a destroyed graph.
	ErrOutputClosed = errors.New("output stream closed")

	// ErrRoutingUnsupported is returned by backends that cannot move application streams.
	ErrRoutingUnsupported = errors.New("routing application audio is not supported by this backend")
)

// Backend is one way of realizing the virtual microphone on a platform.
type Backend interface {
	// Name identifies the backend in logs and the tray.
	Name() string

	// Create builds the whole device graph and returns its open outputs, or
	// fails leaving nothing behind.
	Create(ctx context.Context) ([]*Output, error)

	// Destroy tears down everything Create built, including leftovers of earlier runs.
	Destroy(ctx context.Context) error

	// ListSources returns the application streams that can feed the virtual microphone.
	ListSources(ctx context.Context) []directory.Source

	// RouteSource moves an application stream into the virtual microphone.
	RouteSource(ctx context.Context, index uint32) error
}

// Manager owns the virtual device graph and its output streams.
type Manager struct {
	logger  *zap.SugaredLogger
	backend Backend

	mu      sync.Mutex
	outputs []*Output
	created bool
}

// NewManager creates a manager around backend. Nothing is built until Create.
func NewManager(logger *zap.SugaredLogger, backend Backend) *Manager {
	logger = logger.Named("vmic")

	m := &Manager{
		logger:  logger,
		backend: backend,
	}

	logger.Debugw("Created virtual mic manager", "backend", backend.Name())

	return m
}

// Backend returns the name of the backend in use.
func (m *Manager) Backend() string {
	return m.backend.Name()
}

// Create builds the device graph. Creating an existing graph rebuilds it.
func (m *Manager) Create(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.created {
		if err := m.destroyLocked(ctx); err != nil {
			return err
		}
	}

	return m.createLocked(ctx)
}

// Destroy tears the device graph down and invalidates every output.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.destroyLocked(ctx)
}

// Reload destroys the current graph and builds a fresh one. Callers must
// re-acquire outputs afterwards.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Reloading virtual microphone")

	if err := m.destroyLocked(ctx); err != nil {
		return fmt.Errorf("reload virtual microphone: %w", err)
	}

	if err := m.createLocked(ctx); err != nil {
		return fmt.Errorf("reload virtual microphone: %w", err)
	}

	return nil
}

// Outputs returns the open outputs of the current graph.
func (m *Manager) Outputs() ([]*Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.created {
		return nil, ErrNotCreated
	}

	return append([]*Output(nil), m.outputs...), nil
}

// Created reports whether the graph currently exists.
func (m *Manager) Created() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.created
}

// ListSources returns the routable application streams.
func (m *Manager) ListSources(ctx context.Context) []directory.Source {
	return m.backend.ListSources(ctx)
}

// RouteSource feeds an application stream into the virtual microphone.
func (m *Manager) RouteSource(ctx context.Context, index uint32) error {
	if !m.Created() {
		return ErrNotCreated
	}

	if err := m.backend.RouteSource(ctx, index); err != nil {
		return fmt.Errorf("route source %d: %w", index, err)
	}

	m.logger.Infow("Routed source into virtual microphone", "index", index)

	return nil
}

func (m *Manager) createLocked(ctx context.Context) error {
	outputs, err := m.backend.Create(ctx)
	if err != nil {
		m.logger.Warnw("Failed to create virtual microphone", "backend", m.backend.Name(), "error", err)
		return fmt.Errorf("create virtual microphone: %w", err)
	}

	m.outputs = outputs
	m.created = true

	names := make([]string, 0, len(outputs))
	for _, out := range outputs {
		names = append(names, out.Name())
	}
	m.logger.Infow("Created virtual microphone", "backend", m.backend.Name(), "outputs", names)

	return nil
}

func (m *Manager) destroyLocked(ctx context.Context) error {
	for _, out := range m.outputs {
		out.Close()
	}
	m.outputs = nil
	m.created = false

	if err := m.backend.Destroy(ctx); err != nil {
		m.logger.Warnw("Failed to destroy virtual microphone", "backend", m.backend.Name(), "error", err)
		return fmt.Errorf("destroy virtual microphone: %w", err)
	}

	m.logger.Debug("Destroyed virtual microphone")

	return nil
}
