package vmic_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
	"github.com/MixyLabs/soundmic/pkg/soundmic/directory/directorytest"
	"github.com/MixyLabs/soundmic/pkg/soundmic/vmic"
)

var testServerConfig = vmic.ServerConfig{
	SinkName:          "VirtualMic",
	SourceName:        "VirtualMicSource",
	IncludeMicrophone: true,
	MonitorPlayback:   false,
	LoopbackLatencyMS: 30,
	StreamName:        "soundmic.playback",
	SampleRate:        48000,
}

type fakeStreams struct {
	mu     sync.Mutex
	err    error
	open   int
	closed int
}

type fakeStream struct {
	owner *fakeStreams
}

func (s *fakeStream) Close() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()

	s.owner.open--
	s.owner.closed++

	return nil
}

func (f *fakeStreams) OpenStream(sink string, out *vmic.Output) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	f.open++

	return &fakeStream{owner: f}, nil
}

func (f *fakeStreams) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.open
}

func newServerManager(server *directorytest.Server, streams *fakeStreams) *vmic.Manager {
	logger := zap.NewNop().Sugar()
	dir := directory.New(logger,
		directory.WithRunner(server),
		directory.WithProcessLookup(func(int) (string, bool) { return "", false }),
	)

	return vmic.NewManager(logger, vmic.NewServerBackend(logger, dir, streams, testServerConfig))
}

// labelSet returns the sorted labels present across the server's modules.
func labelSet(server *directorytest.Server) []string {
	var labels []string
	for _, module := range server.Modules() {
		for _, label := range vmic.Labels() {
			if strings.Contains(module.Args, label) {
				labels = append(labels, label)
			}
		}
	}
	slices.Sort(labels)

	return labels
}

func isSetupCommand(args []string) bool {
	return len(args) > 0 &&
		(args[0] == "load-module" || args[0] == "set-sink-volume" || args[0] == "set-source-volume")
}

func TestServerCreate_BuildsGraph(t *testing.T) {
	t.Parallel()

	server := &directorytest.Server{}
	streams := &fakeStreams{}
	m := newServerManager(server, streams)

	if err := m.Create(context.Background()); err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	modules := server.Modules()
	if len(modules) != 3 {
		t.Fatalf("loaded %d modules, want 3: %+v", len(modules), modules)
	}

	wantNames := []string{"module-null-sink", "module-remap-source", "module-loopback"}
	for i, name := range wantNames {
		if modules[i].Name != name {
			t.Errorf("module %d = %s, want %s", i, modules[i].Name, name)
		}
	}
	if !strings.Contains(modules[1].Args, "master=VirtualMic.monitor") {
		t.Errorf("remap source args = %q, want the sink monitor as master", modules[1].Args)
	}

	if got := server.Volume("VirtualMic"); got != "100%" {
		t.Errorf("sink volume = %q, want 100%%", got)
	}
	if got := server.Volume("VirtualMicSource"); got != "100%" {
		t.Errorf("source volume = %q, want 100%%", got)
	}

	outputs, err := m.Outputs()
	if err != nil {
		t.Fatalf("Outputs() unexpected error: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Name() != "VirtualMic" {
		t.Errorf("Outputs() = %v, want one output on VirtualMic", outputs)
	}
	if streams.openCount() != 1 {
		t.Errorf("open streams = %d, want 1", streams.openCount())
	}
}

func TestServerCreate_FailureLeavesNothing(t *testing.T) {
	t.Parallel()

	// null sink, remap source, mic loopback, sink volume, source volume
	for failAt := 1; failAt <= 5; failAt++ {
		t.Run("setup command "+string(rune('0'+failAt)), func(t *testing.T) {
			t.Parallel()

			setup := 0
			server := &directorytest.Server{FailOn: func(args []string) error {
				if !isSetupCommand(args) {
					return nil
				}
				setup++
				if setup == failAt {
					return errors.New("module initialization failed")
				}
				return nil
			}}
			streams := &fakeStreams{}
			m := newServerManager(server, streams)

			err := m.Create(context.Background())
			if !errors.Is(err, directory.ErrCommandFailed) {
				t.Fatalf("Create() error = %v, want ErrCommandFailed", err)
			}

			if modules := server.Modules(); len(modules) != 0 {
				t.Errorf("modules left after failed create: %+v", modules)
			}
			if m.Created() {
				t.Error("Created() = true after failed create")
			}
			if _, err := m.Outputs(); !errors.Is(err, vmic.ErrNotCreated) {
				t.Errorf("Outputs() error = %v, want ErrNotCreated", err)
			}
			if streams.openCount() != 0 {
				t.Errorf("open streams = %d, want 0", streams.openCount())
			}
		})
	}
}

func TestServerCreate_StreamFailureRollsBack(t *testing.T) {
	t.Parallel()

	server := &directorytest.Server{}
	m := newServerManager(server, &fakeStreams{err: errors.New("connection refused")})

	if err := m.Create(context.Background()); err == nil {
		t.Fatal("Create() succeeded with a failing stream opener")
	}
	if modules := server.Modules(); len(modules) != 0 {
		t.Errorf("modules left after failed create: %+v", modules)
	}
}

func TestServerReload_IsIdempotent(t *testing.T) {
	t.Parallel()

	server := &directorytest.Server{}
	streams := &fakeStreams{}
	m := newServerManager(server, streams)
	ctx := context.Background()

	if err := m.Create(ctx); err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}
	if err := m.Reload(ctx); err != nil {
		t.Fatalf("Reload() unexpected error: %v", err)
	}
	once := labelSet(server)
	count := len(server.Modules())

	if err := m.Reload(ctx); err != nil {
		t.Fatalf("second Reload() unexpected error: %v", err)
	}
	twice := labelSet(server)

	if !slices.Equal(once, twice) {
		t.Errorf("labels after two reloads = %v, want %v", twice, once)
	}
	if got := len(server.Modules()); got != count {
		t.Errorf("modules after two reloads = %d, want %d", got, count)
	}
	if streams.openCount() != 1 {
		t.Errorf("open streams = %d, want 1", streams.openCount())
	}
}

func TestServerCreate_SweepsStaleGraph(t *testing.T) {
	t.Parallel()

	server := &directorytest.Server{}
	ctx := context.Background()

	// leftovers of a previous run that never cleaned up
	logger := zap.NewNop().Sugar()
	dir := directory.New(logger, directory.WithRunner(server))
	if _, err := dir.LoadModule(ctx, directory.Module{
		Name: "module-null-sink",
		Args: []string{"sink_name=VirtualMic", "sink_properties=device.description=Virtual_Microphone"},
	}); err != nil {
		t.Fatalf("LoadModule() unexpected error: %v", err)
	}

	m := newServerManager(server, &fakeStreams{})
	if err := m.Create(ctx); err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	sinks := 0
	for _, module := range server.Modules() {
		if module.Name == "module-null-sink" {
			sinks++
		}
	}
	if sinks != 1 {
		t.Errorf("null sinks = %d, want 1", sinks)
	}
}

func TestServerDestroy_RemovesEverything(t *testing.T) {
	t.Parallel()

	server := &directorytest.Server{}
	streams := &fakeStreams{}
	m := newServerManager(server, streams)
	ctx := context.Background()

	if err := m.Create(ctx); err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}
	outputs, _ := m.Outputs()

	if err := m.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() unexpected error: %v", err)
	}

	if modules := server.Modules(); len(modules) != 0 {
		t.Errorf("modules left after destroy: %+v", modules)
	}
	if streams.openCount() != 0 {
		t.Errorf("open streams = %d, want 0", streams.openCount())
	}
	if _, err := outputs[0].Attach(nil); !errors.Is(err, vmic.ErrOutputClosed) {
		t.Errorf("Attach() on destroyed output error = %v, want ErrOutputClosed", err)
	}
}

func TestServerCreate_MovesOwnPlaybackStream(t *testing.T) {
	t.Parallel()

	server := &directorytest.Server{}
	server.SetListing(directory.KindSinkInput, `[
	  {"index": 9, "properties": {"node.name": "soundmic.playback"}},
	  {"index": 10, "properties": {"node.name": "spotify"}}
	]`)
	m := newServerManager(server, &fakeStreams{})

	if err := m.Create(context.Background()); err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	moves := server.Moves()
	want := directorytest.Move{Kind: directory.KindSinkInput, Index: 9, Destination: "VirtualMic"}
	if len(moves) != 1 || moves[0] != want {
		t.Errorf("moves = %+v, want [%+v]", moves, want)
	}
}

func TestServerSources_ExcludeOwnLoopbacksAndRoute(t *testing.T) {
	t.Parallel()

	server := &directorytest.Server{}
	m := newServerManager(server, &fakeStreams{})
	ctx := context.Background()

	if err := m.Create(ctx); err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	// the recording side of our loopback carries whatever label Create asked for
	var loopbackName string
	for _, module := range server.Modules() {
		if module.Name != "module-loopback" {
			continue
		}
		for _, arg := range strings.Fields(module.Args) {
			if name, ok := strings.CutPrefix(arg, "source_output_properties=media.name="); ok {
				loopbackName = name
			}
		}
	}
	if loopbackName != "Soundmic_Mic_Loopback" {
		t.Fatalf("loopback source output media.name = %q, want Soundmic_Mic_Loopback", loopbackName)
	}

	server.SetListing(directory.KindSourceOutput, `[
	  {"index": 5, "properties": {"application.name": "Discord", "application.process.binary": "discord"}},
	  {"index": 6, "properties": {"application.name": "PipeWire", "media.name": "`+loopbackName+`"}}
	]`)

	sources := m.ListSources(ctx)
	if len(sources) != 1 || sources[0] != (directory.Source{Label: "Discord (discord)", Index: 5}) {
		t.Fatalf("ListSources() = %+v", sources)
	}

	if err := m.RouteSource(ctx, 5); err != nil {
		t.Fatalf("RouteSource() unexpected error: %v", err)
	}

	want := directorytest.Move{Kind: directory.KindSourceOutput, Index: 5, Destination: "VirtualMicSource"}
	if moves := server.Moves(); !slices.Contains(moves, want) {
		t.Errorf("moves = %+v, want %+v", moves, want)
	}
}

func TestServerRouteSource_RequiresCreate(t *testing.T) {
	t.Parallel()

	m := newServerManager(&directorytest.Server{}, &fakeStreams{})

	if err := m.RouteSource(context.Background(), 5); !errors.Is(err, vmic.ErrNotCreated) {
		t.Errorf("RouteSource() before Create error = %v, want ErrNotCreated", err)
	}
}
