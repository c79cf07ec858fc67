// Package directory queries the OS sound server for sinks, sources and streams
// and issues the device-control commands the virtual microphone is built from.
package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

// Kind selects which object list the sound server is asked for.
type Kind string

const (
	KindSinkInput    Kind = "sink-inputs"
	KindSourceOutput Kind = "source-outputs"
	KindSink         Kind = "sinks"
	KindSource       Kind = "sources"
)

const (
	pactlBinary = "pactl"

	propNodeName          = "node.name"
	propApplicationName   = "application.name"
	propApplicationBinary = "application.process.binary"
	propApplicationPID    = "application.process.id"

	unknownBinary = "Unknown"
)

var (
	// ErrCommandFailed is returned when a sound server command did not run or exited non-zero.
	ErrCommandFailed = errors.New("sound server command failed")

	// ErrParse is returned when the sound server produced output that could not be understood.
	ErrParse = errors.New("unparsable sound server output")
)

// Record is one entry of a sound server listing. It is an immutable snapshot.
type Record struct {
	Index             uint32
	Kind              Kind
	Name              string
	ApplicationName   string
	ApplicationBinary string
	Properties        map[string]string
}

// NodeName returns the record's node.name property, if any.
func (r Record) NodeName() string {
	return r.Properties[propNodeName]
}

// Predicate filters records returned by List.
type Predicate func(Record) bool

// NodeNameIs matches records whose node.name equals name.
func NodeNameIs(name string) Predicate {
	return func(r Record) bool {
		return r.NodeName() == name
	}
}

// HasApplicationName matches records that carry an application name.
func HasApplicationName(r Record) bool {
	return r.ApplicationName != ""
}

// Source is a user-selectable application capture stream.
type Source struct {
	Label string
	Index uint32
}

// Module describes a sound server module to load.
type Module struct {
	Name string
	Args []string
}

func (m Module) String() string {
	return strings.TrimSpace(m.Name + " " + strings.Join(m.Args, " "))
}

// ModuleInfo is one line of the short module listing.
type ModuleInfo struct {
	ID   uint32
	Name string
	Args string
}

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%w: %s %s: %v: %s",
			ErrCommandFailed, name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return out, nil
}

// Directory talks to the sound server through pactl.
type Directory struct {
	logger        *zap.SugaredLogger
	runner        Runner
	binary        string
	lookupProcess func(pid int) (string, bool)
}

// Option configures a Directory.
type Option func(*Directory)

// WithRunner replaces the command runner (used by tests).
func WithRunner(r Runner) Option {
	return func(d *Directory) { d.runner = r }
}

// WithProcessLookup replaces the pid to executable name lookup.
func WithProcessLookup(fn func(pid int) (string, bool)) Option {
	return func(d *Directory) { d.lookupProcess = fn }
}

// New creates a Directory backed by pactl.
func New(logger *zap.SugaredLogger, opts ...Option) *Directory {
	d := &Directory{
		logger:        logger.Named("directory"),
		runner:        execRunner{},
		binary:        pactlBinary,
		lookupProcess: findProcessExecutable,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.logger.Debug("Created directory instance")

	return d
}

// Available reports whether the pactl control tool is installed.
func Available() bool {
	_, err := exec.LookPath(pactlBinary)
	return err == nil
}

func findProcessExecutable(pid int) (string, bool) {
	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return "", false
	}

	return process.Executable(), true
}

func (d *Directory) run(ctx context.Context, args ...string) ([]byte, error) {
	d.logger.Debugw("Running sound server command", "args", args)

	out, err := d.runner.Run(ctx, d.binary, args...)
	if err != nil {
		if !errors.Is(err, ErrCommandFailed) {
			err = fmt.Errorf("%w: %w", ErrCommandFailed, err)
		}
		return nil, err
	}

	return out, nil
}

// List returns every record of the given kind accepted by match (nil accepts all).
// Query or parse failures are logged and yield an empty result.
func (d *Directory) List(ctx context.Context, kind Kind, match Predicate) []Record {
	out, err := d.run(ctx, "-f", "json", "list", string(kind))
	if err != nil {
		d.logger.Warnw("Failed to query sound server listing", "kind", kind, "error", err)
		return nil
	}

	records, err := parseRecords(kind, out)
	if err != nil {
		d.logger.Warnw("Failed to parse sound server listing", "kind", kind, "error", err)
		return nil
	}

	var result []Record
	for _, record := range records {
		if record.ApplicationBinary == "" {
			record.ApplicationBinary = d.binaryFromPID(record)
		}

		if match == nil || match(record) {
			result = append(result, record)
		}
	}

	return result
}

func (d *Directory) binaryFromPID(record Record) string {
	pidString, ok := record.Properties[propApplicationPID]
	if !ok || d.lookupProcess == nil {
		return ""
	}

	pid, err := strconv.Atoi(pidString)
	if err != nil || pid <= 0 {
		return ""
	}

	name, ok := d.lookupProcess(pid)
	if !ok {
		return ""
	}

	return name
}

// ListOutputs returns the routable application capture streams, labelled
// "<application> (<binary>)". Streams without an application name are skipped;
// match, when not nil, must also accept the record.
func (d *Directory) ListOutputs(ctx context.Context, match Predicate) []Source {
	records := d.List(ctx, KindSourceOutput, HasApplicationName)

	sources := make([]Source, 0, len(records))
	for _, record := range records {
		if match != nil && !match(record) {
			continue
		}

		binary := record.ApplicationBinary
		if binary == "" {
			binary = unknownBinary
		}

		sources = append(sources, Source{
			Label: fmt.Sprintf("%s (%s)", record.ApplicationName, binary),
			Index: record.Index,
		})
	}

	return sources
}

// MoveStream moves a sink input onto another sink or a source output onto another source.
func (d *Directory) MoveStream(ctx context.Context, kind Kind, index uint32, destination string) error {
	var verb string
	switch kind {
	case KindSinkInput:
		verb = "move-sink-input"
	case KindSourceOutput:
		verb = "move-source-output"
	default:
		return fmt.Errorf("move stream of kind %q: not a stream kind", kind)
	}

	if _, err := d.run(ctx, verb, FormatIndex(index), destination); err != nil {
		return fmt.Errorf("move %s %d to %s: %w", kind, index, destination, err)
	}

	return nil
}

// SetVolume sets a sink's or source's volume in percent.
func (d *Directory) SetVolume(ctx context.Context, kind Kind, name string, percent int) error {
	if percent < 0 {
		return fmt.Errorf("set volume of %s: negative percentage %d", name, percent)
	}

	var verb string
	switch kind {
	case KindSink:
		verb = "set-sink-volume"
	case KindSource:
		verb = "set-source-volume"
	default:
		return fmt.Errorf("set volume of kind %q: not a device kind", kind)
	}

	if _, err := d.run(ctx, verb, name, fmt.Sprintf("%d%%", percent)); err != nil {
		return fmt.Errorf("set volume of %s: %w", name, err)
	}

	return nil
}

// LoadModule loads a module and returns the id the server assigned to it.
func (d *Directory) LoadModule(ctx context.Context, module Module) (uint32, error) {
	args := append([]string{"load-module", module.Name}, module.Args...)

	out, err := d.run(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("load module %s: %w", module.Name, err)
	}

	id, err := ParseIndex(string(out))
	if err != nil {
		return 0, fmt.Errorf("load module %s: %w", module.Name, err)
	}

	d.logger.Debugw("Loaded module", "module", module.Name, "id", id)

	return id, nil
}

// UnloadModule unloads a single module by id.
func (d *Directory) UnloadModule(ctx context.Context, id uint32) error {
	if _, err := d.run(ctx, "unload-module", FormatIndex(id)); err != nil {
		return fmt.Errorf("unload module %d: %w", id, err)
	}

	return nil
}

// Modules returns the server's short module listing.
func (d *Directory) Modules(ctx context.Context) ([]ModuleInfo, error) {
	out, err := d.run(ctx, "list", "modules", "short")
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}

	modules, err := parseModules(out)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}

	return modules, nil
}

// UnloadModulesMatching unloads every module whose arguments contain label and
// returns how many were unloaded.
func (d *Directory) UnloadModulesMatching(ctx context.Context, label string) (int, error) {
	modules, err := d.Modules(ctx)
	if err != nil {
		return 0, err
	}

	unloaded := 0
	for _, module := range modules {
		if !strings.Contains(module.Args, label) {
			continue
		}

		if err := d.UnloadModule(ctx, module.ID); err != nil {
			return unloaded, err
		}

		unloaded++
		d.logger.Debugw("Unloaded module", "label", label, "id", module.ID, "module", module.Name)
	}

	return unloaded, nil
}
