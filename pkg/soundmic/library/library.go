// Package library lists the sound files found in the watched directories.
package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/go-homedir"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// DefaultExtensions are the file types offered when none are configured.
var DefaultExtensions = []string{"mp3", "flac", "wav", "ogg"}

const changeSettleDelay = 200 * time.Millisecond

// Library scans a set of directories for sound files.
type Library struct {
	logger      *zap.SugaredLogger
	directories []string
	extensions  []string
}

// New creates a library over directories. Directories may start with ~.
func New(logger *zap.SugaredLogger, directories []string, extensions []string) *Library {
	logger = logger.Named("library")

	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		normalized = append(normalized, strings.ToLower(strings.TrimPrefix(ext, ".")))
	}

	expanded := make([]string, 0, len(directories))
	for _, dir := range directories {
		path, err := homedir.Expand(dir)
		if err != nil {
			logger.Warnw("Failed to expand sound directory", "directory", dir, "error", err)
			continue
		}
		expanded = append(expanded, filepath.Clean(path))
	}

	l := &Library{
		logger:      logger,
		directories: funk.UniqString(expanded),
		extensions:  funk.UniqString(normalized),
	}

	logger.Debugw("Created library", "directories", l.directories, "extensions", l.extensions)

	return l
}

// Directories returns the expanded watched directories.
func (l *Library) Directories() []string {
	return append([]string(nil), l.directories...)
}

// Scan returns every file directly inside the directories with an allowed
// extension, sorted. Unreadable directories are skipped.
func (l *Library) Scan() []string {
	var files []string

	for _, dir := range l.directories {
		entries, err := os.ReadDir(dir)
		if err != nil {
			l.logger.Warnw("Failed to read sound directory", "directory", dir, "error", err)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !l.allowed(entry.Name()) {
				continue
			}
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Strings(files)

	return files
}

func (l *Library) allowed(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return ext != "" && funk.ContainsString(l.extensions, ext)
}

// Watch sends on the returned channel whenever the contents of a directory
// change, coalescing bursts of events. It stops when ctx is done.
func (l *Library) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create directory watcher: %w", err)
	}

	watched := 0
	for _, dir := range l.directories {
		if err := watcher.Add(dir); err != nil {
			l.logger.Warnw("Failed to watch sound directory", "directory", dir, "error", err)
			continue
		}
		watched++
	}

	changes := make(chan struct{}, 1)

	go func() {
		defer watcher.Close()
		defer close(changes)

		var settle <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				l.logger.Debug("Stopping sound directory watcher")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}

				l.logger.Debugw("Sound directory changed", "event", event)

				// many tools create a file and rename it right after, wait for the dust to settle
				if settle == nil {
					settle = time.After(changeSettleDelay)
				}

			case <-settle:
				settle = nil
				select {
				case changes <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warnw("Sound directory watcher error", "error", err)
			}
		}
	}()

	l.logger.Debugw("Watching sound directories", "count", watched)

	return changes, nil
}
