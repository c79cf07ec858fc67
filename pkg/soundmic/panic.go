package soundmic

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/soundmic/pkg/soundmic/util"
)

const (
	crashlogFilename        = "soundmic-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                        soundmic crashlog
-----------------------------------------------------------------
Unfortunately, soundmic has crashed.
To help diagnose the issue, a crashlog has been generated.
Please consider sharing this file with developers to help improve soundmic.
You can do so by opening an issue at: https://github.com/MixyLabs/soundmic/issues/new
-----------------------------------------------------------------
Time: %s
Backend: %s
Active sounds: %d
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

// writeCrashlog stores the panic report in dir and returns its path.
func writeCrashlog(dir string, now time.Time, backend string, active int, r any, stack []byte) (string, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	timestamp := now.Format(crashlogTimestampFormat)
	crashlogBytes := bytes.NewBufferString(fmt.Sprintf(crashMessage, timestamp, backend, active, r, stack))
	crashlogPath := filepath.Join(dir, fmt.Sprintf(crashlogFilename, timestamp))

	if err := os.WriteFile(crashlogPath, crashlogBytes.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write crashlog: %w", err)
	}

	return crashlogPath, nil
}

func (s *SoundMic) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	backend, active := "none", 0
	if s.core != nil {
		backend, active = s.core.Backend(), s.core.Active()
	}

	crashlogPath, err := writeCrashlog(logDirectory, time.Now(), backend, active, r, debug.Stack())
	if err != nil {
		panic(fmt.Errorf("can't even write the crashlog file contents: %w", err))
	}

	s.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	s.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	s.signalStop()
	s.logger.Errorw("Quitting", "exitCode", 1)
	os.Exit(1)
}
