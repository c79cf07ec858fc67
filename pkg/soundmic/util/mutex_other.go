//go:build !windows

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// CreateMutex claims a lock file named after name, failing when the process
// that wrote it is still alive. Relative names live in the temp directory.
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	if !filepath.IsAbs(lockFile) {
		lockFile = filepath.Join(os.TempDir(), lockFile)
	}
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil {
		lockPid, convErr := strconv.Atoi(strings.TrimSpace(string(lockContent)))
		if convErr == nil && lockPid != currentPid {
			if processAlive(lockPid) {
				return ErrAlreadyRunning
			}
		}
	}

	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(currentPid)), 0o664); err != nil {
		return fmt.Errorf("write lock file %s: %w", lockFile, err)
	}

	return nil
}

// processAlive reports whether pid exists. EPERM means it exists but belongs
// to another user.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
