package util

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// CreateMutex creates a global named mutex, failing when it already exists.
// The OS releases it on program exit.
func CreateMutex(name string) error {
	namePtr, err := windows.UTF16PtrFromString(`Global\` + name)
	if err != nil {
		return fmt.Errorf("encode mutex name: %w", err)
	}

	_, err = windows.CreateMutex(nil, false, namePtr)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("create mutex: %w", err)
	}

	return nil
}
