package directory

import "errors"

// ErrUnsupported is returned by platform specific features where the platform lacks them.
var ErrUnsupported = errors.New("not supported on this platform")

// Endpoint is an audio device as seen by the Windows audio stack.
type Endpoint struct {
	ID           string
	FriendlyName string // i.e. "CABLE Input (VB-Audio Virtual Cable)"
	Description  string // i.e. "cable input"
	Capture      bool
}
