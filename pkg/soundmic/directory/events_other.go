//go:build !linux

package directory

import (
	"context"

	"go.uber.org/zap"
)

// WatchStreams is only available with a Linux sound server; callers fall
// back to polling.
func WatchStreams(_ context.Context, _ *zap.SugaredLogger) (<-chan struct{}, error) {
	return nil, ErrUnsupported
}
