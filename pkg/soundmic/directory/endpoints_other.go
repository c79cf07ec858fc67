//go:build !windows

package directory

import "go.uber.org/zap"

// ListEndpoints is only implemented on Windows.
func ListEndpoints(logger *zap.SugaredLogger) ([]Endpoint, error) {
	return nil, ErrUnsupported
}

// SetEndpointVolume is only implemented on Windows.
func SetEndpointVolume(logger *zap.SugaredLogger, match string, percent int) error {
	return ErrUnsupported
}
