package audio

import "context"

// Source produces frames from an input device in capture order.
type Source interface {
	// Start opens the device at the configured format.
	Start(ctx context.Context) error
	// ReadFrame blocks until one frame is available.
	ReadFrame(ctx context.Context) (Frame, error)
	// Stop closes the device and releases all resources. Safe to call twice.
	Stop() error
}
