package lights

import (
	"context"
	"log/slog"
)

// Backend is implemented by the cloud and local integrations. Failures are
// logged by the backend and surface as empty results.
type Backend interface {
	ListDevices(ctx context.Context) DeviceList
	GetDevice(ctx context.Context, deviceID, model string) Properties
	SendCommand(ctx context.Context, deviceID, model string, cmd Command)
	// EnsurePoller starts background polling at most once and returns its
	// handle. Backends without a poller return nil.
	EnsurePoller(ctx context.Context) *Poller
	// NormalizeBrightness converts the backend's raw brightness to percent.
	NormalizeBrightness(raw int) int
}

// Dispatch parses a vendor-style command and sends it through b. Unknown
// names are ignored. It reports whether a command was sent.
func Dispatch(ctx context.Context, b Backend, logger *slog.Logger, deviceID, model, name string, value any) bool {
	cmd, ok := ParseCommand(name, value)
	if !ok {
		logger.Debug("ignoring command", "device", deviceID, "name", name, "value", value)
		return false
	}
	b.SendCommand(ctx, deviceID, model, cmd)
	return true
}
