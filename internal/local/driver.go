package local

import (
	"context"

	"goveelink/internal/lights"
)

// Update reports a device seen on the LAN, keyed by the ID the library
// assigns. State is nil until the device has reported one.
type Update struct {
	DeviceID string
	Model    string
	IP       string
	State    *lights.State
}

// Driver is the LAN control library as the Backend sees it. Events delivers
// an Update when a device is first seen and whenever its state changes.
type Driver interface {
	// Start launches LAN polling. It fails if polling could not be set up;
	// a closed driver cannot be started.
	Start(ctx context.Context) error
	Events() <-chan Update
	Refresh(ctx context.Context, deviceID string) error
	SetPower(ctx context.Context, deviceID string, on bool) error
	SetBrightness(ctx context.Context, deviceID string, percent int) error
	SetColor(ctx context.Context, deviceID string, c lights.Color) error
	SetColorTem(ctx context.Context, deviceID string, kelvin int) error
	Close() error
}
