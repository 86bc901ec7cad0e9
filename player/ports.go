package player

import (
	"context"

	"github.com/marcus-crane/tunetogether/models"
)

// Credentials hands out a short-lived token the player device can
// authenticate with.
type Credentials interface {
	PlayerToken(ctx context.Context) (string, error)
}

// DeviceEvent is a state report from the player device.
type DeviceEvent struct {
	State    models.PlaybackState
	Upcoming []models.QueueEntry
}

// Device is the local playback device. Connect blocks until the device is
// ready and returns the id it registered under; state reports are delivered
// to events until Close.
type Device interface {
	Connect(ctx context.Context, token string, events func(DeviceEvent)) (deviceID string, err error)
	Close() error
}

type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	IsActive bool   `json:"is_active"`
	Volume   int    `json:"volume_percent"`
}

// Remote is the control API of the streaming service. Implementations
// return an error wrapping ErrDeviceNotFound when the service does not
// (yet) know about the target device.
type Remote interface {
	Devices(ctx context.Context) ([]DeviceInfo, error)
	Transfer(ctx context.Context, deviceID string) error
	Play(ctx context.Context, deviceID, trackURI string, positionMs int64) error
	Pause(ctx context.Context, deviceID string) error
	Resume(ctx context.Context, deviceID string) error
	Seek(ctx context.Context, deviceID string, positionMs int64) error
	SetVolume(ctx context.Context, deviceID string, percent int) error
	Enqueue(ctx context.Context, deviceID, trackURI string) error
}
