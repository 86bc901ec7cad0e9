// Package player registers a local playback device with the streaming
// service, makes it the active device and drives it.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/retry"
)

var (
	ErrRegistrationFailed    = errors.New("player registration failed")
	ErrDeviceNotFound        = errors.New("player device not found")
	ErrPlaybackCommandFailed = errors.New("playback command failed")
	ErrNotActive             = errors.New("player is not active")
	ErrInvalidVolume         = errors.New("volume must be between 0 and 100")
)

type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusRegistered    Status = "registered"
	StatusFailed        Status = "failed"
	StatusTransferring  Status = "transferring"
	StatusActive        Status = "active"
)

type Options struct {
	Registration      retry.Policy
	CommandRetryDelay time.Duration
}

// Snapshot is what observers get whenever the player changes.
type Snapshot struct {
	Status       Status                    `json:"status"`
	Registration models.DeviceRegistration `json:"registration"`
	State        models.PlaybackState      `json:"state"`
	Upcoming     []models.QueueEntry       `json:"upcoming"`
}

type Adapter struct {
	creds  Credentials
	device Device
	remote Remote
	opts   Options
	now    func() time.Time

	mu        sync.Mutex
	status    Status
	reg       models.DeviceRegistration
	state     models.PlaybackState
	upcoming  []models.QueueEntry
	observers map[int]func(Snapshot)
	nextObs   int
}

func NewAdapter(creds Credentials, device Device, remote Remote, opts Options) *Adapter {
	return &Adapter{
		creds:     creds,
		device:    device,
		remote:    remote,
		opts:      opts,
		now:       time.Now,
		status:    StatusUninitialized,
		reg:       models.DeviceRegistration{Status: models.RegistrationUnregistered},
		observers: make(map[int]func(Snapshot)),
	}
}

func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) Registration() models.DeviceRegistration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg
}

// State returns the last known playback state, extrapolated to now.
func (a *Adapter) State() models.PlaybackState {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	s := a.state
	s.PositionMs = s.PositionAt(now)
	if !s.CapturedAt.IsZero() {
		s.CapturedAt = now
	}
	return s
}

// Queue is the upcoming queue as last reported by the device.
func (a *Adapter) Queue() []models.QueueEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.QueueEntry(nil), a.upcoming...)
}

func (a *Adapter) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

func (a *Adapter) snapshotLocked() Snapshot {
	return Snapshot{
		Status:       a.status,
		Registration: a.reg,
		State:        a.state,
		Upcoming:     append([]models.QueueEntry(nil), a.upcoming...),
	}
}

// update applies fn under the lock and then tells observers.
func (a *Adapter) update(fn func()) {
	a.mu.Lock()
	fn()
	snap := a.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(a.observers))
	for i := 0; i < a.nextObs; i++ {
		if o, ok := a.observers[i]; ok {
			observers = append(observers, o)
		}
	}
	a.mu.Unlock()
	for _, o := range observers {
		o(snap)
	}
}

func (a *Adapter) setStatus(s Status) {
	a.update(func() { a.status = s })
	slog.Debug("Player status changed", slog.String("status", string(s)))
}

// Initialize registers the device and transfers playback to it. It is safe
// to call again after a failure.
func (a *Adapter) Initialize(ctx context.Context) error {
	switch status := a.Status(); status {
	case StatusActive:
		return nil
	case StatusInitializing, StatusTransferring:
		return fmt.Errorf("player is already %s", status)
	}

	a.update(func() {
		a.status = StatusInitializing
		a.reg = models.DeviceRegistration{Status: models.RegistrationPending}
	})

	token, err := a.creds.PlayerToken(ctx)
	if err != nil {
		return a.fail(fmt.Errorf("%w: no player credential: %w", ErrRegistrationFailed, err))
	}
	deviceID, err := a.device.Connect(ctx, token, a.onDeviceEvent)
	if err != nil {
		return a.fail(fmt.Errorf("%w: device did not become ready: %w", ErrRegistrationFailed, err))
	}
	a.update(func() { a.reg.DeviceID = deviceID })
	slog.Info("Player device ready, waiting for it to be listed", slog.String("device_id", deviceID))

	err = retry.Do(ctx, a.opts.Registration, func(ctx context.Context, attempt int) error {
		a.update(func() { a.reg.Attempts = attempt })
		devices, err := a.remote.Devices(ctx)
		if err != nil {
			slog.Debug("Failed to list devices", slog.Int("attempt", attempt), slog.String("stack", err.Error()))
			return retry.Retryable(err)
		}
		for _, d := range devices {
			if d.ID == deviceID {
				return nil
			}
		}
		return retry.Retryable(ErrDeviceNotFound)
	})
	if err != nil {
		return a.abandon(fmt.Errorf("%w: %w", ErrRegistrationFailed, err))
	}
	a.update(func() {
		a.status = StatusRegistered
		a.reg.Status = models.RegistrationRegistered
	})
	slog.Info("Player device registered", slog.String("device_id", deviceID), slog.Int("attempts", a.Registration().Attempts))

	a.setStatus(StatusTransferring)
	err = a.withDeviceRetry(ctx, func(ctx context.Context) error {
		return a.remote.Transfer(ctx, deviceID)
	})
	if err != nil {
		return a.abandon(fmt.Errorf("failed to transfer playback: %w", err))
	}
	a.setStatus(StatusActive)
	slog.Info("Player device active", slog.String("device_id", deviceID))
	return nil
}

func (a *Adapter) fail(err error) error {
	a.update(func() {
		a.status = StatusFailed
		a.reg.Status = models.RegistrationFailed
	})
	slog.Error("Player initialisation failed", slog.String("stack", err.Error()))
	return err
}

// abandon disconnects a device that connected but never became usable
// before failing.
func (a *Adapter) abandon(err error) error {
	if cerr := a.device.Close(); cerr != nil {
		slog.Warn("Failed to close player device", slog.String("stack", cerr.Error()))
	}
	return a.fail(err)
}

func (a *Adapter) onDeviceEvent(ev DeviceEvent) {
	a.update(func() {
		a.state = ev.State
		if a.state.CapturedAt.IsZero() {
			a.state.CapturedAt = a.now()
		}
		a.upcoming = append([]models.QueueEntry(nil), ev.Upcoming...)
	})
}

// withDeviceRetry retries fn once when the device is momentarily unknown.
func (a *Adapter) withDeviceRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, retry.Constant(2, a.opts.CommandRetryDelay), func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		if errors.Is(err, ErrDeviceNotFound) {
			slog.Warn("Player device not found, retrying", slog.Int("attempt", attempt))
			return retry.Retryable(err)
		}
		return err
	})
}

func (a *Adapter) command(ctx context.Context, name string, fn func(ctx context.Context, deviceID string) error) error {
	a.mu.Lock()
	status, deviceID := a.status, a.reg.DeviceID
	a.mu.Unlock()
	if status != StatusActive {
		return fmt.Errorf("%w: cannot %s while %s", ErrNotActive, name, status)
	}
	err := a.withDeviceRetry(ctx, func(ctx context.Context) error { return fn(ctx, deviceID) })
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPlaybackCommandFailed, name, err)
	}
	return nil
}

func (a *Adapter) Play(ctx context.Context, trackURI string, positionMs int64) error {
	err := a.command(ctx, "play", func(ctx context.Context, id string) error {
		return a.remote.Play(ctx, id, trackURI, positionMs)
	})
	if err != nil {
		return err
	}
	a.update(func() {
		trackID := models.TrackIDFromURI(trackURI)
		if trackID != a.state.TrackID {
			a.state = models.PlaybackState{TrackID: trackID}
		}
		a.state.PositionMs = positionMs
		a.state.Playing = true
		a.state.CapturedAt = a.now()
	})
	return nil
}

func (a *Adapter) Pause(ctx context.Context) error {
	err := a.command(ctx, "pause", func(ctx context.Context, id string) error {
		return a.remote.Pause(ctx, id)
	})
	if err != nil {
		return err
	}
	a.update(func() {
		now := a.now()
		a.state.PositionMs = a.state.PositionAt(now)
		a.state.Playing = false
		a.state.CapturedAt = now
	})
	return nil
}

func (a *Adapter) Resume(ctx context.Context) error {
	err := a.command(ctx, "resume", func(ctx context.Context, id string) error {
		return a.remote.Resume(ctx, id)
	})
	if err != nil {
		return err
	}
	a.update(func() {
		a.state.Playing = true
		a.state.CapturedAt = a.now()
	})
	return nil
}

func (a *Adapter) Seek(ctx context.Context, positionMs int64) error {
	if positionMs < 0 {
		positionMs = 0
	}
	err := a.command(ctx, "seek", func(ctx context.Context, id string) error {
		return a.remote.Seek(ctx, id, positionMs)
	})
	if err != nil {
		return err
	}
	a.update(func() {
		a.state.PositionMs = positionMs
		a.state.CapturedAt = a.now()
	})
	return nil
}

func (a *Adapter) SetVolume(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidVolume, percent)
	}
	return a.command(ctx, "set volume", func(ctx context.Context, id string) error {
		return a.remote.SetVolume(ctx, id, percent)
	})
}

func (a *Adapter) Enqueue(ctx context.Context, trackURI string) error {
	return a.command(ctx, "enqueue", func(ctx context.Context, id string) error {
		return a.remote.Enqueue(ctx, id, trackURI)
	})
}

// Close disconnects the device and resets the adapter.
func (a *Adapter) Close() error {
	err := a.device.Close()
	a.update(func() {
		a.status = StatusUninitialized
		a.reg = models.DeviceRegistration{Status: models.RegistrationUnregistered}
		a.state = models.PlaybackState{}
		a.upcoming = nil
	})
	if err != nil {
		return fmt.Errorf("failed to close player device: %w", err)
	}
	return nil
}
