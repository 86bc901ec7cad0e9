// Package playback keeps everybody in a session listening to the same
// thing: the host broadcasts what it is playing and guests follow.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/session"
)

type Player interface {
	State() models.PlaybackState
	Play(ctx context.Context, trackURI string, positionMs int64) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, positionMs int64) error
}

type Sessions interface {
	Role() models.Role
	Subscribe(fn func(session.Change)) (unsubscribe func())
}

type Sender interface {
	Send(name string, payload any) error
}

type Queue interface {
	GenerateQueue(ctx context.Context, seedTrackID string, limit int) []models.QueueEntry
	SubmitToDevice(ctx context.Context, tracks []models.QueueEntry) int
	Clear()
}

type Recorder interface {
	Record(sessionID string, state models.PlaybackState, colours []string) error
	Stop() error
}

// Palette picks the dominant colours of a cover image.
type Palette interface {
	Colours(ctx context.Context, imageURL string) ([]string, error)
}

type Options struct {
	BroadcastInterval time.Duration
	DriftThreshold    time.Duration
	QueueSize         int
	CommandTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = time.Second
	}
	if o.DriftThreshold <= 0 {
		o.DriftThreshold = 500 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 20
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	return o
}

// sessionUpdate is what the host broadcasts every tick.
type sessionUpdate struct {
	SessionID   string `json:"session_id"`
	TrackID     string `json:"track_id"`
	TrackName   string `json:"track_name"`
	TrackArtist string `json:"track_artist"`
	PositionMs  int64  `json:"position_ms"`
	IsPlaying   bool   `json:"is_playing"`
}

type recorded struct {
	sessionID string
	trackID   string
	playing   bool
	colours   []string
}

type Engine struct {
	sessions Sessions
	player   Player
	ch       Sender
	queue    Queue
	history  Recorder
	Palette  Palette
	opts     Options
	now      func() time.Time

	scheduler *gocron.Scheduler

	mu      sync.Mutex
	hosting string
	job     *gocron.Job
	gen     uint64
	last    recorded
	unsub   func()

	// tickMu is held for the duration of a broadcast so that StopHosting
	// can wait one out.
	tickMu sync.Mutex
	wg     sync.WaitGroup

	// guest sync runs on its own goroutine. Only the latest host update is
	// kept while a command is in flight.
	syncMu     sync.Mutex
	syncIdle   *sync.Cond
	syncNext   *syncJob
	syncBusy   bool
	syncGen    uint64
	syncCancel context.CancelFunc
}

type syncJob struct {
	sessionID string
	remote    models.PlaybackState
	gen       uint64
}

func NewEngine(sessions Sessions, p Player, ch Sender, q Queue, history Recorder, opts Options) *Engine {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	e := &Engine{
		sessions:  sessions,
		player:    p,
		ch:        ch,
		queue:     q,
		history:   history,
		opts:      opts.withDefaults(),
		now:       time.Now,
		scheduler: s,
	}
	e.syncIdle = sync.NewCond(&e.syncMu)
	return e
}

func (e *Engine) Start() {
	e.mu.Lock()
	if e.unsub != nil {
		e.mu.Unlock()
		return
	}
	e.unsub = e.sessions.Subscribe(e.onChange)
	e.mu.Unlock()
	e.scheduler.StartAsync()
}

func (e *Engine) Close() {
	e.mu.Lock()
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	e.StopHosting()
	e.cancelSync()
	e.WaitSync()
	e.scheduler.Stop()
	e.wg.Wait()
}

func (e *Engine) onChange(c session.Change) {
	switch c.Kind {
	case session.Joined, session.Restored:
		if c.Role == models.RoleHost {
			e.cancelSync()
			if err := e.StartHosting(c.SessionID); err != nil {
				slog.Error("Failed to start broadcasting", slog.String("session_id", c.SessionID), slog.String("stack", err.Error()))
			}
			return
		}
		e.StopHosting()
		if c.Session != nil && c.Session.Playback != nil {
			e.follow(c.SessionID, *c.Session.Playback)
		}
	case session.PlaybackUpdated:
		// hosts get their own updates echoed back
		if e.Hosting() != "" || e.sessions.Role() != models.RoleGuest {
			return
		}
		if c.Session == nil || c.Session.Playback == nil {
			return
		}
		e.follow(c.SessionID, *c.Session.Playback)
	case session.Left, session.Discarded:
		e.cancelSync()
		e.StopHosting()
		e.queue.Clear()
		e.mu.Lock()
		e.last = recorded{}
		e.mu.Unlock()
		if e.history != nil {
			if err := e.history.Stop(); err != nil {
				slog.Warn("Failed to close history entry", slog.String("stack", err.Error()))
			}
		}
	}
}

// Hosting returns the id of the session being broadcast to, if any.
func (e *Engine) Hosting() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hosting
}

// StartHosting begins broadcasting the local player's state to sessionID.
func (e *Engine) StartHosting(sessionID string) error {
	e.mu.Lock()
	if e.hosting == sessionID && e.job != nil {
		e.mu.Unlock()
		return nil
	}
	old := e.job
	e.gen++
	gen := e.gen
	e.hosting = sessionID
	e.job = nil
	e.mu.Unlock()
	if old != nil {
		e.scheduler.RemoveByReference(old)
	}

	job, err := e.scheduler.Every(e.opts.BroadcastInterval).WaitForSchedule().Do(e.tick, gen)
	if err != nil {
		e.mu.Lock()
		if e.gen == gen {
			e.hosting = ""
		}
		e.mu.Unlock()
		return fmt.Errorf("failed to schedule broadcast: %w", err)
	}

	e.mu.Lock()
	if e.gen != gen {
		// stopped while scheduling
		e.mu.Unlock()
		e.scheduler.RemoveByReference(job)
		return nil
	}
	e.job = job
	e.mu.Unlock()
	slog.Info("Broadcasting playback", slog.String("session_id", sessionID), slog.Duration("interval", e.opts.BroadcastInterval))
	return nil
}

// StopHosting cancels the broadcast. Once it returns no further update is
// sent, including from a tick that was already running.
func (e *Engine) StopHosting() {
	e.mu.Lock()
	job := e.job
	id := e.hosting
	e.job = nil
	e.hosting = ""
	e.gen++
	e.mu.Unlock()
	if job != nil {
		e.scheduler.RemoveByReference(job)
	}
	// wait out a tick that started before the generation changed
	e.tickMu.Lock()
	e.tickMu.Unlock()
	if id != "" {
		slog.Info("Stopped broadcasting playback", slog.String("session_id", id))
	}
}

func (e *Engine) currentGen() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

func (e *Engine) tick(gen uint64) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.mu.Lock()
	if gen != e.gen || e.hosting == "" {
		e.mu.Unlock()
		return
	}
	id := e.hosting
	e.mu.Unlock()

	state := e.player.State()
	if state.TrackID == "" {
		return
	}
	e.mu.Lock()
	stale := gen != e.gen
	e.mu.Unlock()
	if stale {
		return
	}
	update := sessionUpdate{
		SessionID:   id,
		TrackID:     state.TrackID,
		TrackName:   state.TrackName,
		TrackArtist: state.TrackArtist,
		PositionMs:  state.PositionMs,
		IsPlaying:   state.Playing,
	}
	if err := e.ch.Send(session.EventSessionUpdate, update); err != nil {
		slog.Debug("Failed to broadcast playback", slog.String("session_id", id), slog.String("stack", err.Error()))
	}
	e.record(id, state)
}

// follow hands the host's state to the sync worker and returns straight
// away. An update that arrives while a command is in flight replaces any
// update still waiting.
func (e *Engine) follow(sessionID string, remote models.PlaybackState) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	e.syncNext = &syncJob{sessionID: sessionID, remote: remote, gen: e.syncGen}
	if e.syncBusy {
		return
	}
	e.syncBusy = true
	go e.syncLoop()
}

func (e *Engine) syncLoop() {
	for {
		e.syncMu.Lock()
		job := e.syncNext
		e.syncNext = nil
		// cancelSync clears syncNext, so a waiting job is never stale
		if job == nil {
			e.syncBusy = false
			e.syncIdle.Broadcast()
			e.syncMu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.CommandTimeout)
		e.syncCancel = cancel
		e.syncMu.Unlock()

		e.sync(ctx, job)

		e.syncMu.Lock()
		cancel()
		e.syncCancel = nil
		e.syncMu.Unlock()
	}
}

// sync brings the local player in line with what the host reported.
// Failures are logged: the next update is another chance to catch up.
func (e *Engine) sync(ctx context.Context, job *syncJob) {
	now := e.now()
	remote := job.remote
	remote.PositionMs = remote.PositionAt(now)
	remote.CapturedAt = now
	local := e.player.State()

	for _, cmd := range Plan(local, remote, e.opts.DriftThreshold) {
		if err := e.execute(ctx, cmd); err != nil {
			if ctx.Err() == nil || !e.syncStale(job) {
				slog.Warn("Failed to follow host",
					slog.String("session_id", job.sessionID),
					slog.String("command", string(cmd.Kind)),
					slog.String("stack", err.Error()),
				)
			}
			break
		}
	}
	if e.syncStale(job) {
		return
	}
	e.record(job.sessionID, remote)
}

func (e *Engine) syncStale(job *syncJob) bool {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return job.gen != e.syncGen
}

// cancelSync drops any waiting update and cancels the command in flight.
// It does not wait for the player to give up.
func (e *Engine) cancelSync() {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	e.syncGen++
	e.syncNext = nil
	if e.syncCancel != nil {
		e.syncCancel()
	}
}

// WaitSync blocks until the sync worker has nothing left to do.
func (e *Engine) WaitSync() {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	for e.syncBusy {
		e.syncIdle.Wait()
	}
}

func (e *Engine) execute(ctx context.Context, cmd Command) error {
	slog.Debug("Syncing player", slog.String("command", string(cmd.Kind)), slog.Int64("position_ms", cmd.PositionMs))
	switch cmd.Kind {
	case CommandPlay:
		return e.player.Play(ctx, models.TrackURI(cmd.TrackID), cmd.PositionMs)
	case CommandSeek:
		return e.player.Seek(ctx, cmd.PositionMs)
	case CommandPause:
		return e.player.Pause(ctx)
	case CommandResume:
		return e.player.Resume(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd.Kind)
}

// record adds to the history whenever the track or play state changes.
func (e *Engine) record(sessionID string, state models.PlaybackState) {
	if e.history == nil || state.TrackID == "" {
		return
	}
	e.mu.Lock()
	last := e.last
	e.mu.Unlock()
	if last.sessionID == sessionID && last.trackID == state.TrackID && last.playing == state.Playing {
		return
	}

	colours := last.colours
	if last.trackID != state.TrackID {
		colours = nil
		if e.Palette != nil && state.ImageURL != "" {
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.CommandTimeout)
			found, err := e.Palette.Colours(ctx, state.ImageURL)
			cancel()
			if err != nil {
				slog.Warn("Failed to extract cover colours", slog.String("image_url", state.ImageURL), slog.String("stack", err.Error()))
			}
			colours = found
		}
	}
	if err := e.history.Record(sessionID, state, colours); err != nil {
		slog.Error("Failed to save playback history",
			slog.String("stack", err.Error()),
			slog.String("track_id", state.TrackID))
		return
	}
	e.mu.Lock()
	e.last = recorded{sessionID: sessionID, trackID: state.TrackID, playing: state.Playing, colours: colours}
	e.mu.Unlock()
}

func (e *Engine) hostCommand(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.Hosting() == "" {
		return session.ErrNotHost
	}
	if err := fn(ctx); err != nil {
		return err
	}
	// let guests know straight away rather than on the next tick
	e.tick(e.currentGen())
	return nil
}

// HostPlay starts a track for the whole session and queues up similar
// tracks behind it. Queueing happens in the background and its failures
// never affect playback.
func (e *Engine) HostPlay(ctx context.Context, trackID string, positionMs int64) error {
	err := e.hostCommand(ctx, func(ctx context.Context) error {
		return e.player.Play(ctx, models.TrackURI(trackID), positionMs)
	})
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		qctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		tracks := e.queue.GenerateQueue(qctx, trackID, e.opts.QueueSize)
		if len(tracks) == 0 {
			return
		}
		e.queue.SubmitToDevice(qctx, tracks)
	}()
	return nil
}

func (e *Engine) HostPause(ctx context.Context) error {
	return e.hostCommand(ctx, e.player.Pause)
}

func (e *Engine) HostResume(ctx context.Context) error {
	return e.hostCommand(ctx, e.player.Resume)
}

func (e *Engine) HostSeek(ctx context.Context, positionMs int64) error {
	return e.hostCommand(ctx, func(ctx context.Context) error {
		return e.player.Seek(ctx, positionMs)
	})
}

// Wait blocks until background queue work has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
