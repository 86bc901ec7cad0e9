// Package jam wires the channel, session, player, playback, queue and chat
// components into the client the UI talks to.
package jam

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"github.com/marcus-crane/tunetogether/artwork"
	"github.com/marcus-crane/tunetogether/backend"
	"github.com/marcus-crane/tunetogether/channel"
	"github.com/marcus-crane/tunetogether/chat"
	"github.com/marcus-crane/tunetogether/config"
	"github.com/marcus-crane/tunetogether/db"
	"github.com/marcus-crane/tunetogether/events"
	"github.com/marcus-crane/tunetogether/jobs"
	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/notify"
	"github.com/marcus-crane/tunetogether/playback"
	"github.com/marcus-crane/tunetogether/player"
	"github.com/marcus-crane/tunetogether/queue"
	"github.com/marcus-crane/tunetogether/retry"
	"github.com/marcus-crane/tunetogether/session"
	"github.com/marcus-crane/tunetogether/spotify"
)

// Deps overrides the external collaborators. Anything left nil is built
// from the config.
type Deps struct {
	Dialer      channel.Dialer
	Device      player.Device
	Remote      player.Remote
	Credentials player.Credentials
	Recommender queue.Recommender
	Palette     playback.Palette
	Notifier    notify.Notifier
	// Me skips looking the local user up on the backend.
	Me *models.User
}

type Client struct {
	cfg   *config.Config
	store *db.SqliteStore
	me    models.User

	API      *backend.Client
	Auth     *spotify.Auth
	Channel  *channel.Manager
	Sessions *session.Controller
	Player   *player.Adapter
	Queue    *queue.Manager
	Engine   *playback.Engine
	History  *playback.History
	Chat     *chat.Relay
	Events   *events.Publisher

	notifier  notify.Notifier
	scheduler *gocron.Scheduler

	mu      sync.Mutex
	started bool
	unsubs  []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New looks up who we are on the backend and assembles the client. Nothing
// connects until Start.
func New(ctx context.Context, cfg *config.Config, store *db.SqliteStore, deps Deps) (*Client, error) {
	api := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token)

	var me models.User
	if deps.Me != nil {
		me = *deps.Me
	} else {
		var err error
		me, err = api.Me(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to look up current user: %w", err)
		}
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.New(cfg.Pushover.Token, cfg.Pushover.Recipient, cfg.Spotify.DeviceName)
	}

	auth := spotify.NewAuth(cfg.Spotify, store, notifier)
	web := spotify.NewClient(auth)

	creds := deps.Credentials
	if creds == nil {
		creds = auth
	}
	remote := deps.Remote
	if remote == nil {
		remote = web
	}
	device := deps.Device
	if device == nil {
		deviceID := cfg.Spotify.DeviceID
		if deviceID == "" {
			deviceID = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		device = spotify.NewDevice(deviceID, cfg.Spotify.DeviceName, cfg.Spotify.Username)
	}
	recs := deps.Recommender
	if recs == nil {
		recs = web
	}

	ch := channel.NewManager(channel.Options{
		URL:              cfg.Backend.URL,
		Path:             cfg.Backend.SocketPath,
		Reconnect:        retry.Constant(cfg.Channel.ReconnectAttempts, cfg.Channel.ReconnectDelay()),
		HandshakeTimeout: cfg.Channel.HandshakeTimeout(),
	}, deps.Dialer)

	sessions := session.NewController(ch, api, store, me)
	adapter := player.NewAdapter(creds, device, remote, player.Options{
		Registration:      retry.Constant(cfg.Player.RegistrationAttempts, cfg.Player.RegistrationDelay()),
		CommandRetryDelay: cfg.Player.CommandRetryDelay(),
	})
	q := queue.NewManager(recs, adapter)
	history := playback.NewHistory(store.DB)
	engine := playback.NewEngine(sessions, adapter, ch, q, history, playback.Options{
		BroadcastInterval: cfg.Sync.BroadcastInterval(),
		DriftThreshold:    cfg.Sync.DriftThreshold(),
		QueueSize:         cfg.Sync.QueueSize,
		CommandTimeout:    cfg.Player.CommandTimeout(),
	})
	engine.Palette = deps.Palette
	if engine.Palette == nil {
		engine.Palette = artwork.NewExtractor()
	}
	relay := chat.NewRelay(ch, sessions, chat.Options{MatchWindow: cfg.Sync.ChatMatchWindow()})
	pub := events.NewPublisher()

	c := &Client{
		cfg:      cfg,
		store:    store,
		me:       me,
		API:      api,
		Auth:     auth,
		Channel:  ch,
		Sessions: sessions,
		Player:   adapter,
		Queue:    q,
		Engine:   engine,
		History:  history,
		Chat:     relay,
		Events:   pub,
		notifier: notifier,
	}
	if !cfg.Jam.BackgroundJobsDisabled {
		c.scheduler = jobs.SetupInBackground(auth, jobs.NewPoller(api, sessions, pub))
	}
	return c, nil
}

func (c *Client) Me() models.User {
	return c.me
}

// Start hooks the components up to each other and to the UI streams, opens
// the channel and registers the player in the background. A channel that
// fails to connect is reported but does not stop the client.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	bgCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.observe()
	c.Sessions.Start()
	c.Engine.Start()
	c.Chat.Start()
	if c.scheduler != nil {
		c.scheduler.StartAsync()
	}

	if err := c.Channel.Connect(ctx, c.cfg.Backend.Token); err != nil {
		slog.Error("Failed to connect to the backend channel", slog.String("stack", err.Error()))
		c.Events.Notice("error", "Could not connect to the jam server")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.InitializePlayer(bgCtx)
	}()
	return nil
}

// InitializePlayer registers the local device. Failures are surfaced to
// the UI and, when configured, as an alert.
func (c *Client) InitializePlayer(ctx context.Context) error {
	if !c.Auth.Authorized() {
		c.Events.Notice("warning", "Connect Spotify to start playing")
	}
	err := c.Player.Initialize(ctx)
	if err == nil {
		return nil
	}
	c.Events.Notice("error", "Spotify player could not be registered")
	alert := notify.Alert{
		Title:   "TuneTogether player failed to register",
		Message: err.Error(),
	}
	if nerr := c.notifier.Notify(ctx, alert); nerr != nil {
		slog.Warn("Failed to send player alert", slog.String("stack", nerr.Error()))
	}
	return err
}

func (c *Client) observe() {
	stateSub := c.Channel.OnStateChange(func(s channel.State) {
		c.Events.Publish(events.StreamConnection, s)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs,
		stateSub.Unsubscribe,
		c.Sessions.Subscribe(func(change session.Change) {
			c.Events.Publish(events.StreamSession, change)
			if change.Session != nil && change.Session.Playback != nil {
				c.Events.Publish(events.StreamPlayback, change.Session.Playback)
			}
		}),
		c.Player.Subscribe(func(snap player.Snapshot) {
			c.Queue.OnPlayerState(snap)
			c.Events.Publish(events.StreamPlayer, snap)
			c.Events.Publish(events.StreamQueue, c.QueueView())
		}),
		c.Chat.Subscribe(func(m chat.Message) {
			c.Events.Publish(events.StreamChat, m)
		}),
	)
}

// Close leaves nothing running: the current session is left, the channel
// closed and the player released.
func (c *Client) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cur := c.Sessions.Current(); cur != nil {
		c.Sessions.LeaveSession(ctx, cur.ID)
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	c.Engine.Close()
	c.Chat.Close()
	c.Sessions.Close()
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	c.Channel.Close()
	if err := c.Player.Close(); err != nil {
		slog.Warn("Failed to close player", slog.String("stack", err.Error()))
	}
	c.wg.Wait()
	c.Events.Close()
}
