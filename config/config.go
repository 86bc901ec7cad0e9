package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	golobby "github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

type Config struct {
	Backend  BackendConfig
	Channel  ChannelConfig
	Jam      JamConfig
	Player   PlayerConfig
	Pushover PushoverConfig
	Spotify  SpotifyConfig
	Sync     SyncConfig
}

type BackendConfig struct {
	URL        string `env:"BACKEND_URL"`
	Token      string `env:"BACKEND_TOKEN"`
	SocketPath string `env:"BACKEND_SOCKET_PATH"`
}

type ChannelConfig struct {
	ReconnectAttempts  uint64 `env:"CHANNEL_RECONNECT_ATTEMPTS"`
	ReconnectDelayMs   int64  `env:"CHANNEL_RECONNECT_DELAY_MS"`
	HandshakeTimeoutMs int64  `env:"CHANNEL_HANDSHAKE_TIMEOUT_MS"`
}

type JamConfig struct {
	BackgroundJobsDisabled bool   `env:"BACKGROUND_JOBS_DISABLED"`
	DbPath                 string `env:"DB_PATH"`
	ListenAddr             string `env:"LISTEN_ADDR"`
	LogLevel               string `env:"LOG_LEVEL"`
	// SigningSecret verifies intents posted to the local bridge. Unsigned
	// requests are accepted when it is empty.
	SigningSecret string `env:"JAM_SIGNING_SECRET"`
	// AllowedOrigins is a comma separated list for CORS.
	AllowedOrigins string `env:"JAM_ALLOWED_ORIGINS"`
}

type PlayerConfig struct {
	RegistrationAttempts  uint64 `env:"PLAYER_REGISTRATION_ATTEMPTS"`
	RegistrationDelayMs   int64  `env:"PLAYER_REGISTRATION_DELAY_MS"`
	CommandRetryDelayMs   int64  `env:"PLAYER_COMMAND_RETRY_DELAY_MS"`
	CommandTimeoutSeconds int64  `env:"PLAYER_COMMAND_TIMEOUT_SECONDS"`
}

type PushoverConfig struct {
	Recipient string `env:"PUSHOVER_RECIPIENT"`
	Token     string `env:"PUSHOVER_TOKEN"`
}

type SpotifyConfig struct {
	ClientID     string `env:"SPOTIFY_CLIENT_ID"`
	ClientSecret string `env:"SPOTIFY_CLIENT_SECRET"`
	RedirectURI  string `env:"SPOTIFY_REDIRECT_URI"`
	Username     string `env:"SPOTIFY_USERNAME"`
	DeviceID     string `env:"SPOTIFY_DEVICE_ID"`
	DeviceName   string `env:"SPOTIFY_CONNECT_PLAYER_NAME"`
}

type SyncConfig struct {
	BroadcastIntervalMs int64 `env:"SYNC_BROADCAST_INTERVAL_MS"`
	DriftThresholdMs    int64 `env:"SYNC_DRIFT_THRESHOLD_MS"`
	QueueSize           int   `env:"SYNC_QUEUE_SIZE"`
	ChatMatchWindowMs   int64 `env:"CHAT_MATCH_WINDOW_MS"`
}

var ErrInvalid = errors.New("invalid configuration")

// Load reads the configuration from the environment, with values from
// dotenvPath (if the file exists) applied first.
func Load(dotenvPath string) (*Config, error) {
	cfg := &Config{}
	c := golobby.New()
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			c.AddFeeder(feeder.DotEnv{Path: dotenvPath})
		}
	}
	c.AddFeeder(feeder.Env{})
	c.AddStruct(cfg)
	if err := c.Feed(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Jam.ListenAddr == "" {
		c.Jam.ListenAddr = ":8080"
	}
	if c.Jam.DbPath == "" {
		c.Jam.DbPath = "tunetogether.db"
	}
	if c.Backend.SocketPath == "" {
		c.Backend.SocketPath = "/socket.io/"
	}
	if c.Spotify.DeviceName == "" {
		c.Spotify.DeviceName = "TuneTogether"
	}
	if c.Sync.BroadcastIntervalMs <= 0 {
		c.Sync.BroadcastIntervalMs = 1000
	}
	if c.Sync.DriftThresholdMs <= 0 {
		c.Sync.DriftThresholdMs = 500
	}
	if c.Sync.QueueSize <= 0 {
		c.Sync.QueueSize = 20
	}
	if c.Sync.ChatMatchWindowMs <= 0 {
		c.Sync.ChatMatchWindowMs = 2000
	}
	if c.Player.RegistrationAttempts == 0 {
		c.Player.RegistrationAttempts = 15
	}
	if c.Player.RegistrationDelayMs <= 0 {
		c.Player.RegistrationDelayMs = 1000
	}
	if c.Player.CommandRetryDelayMs <= 0 {
		c.Player.CommandRetryDelayMs = 1000
	}
	if c.Player.CommandTimeoutSeconds <= 0 {
		c.Player.CommandTimeoutSeconds = 10
	}
	if c.Channel.ReconnectAttempts == 0 {
		c.Channel.ReconnectAttempts = 5
	}
	if c.Channel.ReconnectDelayMs <= 0 {
		c.Channel.ReconnectDelayMs = 2000
	}
	if c.Channel.HandshakeTimeoutMs <= 0 {
		c.Channel.HandshakeTimeoutMs = 10000
	}
}

func (c *Config) Validate() error {
	var missing []string
	if c.Backend.URL == "" {
		missing = append(missing, "BACKEND_URL")
	}
	if c.Spotify.ClientID == "" {
		missing = append(missing, "SPOTIFY_CLIENT_ID")
	}
	if c.Spotify.ClientSecret == "" {
		missing = append(missing, "SPOTIFY_CLIENT_SECRET")
	}
	if c.Spotify.RedirectURI == "" {
		missing = append(missing, "SPOTIFY_REDIRECT_URI")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) GetLogLevel() slog.Leveler {
	logLevel := strings.ToLower(c.Jam.LogLevel)
	if logLevel == "error" {
		return slog.LevelError
	}
	if logLevel == "warning" || logLevel == "warn" {
		return slog.LevelWarn
	}
	if logLevel == "debug" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func (s SyncConfig) BroadcastInterval() time.Duration {
	return time.Duration(s.BroadcastIntervalMs) * time.Millisecond
}

func (s SyncConfig) DriftThreshold() time.Duration {
	return time.Duration(s.DriftThresholdMs) * time.Millisecond
}

func (s SyncConfig) ChatMatchWindow() time.Duration {
	return time.Duration(s.ChatMatchWindowMs) * time.Millisecond
}

func (p PlayerConfig) RegistrationDelay() time.Duration {
	return time.Duration(p.RegistrationDelayMs) * time.Millisecond
}

func (p PlayerConfig) CommandRetryDelay() time.Duration {
	return time.Duration(p.CommandRetryDelayMs) * time.Millisecond
}

func (p PlayerConfig) CommandTimeout() time.Duration {
	return time.Duration(p.CommandTimeoutSeconds) * time.Second
}

func (c ChannelConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

func (c ChannelConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

func (j JamConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(j.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
