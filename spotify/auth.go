package spotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/marcus-crane/tunetogether/config"
	"github.com/marcus-crane/tunetogether/db"
	"github.com/marcus-crane/tunetogether/notify"
	"github.com/marcus-crane/tunetogether/utils"
)

const (
	authURL        = "https://accounts.spotify.com/authorize"
	tokenURL       = "https://accounts.spotify.com/api/token"
	accessTokenID  = "spotify:accesstoken"
	refreshTokenID = "spotify:refreshtoken"
	refreshWindow  = 5 * time.Minute
)

var scopes = []string{
	"streaming",
	"user-read-playback-state",
	"user-modify-playback-state",
	"user-read-currently-playing",
}

var (
	ErrNotAuthorized = errors.New("spotify is not authorised, visit the authorise url")
	ErrStateMismatch = errors.New("oauth state mismatch")
)

type TokenStore interface {
	GetTokenByID(id string) string
	UpsertToken(id, value string) error
	GetTokenMetadataByID(id string) db.TokenMetadata
	UpsertTokenMetadata(id string, createdat, expiresin int64) error
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// Auth owns the Spotify OAuth tokens. Tokens are persisted so that a
// restart does not need a fresh authorisation.
type Auth struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	HTTPClient   *http.Client

	store    TokenStore
	notifier notify.Notifier
	now      func() time.Time

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiry       time.Time
	state        string
}

func NewAuth(cfg config.SpotifyConfig, store TokenStore, notifier notify.Notifier) *Auth {
	a := &Auth{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		AuthURL:      authURL,
		TokenURL:     tokenURL,
		HTTPClient:   utils.NewHTTPClient(),
		store:        store,
		notifier:     notifier,
		now:          time.Now,
	}
	a.accessToken = store.GetTokenByID(accessTokenID)
	a.refreshToken = store.GetTokenByID(refreshTokenID)
	if meta := store.GetTokenMetadataByID(accessTokenID); meta.CreatedAt > 0 {
		a.expiry = time.Unix(meta.CreatedAt, 0).Add(time.Duration(meta.ExpiresIn) * time.Second)
	}
	return a
}

// AuthorizeURL starts a new authorisation, invalidating any earlier one.
func (a *Auth) AuthorizeURL() string {
	state := utils.RandomString(16)
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", a.ClientID)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("redirect_uri", a.RedirectURI)
	q.Set("state", state)
	return a.AuthURL + "?" + q.Encode()
}

// Exchange completes an authorisation started with AuthorizeURL.
func (a *Auth) Exchange(ctx context.Context, state, code string) error {
	a.mu.Lock()
	expected := a.state
	a.mu.Unlock()
	if expected == "" || state != expected {
		return ErrStateMismatch
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", a.RedirectURI)
	token, err := a.requestToken(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to exchange code for token: %w", err)
	}

	a.mu.Lock()
	a.state = ""
	a.mu.Unlock()
	a.save(token)
	slog.Info("Authorised with Spotify")
	return nil
}

func (a *Auth) Refresh(ctx context.Context) error {
	a.mu.Lock()
	refresh := a.refreshToken
	a.mu.Unlock()
	if refresh == "" {
		return ErrNotAuthorized
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refresh)
	token, err := a.requestToken(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	a.save(token)
	slog.Info("Successfully refreshed tokens")
	return nil
}

func (a *Auth) requestToken(ctx context.Context, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(a.ClientID+":"+a.ClientSecret)))

	res, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access token")
	}
	return &token, nil
}

func (a *Auth) save(token *TokenResponse) {
	now := a.now()
	a.mu.Lock()
	a.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		a.refreshToken = token.RefreshToken
	}
	a.expiry = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	refresh := a.refreshToken
	a.mu.Unlock()

	if err := a.store.UpsertToken(accessTokenID, token.AccessToken); err != nil {
		slog.Error("Failed to save access token", slog.String("stack", err.Error()))
	}
	if err := a.store.UpsertToken(refreshTokenID, refresh); err != nil {
		slog.Error("Failed to save refresh token", slog.String("stack", err.Error()))
	}
	if err := a.store.UpsertTokenMetadata(accessTokenID, now.Unix(), int64(token.ExpiresIn)); err != nil {
		slog.Error("Failed to save token metadata", slog.String("stack", err.Error()))
	}
}

func (a *Auth) expiring() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiry.IsZero() || a.now().Add(refreshWindow).After(a.expiry)
}

// Token returns a valid access token, refreshing it first if it is about
// to expire.
func (a *Auth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	access := a.accessToken
	a.mu.Unlock()
	if access == "" {
		return "", ErrNotAuthorized
	}
	if a.expiring() {
		if err := a.Refresh(ctx); err != nil {
			return "", err
		}
		a.mu.Lock()
		access = a.accessToken
		a.mu.Unlock()
	}
	return access, nil
}

// PlayerToken is the credential the Connect device logs in with.
func (a *Auth) PlayerToken(ctx context.Context) (string, error) {
	return a.Token(ctx)
}

func (a *Auth) Authorized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshToken != ""
}

// RefreshIfNeeded is run periodically. When a refresh fails somebody has
// to authorise again by hand, so they get pinged with the link.
func (a *Auth) RefreshIfNeeded(ctx context.Context) error {
	if !a.Authorized() {
		return a.requestReauth(ctx, ErrNotAuthorized)
	}
	if !a.expiring() {
		return nil
	}
	if err := a.Refresh(ctx); err != nil {
		return a.requestReauth(ctx, err)
	}
	return nil
}

func (a *Auth) requestReauth(ctx context.Context, cause error) error {
	link := a.AuthorizeURL()
	slog.Info("Please open the following URL in your browser", slog.String("url", link))
	alert := notify.Alert{
		Title:    "Please auth with Spotify for TuneTogether",
		Message:  "The Spotify refresh token is missing or has expired so we need to manually reauth",
		URL:      link,
		URLTitle: "Auth with Spotify",
		Urgent:   true,
	}
	if err := a.notifier.Notify(ctx, alert); err != nil {
		slog.Error("Failed to notify about oauth request", slog.String("stack", err.Error()))
	}
	return cause
}

// HandleCallback is the OAuth redirect target.
func (a *Auth) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if msg := q.Get("error"); msg != "" {
		http.Error(w, "Spotify authorisation was declined: "+msg, http.StatusBadRequest)
		return
	}
	if err := a.Exchange(r.Context(), q.Get("state"), q.Get("code")); err != nil {
		if errors.Is(err, ErrStateMismatch) {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		slog.Error("Failed to complete Spotify authorisation", slog.String("stack", err.Error()))
		http.Error(w, "Error exchanging code for token", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Authentication successful! You can close this window.")
}
