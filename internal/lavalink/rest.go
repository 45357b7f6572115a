package lavalink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"hydrogen/internal/logger"
	"hydrogen/pkg/retrylimit"
)

// LoadType classifies the outcome of a track resolve.
type LoadType string

const (
	LoadTypeTrack    LoadType = "TRACK_LOADED"
	LoadTypePlaylist LoadType = "PLAYLIST_LOADED"
	LoadTypeSearch   LoadType = "SEARCH_RESULT"
	LoadTypeNoMatch  LoadType = "NO_MATCHES"
	LoadTypeFailed   LoadType = "LOAD_FAILED"
)

// Track is a resolved track: the opaque encoded blob the node plays plus
// the metadata it reported.
type Track struct {
	Encoded string    `json:"track"`
	Info    TrackInfo `json:"info"`
}

// TrackInfo is the metadata section of a resolved track.
type TrackInfo struct {
	Identifier string `json:"identifier"`
	Author     string `json:"author"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	SourceName string `json:"sourceName"`
	LengthMs   int64  `json:"length"`
	IsSeekable bool   `json:"isSeekable"`
	IsStream   bool   `json:"isStream"`
}

// PlaylistInfo accompanies a playlist load.
type PlaylistInfo struct {
	Name string `json:"name"`
	// SelectedTrack is the index the link pointed at, or -1.
	SelectedTrack int `json:"selectedTrack"`
}

// LoadException is the cause attached to a failed load.
type LoadException struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// LoadResult is the response of a track resolve.
type LoadResult struct {
	LoadType     LoadType       `json:"loadType"`
	Tracks       []Track        `json:"tracks"`
	PlaylistInfo *PlaylistInfo  `json:"playlistInfo,omitempty"`
	Exception    *LoadException `json:"exception,omitempty"`
}

// ErrorResponse is a structured rejection from the node. It implements
// retrylimit.HTTPError so the retry engine treats 4xx as fatal and 5xx as
// retryable.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("node rejected request: %d %s (%s)", e.Status, e.Message, e.Path)
}

func (e *ErrorResponse) StatusCode() int { return e.Status }

// PlayerUpdate is a partial player mutation for the REST surface. Nil
// fields are omitted and leave the remote value untouched; EncodedTrack
// distinguishes "not sent" (nil) from "stop" (pointer to empty string).
type PlayerUpdate struct {
	EncodedTrack *string     `json:"encodedTrack,omitempty"`
	PositionMs   *int64      `json:"position,omitempty"`
	EndTimeMs    *int64      `json:"endTime,omitempty"`
	Volume       *int        `json:"volume,omitempty"`
	Paused       *bool       `json:"paused,omitempty"`
	Voice        *VoiceState `json:"voice,omitempty"`
}

// VoiceState is the REST form of the Discord voice credentials.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// RestConfig tunes the REST client retry policy.
type RestConfig struct {
	Attempts  int
	RetryBase time.Duration
	RetryCap  time.Duration
	Timeout   time.Duration
}

// RestClient issues one-shot requests against a node's HTTP surface.
// All calls are resolve-only or idempotent, so retrying a network failure
// is always safe.
type RestClient struct {
	baseURL  string
	password string
	http     *http.Client
	limiter  *retrylimit.AdaptiveLimiter
	cfg      RestConfig
}

// NewRestClient builds a client for a single node. secure selects https.
func NewRestClient(host, password string, secure bool, cfg RestConfig) *RestClient {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RestClient{
		baseURL:  fmt.Sprintf("%s://%s", scheme, host),
		password: password,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  retrylimit.NewAdaptiveLimiter(5, 1, 20, 1, 0.5),
		cfg:      cfg,
	}
}

// LoadTracks resolves an identifier (URL or search query) into tracks.
func (c *RestClient) LoadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	endpoint := c.baseURL + "/v3/loadtracks?identifier=" + url.QueryEscape(identifier)

	var result LoadResult
	err := c.do(ctx, http.MethodGet, endpoint, nil, &result)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracks for %q: %w", identifier, err)
	}
	return &result, nil
}

// UpdatePlayer applies a partial mutation to a guild player on the node.
func (c *RestClient) UpdatePlayer(ctx context.Context, sessionID, guildID string, update PlayerUpdate, noReplace bool) error {
	endpoint := fmt.Sprintf("%s/v3/sessions/%s/players/%s?noReplace=%t",
		c.baseURL, url.PathEscape(sessionID), url.PathEscape(guildID), noReplace)

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode player update: %w", err)
	}

	if err := c.do(ctx, http.MethodPatch, endpoint, body, nil); err != nil {
		return fmt.Errorf("failed to update player for guild %s: %w", guildID, err)
	}
	return nil
}

// DestroyPlayer removes a guild player from the node. Destroying a player
// that does not exist is not an error.
func (c *RestClient) DestroyPlayer(ctx context.Context, sessionID, guildID string) error {
	endpoint := fmt.Sprintf("%s/v3/sessions/%s/players/%s",
		c.baseURL, url.PathEscape(sessionID), url.PathEscape(guildID))

	err := c.do(ctx, http.MethodDelete, endpoint, nil, nil)
	if err != nil {
		var rejected *ErrorResponse
		if errors.As(err, &rejected) && rejected.Status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to destroy player for guild %s: %w", guildID, err)
	}
	return nil
}

// do runs one request through the retry engine. Network failures and 5xx
// responses are retried with exponential backoff up to the configured
// attempts; 4xx rejections stop immediately.
func (c *RestClient) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	cfg := retrylimit.RetryConfig{
		MaxAttempts:  c.cfg.Attempts,
		InitialDelay: c.cfg.RetryBase,
		MaxDelay:     c.cfg.RetryCap,
		Multiplier:   2.0,
		Jitter:       true,
		OnRetry: func(attempt int, err error) {
			logger.Warn("rest request retrying",
				logger.String("method", method),
				logger.String("url", endpoint),
				logger.Int("attempt", attempt),
				logger.ErrorField(err))
		},
	}

	return retrylimit.WithRetryConfig(ctx, func() error {
		return c.once(ctx, method, endpoint, body, out)
	}, c.limiter, cfg)
}

func (c *RestClient) once(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &retrylimit.FatalError{Err: err}
	}
	req.Header.Set("Authorization", c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		rejected := &ErrorResponse{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		// The node sends a JSON error envelope; fall back to the bare
		// status line when the body isn't one.
		_ = json.Unmarshal(data, rejected)
		if rejected.Status == 0 {
			rejected.Status = resp.StatusCode
		}
		if resp.StatusCode >= 500 {
			return rejected
		}
		return &retrylimit.FatalError{Err: rejected}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &retrylimit.FatalError{Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil
}
