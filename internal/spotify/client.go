// Package spotify is the client for the Spotify accounts service and Web API.
//
// Token grants go through golang.org/x/oauth2, the profile and the batched
// catalog lookups through zmb3/spotify. Recently played pages are fetched
// directly so that `next` links can be followed exactly as the API returns
// them.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultAPIBaseURL = "https://api.spotify.com/v1"
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	userAgent         = "spotify-play-tracker/1.0"

	// maxRetryAfter caps how long a single Retry-After is honoured.
	maxRetryAfter = 30 * time.Second
	// maxErrorBody bounds how much of a failed response is kept on RequestError.
	maxErrorBody = 512
)

// DefaultScopes are requested on the consent screen.
var DefaultScopes = []string{
	spotifyauth.ScopeUserReadRecentlyPlayed,
	spotifyauth.ScopeUserReadEmail,
	spotifyauth.ScopeUserReadPrivate,
}

// Config holds the application credentials and endpoints.
// Zero values fall back to the public Spotify endpoints.
type Config struct {
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	Scopes            []string
	AuthURL           string
	TokenURL          string
	APIBaseURL        string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
}

// Client talks to the accounts service and the Web API.
// It is safe for concurrent use.
type Client struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	apiBaseURL string
	limiter    *rate.Limiter
	maxRetries int
	logger     zerolog.Logger

	// pick returns an index in [0, n); replaced in tests.
	pick func(n int) int
}

// New creates a client from cfg. Log lines about clamped parameters and
// retries go to logger.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = spotifyauth.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = spotifyauth.TokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: &http.Client{Timeout: cfg.Timeout},
		apiBaseURL: strings.TrimSuffix(cfg.APIBaseURL, "/"),
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: cfg.MaxRetries,
		logger:     logger.With().Str("component", "spotify").Logger(),
		pick:       randomIndex,
	}
}

// clamp returns n when it lies in [1, upper] and upper otherwise,
// logging a warning for the out of range case.
func (c *Client) clamp(param string, n, upper int) int {
	if n > 0 && n <= upper {
		return n
	}
	c.logger.Warn().
		Str("param", param).
		Int("requested", n).
		Int("using", upper).
		Msg("parameter out of range, using maximum")
	return upper
}

// getJSON fetches reqURL with the bearer token and decodes the body into v.
func (c *Client) getJSON(ctx context.Context, op, accessToken, reqURL string, v any) error {
	body, err := c.doRequest(ctx, op, accessToken, reqURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &RequestError{
			Op:         op,
			URL:        reqURL,
			StatusCode: http.StatusOK,
			Body:       truncate(body),
			Err:        fmt.Errorf("decoding response: %w", err),
		}
	}
	return nil
}

// doRequest performs a GET, waiting on the rate limiter before every attempt.
// Rate limited (429) and 5xx responses are retried up to maxRetries times,
// honouring Retry-After when present and backing off 1s, 2s, 4s otherwise.
func (c *Client) doRequest(ctx context.Context, op, accessToken, reqURL string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.doSingleRequest(ctx, op, accessToken, reqURL)
		if err == nil {
			return body, nil
		}

		var reqErr *RequestError
		if !errors.As(err, &reqErr) || !reqErr.retryable() || attempt >= c.maxRetries {
			return nil, err
		}

		delay := reqErr.retryAfter
		if delay < 0 {
			delay = time.Duration(1<<attempt) * time.Second
		}
		c.logger.Warn().
			Str("op", op).
			Int("status", reqErr.StatusCode).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying request")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// doSingleRequest performs a single HTTP request.
func (c *Client) doSingleRequest(ctx context.Context, op, accessToken, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{Op: op, URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Op: op, URL: reqURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{
			Op:         op,
			URL:        reqURL,
			StatusCode: resp.StatusCode,
			Body:       truncate(body),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return body, nil
}

// parseRetryAfter reads a delay in seconds. It returns -1 when the header is
// absent or not a number, so the caller falls back to its own backoff.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return -1
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return -1
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
