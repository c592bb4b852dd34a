package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return New(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/callback",
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/api/token",
		APIBaseURL:   srv.URL,
		MaxRetries:   2,
	}, zerolog.Nop())
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}

func playItems(prefix string, n int) []map[string]any {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"played_at": "2024-03-01T10:00:00Z",
			"track": map[string]any{
				"id":      fmt.Sprintf("%s-%d", prefix, i),
				"name":    "song",
				"artists": []map[string]any{{"id": "a1", "name": "Artist"}},
			},
		}
	}
	return items
}

func TestRecentlyPlayedFollowsNext(t *testing.T) {
	var srv *httptest.Server
	var requests atomic.Int32
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer access" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		switch r.URL.Query().Get("page") {
		case "":
			writeJSON(t, w, map[string]any{"items": playItems("p1", 50), "next": srv.URL + "/me/player/recently-played?page=2"})
		case "2":
			writeJSON(t, w, map[string]any{"items": playItems("p2", 50), "next": srv.URL + "/me/player/recently-played?page=3"})
		case "3":
			writeJSON(t, w, map[string]any{"items": playItems("p3", 17), "next": nil})
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	items, err := c.RecentlyPlayed(context.Background(), "access", time.Now().Add(-24*time.Hour), 50)
	if err != nil {
		t.Fatalf("RecentlyPlayed() error = %v", err)
	}

	if len(items) != 117 {
		t.Fatalf("got %d items, want 117", len(items))
	}
	if requests.Load() != 3 {
		t.Errorf("made %d requests, want 3", requests.Load())
	}
	if items[0].Track.ID != "p1-0" || items[50].Track.ID != "p2-0" || items[116].Track.ID != "p3-16" {
		t.Errorf("items out of page order: first=%s mid=%s last=%s", items[0].Track.ID, items[50].Track.ID, items[116].Track.ID)
	}
}

func TestRecentlyPlayedQuery(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantLimit string
	}{
		{name: "in range", limit: 20, wantLimit: "20"},
		{name: "upper bound", limit: 50, wantLimit: "50"},
		{name: "too large", limit: 51, wantLimit: "50"},
		{name: "zero", limit: 0, wantLimit: "50"},
		{name: "negative", limit: -5, wantLimit: "50"},
	}

	after := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/me/player/recently-played" {
					t.Errorf("path = %s", r.URL.Path)
				}
				q := r.URL.Query()
				if got := q.Get("limit"); got != tt.wantLimit {
					t.Errorf("limit = %s, want %s", got, tt.wantLimit)
				}
				if got := q.Get("after"); got != strconv.FormatInt(after.UnixMilli(), 10) {
					t.Errorf("after = %s, want unix millis", got)
				}
				writeJSON(t, w, map[string]any{"items": []any{}, "next": nil})
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			if _, err := c.RecentlyPlayed(context.Background(), "access", after, tt.limit); err != nil {
				t.Fatalf("RecentlyPlayed() error = %v", err)
			}
		})
	}
}

func TestRecentlyPlayedEdgeCases(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCount int
	}{
		{name: "missing items", body: `{"next": null}`, wantCount: 0},
		{name: "empty object", body: `{}`, wantCount: 0},
		{name: "local file without id", body: `{"items":[{"played_at":"2024-03-01T10:00:00Z","track":{"id":null,"name":"local"}},{"played_at":"2024-03-01T11:00:00Z","track":{"id":"t1"}}]}`, wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			items, err := newTestClient(t, srv).RecentlyPlayed(context.Background(), "access", time.Now(), 50)
			if err != nil {
				t.Fatalf("RecentlyPlayed() error = %v", err)
			}
			if len(items) != tt.wantCount {
				t.Errorf("got %d items, want %d", len(items), tt.wantCount)
			}
		})
	}
}

func TestRecentlyPlayedErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":{"status":401,"message":"expired"}}`, wantStatus: http.StatusUnauthorized},
		{name: "malformed json", status: http.StatusOK, body: `{"items": [`, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv).RecentlyPlayed(context.Background(), "access", time.Now(), 50)
			if !errors.Is(err, ErrUpstreamRequest) {
				t.Fatalf("error = %v, want ErrUpstreamRequest", err)
			}
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("error %T is not *RequestError", err)
			}
			if reqErr.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", reqErr.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	t.Run("succeeds after 429", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requests.Add(1) == 1 {
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			writeJSON(t, w, map[string]any{"items": playItems("t", 2)})
		}))
		defer srv.Close()

		items, err := newTestClient(t, srv).RecentlyPlayed(context.Background(), "access", time.Now(), 50)
		if err != nil {
			t.Fatalf("RecentlyPlayed() error = %v", err)
		}
		if len(items) != 2 {
			t.Errorf("got %d items, want 2", len(items))
		}
		if requests.Load() != 2 {
			t.Errorf("made %d requests, want 2", requests.Load())
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv).RecentlyPlayed(context.Background(), "access", time.Now(), 50)
		var reqErr *RequestError
		if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("error = %v, want 429 RequestError", err)
		}
		// One attempt plus MaxRetries.
		if requests.Load() != 3 {
			t.Errorf("made %d requests, want 3", requests.Load())
		}
	})
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return out
}

func TestAudioFeaturesBatching(t *testing.T) {
	var (
		mu         sync.Mutex
		batchSizes []int
		call       atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio-features" {
			t.Errorf("path = %s", r.URL.Path)
		}
		chunk := strings.Split(r.URL.Query().Get("ids"), ",")
		mu.Lock()
		batchSizes = append(batchSizes, len(chunk))
		mu.Unlock()

		switch call.Add(1) {
		case 2:
			// No features for this chunk at all.
			fmt.Fprint(w, `{"audio_features": null}`)
			return
		case 3:
			// The API answers null for unknown tracks.
			features := []any{nil}
			for _, id := range chunk[1:] {
				features = append(features, map[string]any{"id": id, "energy": 0.5, "duration_ms": 1000})
			}
			writeJSON(t, w, map[string]any{"audio_features": features})
			return
		}
		features := make([]map[string]any, len(chunk))
		for i, id := range chunk {
			features[i] = map[string]any{"id": id, "energy": 0.5, "duration_ms": 1000}
		}
		writeJSON(t, w, map[string]any{"audio_features": features})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	got, err := c.AudioFeatures(context.Background(), []string{"tok"}, ids("t", 250), 100)
	if err != nil {
		t.Fatalf("AudioFeatures() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(batchSizes) != "[100 100 50]" {
		t.Errorf("batch sizes = %v, want [100 100 50]", batchSizes)
	}
	if len(got) != 149 {
		t.Errorf("got %d features, want 149", len(got))
	}
	if got[0].ID != "t000" || got[0].DurationMs != 1000 {
		t.Errorf("first feature = %+v", got[0])
	}
}

func TestArtistsBatchSizeClamp(t *testing.T) {
	tests := []struct {
		name        string
		batchSize   int
		n           int
		wantBatches int
	}{
		{name: "zero uses maximum", batchSize: 0, n: 150, wantBatches: 2},
		{name: "too large uses maximum", batchSize: 500, n: 150, wantBatches: 2},
		{name: "small batches", batchSize: 40, n: 150, wantBatches: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				var artists []map[string]any
				for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
					artists = append(artists, map[string]any{"id": id, "popularity": 10, "genres": []string{"rock"}})
				}
				writeJSON(t, w, map[string]any{"artists": artists})
			}))
			defer srv.Close()

			got, err := newTestClient(t, srv).Artists(context.Background(), []string{"tok"}, ids("a", tt.n), tt.batchSize)
			if err != nil {
				t.Fatalf("Artists() error = %v", err)
			}
			if int(requests.Load()) != tt.wantBatches {
				t.Errorf("made %d requests, want %d", requests.Load(), tt.wantBatches)
			}
			if len(got) != tt.n {
				t.Errorf("got %d artists, want %d", len(got), tt.n)
			}
		})
	}
}

func TestBatchedTokens(t *testing.T) {
	t.Run("no tokens", func(t *testing.T) {
		c := New(Config{}, zerolog.Nop())
		if _, err := c.Artists(context.Background(), nil, []string{"a1"}, 100); !errors.Is(err, ErrNoAccessTokens) {
			t.Errorf("error = %v, want ErrNoAccessTokens", err)
		}
	})

	t.Run("no ids needs no tokens", func(t *testing.T) {
		c := New(Config{}, zerolog.Nop())
		got, err := c.AudioFeatures(context.Background(), nil, nil, 100)
		if err != nil || got != nil {
			t.Errorf("AudioFeatures() = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("token chosen per chunk", func(t *testing.T) {
		var (
			mu   sync.Mutex
			seen []string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen = append(seen, r.Header.Get("Authorization"))
			mu.Unlock()
			writeJSON(t, w, map[string]any{"artists": []any{}})
		}))
		defer srv.Close()

		c := newTestClient(t, srv)
		next := 0
		c.pick = func(n int) int {
			i := next % n
			next++
			return i
		}

		if _, err := c.Artists(context.Background(), []string{"one", "two"}, ids("a", 3), 1); err != nil {
			t.Fatalf("Artists() error = %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		want := "[Bearer one Bearer two Bearer one]"
		if fmt.Sprint(seen) != want {
			t.Errorf("tokens used = %v, want %s", seen, want)
		}
	})
}

func TestBatchedPartialFailure(t *testing.T) {
	var call atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if call.Add(1) == 2 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"status":400,"message":"invalid id"}}`)
			return
		}
		var artists []map[string]any
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			artists = append(artists, map[string]any{"id": id})
		}
		writeJSON(t, w, map[string]any{"artists": artists})
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv).Artists(context.Background(), []string{"tok"}, ids("a", 6), 2)
	if !errors.Is(err, ErrUpstreamRequest) {
		t.Fatalf("error = %v, want ErrUpstreamRequest", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusBadRequest {
		t.Errorf("error = %v, want RequestError with status 400", err)
	}
	if len(got) != 4 {
		t.Errorf("got %d artists, want 4 from the healthy chunks", len(got))
	}
}

func TestBatchedRetriesRateLimit(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(t, w, map[string]any{"artists": []map[string]any{{"id": "a1", "name": "Artist", "popularity": 42}}})
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv).Artists(context.Background(), []string{"tok"}, []string{"a1"}, 100)
	if err != nil {
		t.Fatalf("Artists() error = %v", err)
	}
	if requests.Load() != 2 {
		t.Errorf("made %d requests, want 2", requests.Load())
	}
	if len(got) != 1 || got[0].Popularity != 42 || got[0].Name != "Artist" {
		t.Errorf("got %+v, want a1 with popularity 42", got)
	}
}

func TestAudioFeaturesValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"audio_features": []map[string]any{{
			"id":             "t1",
			"energy":         0.9,
			"valence":        0.123,
			"tempo":          128.5,
			"key":            5,
			"mode":           1,
			"duration_ms":    215000,
			"time_signature": 4,
		}}})
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv).AudioFeatures(context.Background(), []string{"tok"}, []string{"t1"}, 100)
	if err != nil {
		t.Fatalf("AudioFeatures() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d features, want 1", len(got))
	}
	want := AudioFeatures{ID: "t1", Energy: 0.9, Valence: 0.123, Tempo: 128.5, Key: 5, Mode: 1, DurationMs: 215000, TimeSignature: 4}
	if got[0] != want {
		t.Errorf("features = %+v, want %+v", got[0], want)
	}
}

func TestRefreshAccessToken(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantAccess  string
		wantRefresh string
		wantErr     bool
		wantStatus  int
	}{
		{
			name:        "refresh token kept",
			status:      http.StatusOK,
			body:        `{"access_token":"new-access","token_type":"Bearer","expires_in":3600}`,
			wantAccess:  "new-access",
			wantRefresh: "refresh-1",
		},
		{
			name:        "rotated refresh token",
			status:      http.StatusOK,
			body:        `{"access_token":"new-access","token_type":"Bearer","expires_in":3600,"refresh_token":"refresh-2"}`,
			wantAccess:  "new-access",
			wantRefresh: "refresh-2",
		},
		{
			name:       "rejected grant",
			status:     http.StatusBadRequest,
			body:       `{"error":"invalid_grant","error_description":"Refresh token revoked"}`,
			wantErr:    true,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:    "missing access token",
			status:  http.StatusOK,
			body:    `{"token_type":"Bearer"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/token" {
					t.Errorf("path = %s", r.URL.Path)
				}
				user, pass, ok := r.BasicAuth()
				if !ok || user != "client-id" || pass != "client-secret" {
					t.Errorf("basic auth = %q/%q (%v)", user, pass, ok)
				}
				if err := r.ParseForm(); err != nil {
					t.Errorf("ParseForm() error = %v", err)
				}
				if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "refresh-1" {
					t.Errorf("form = %v", r.PostForm)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			tok, err := newTestClient(t, srv).RefreshAccessToken(context.Background(), "refresh-1")
			if tt.wantErr {
				if !errors.Is(err, ErrUpstreamAuth) {
					t.Fatalf("error = %v, want ErrUpstreamAuth", err)
				}
				var authErr *AuthError
				if !errors.As(err, &authErr) {
					t.Fatalf("error %T is not *AuthError", err)
				}
				if authErr.StatusCode != tt.wantStatus {
					t.Errorf("StatusCode = %d, want %d", authErr.StatusCode, tt.wantStatus)
				}
				return
			}
			if err != nil {
				t.Fatalf("RefreshAccessToken() error = %v", err)
			}
			if tok.AccessToken != tt.wantAccess || tok.RefreshToken != tt.wantRefresh {
				t.Errorf("token = %q/%q, want %q/%q", tok.AccessToken, tok.RefreshToken, tt.wantAccess, tt.wantRefresh)
			}
		})
	}
}

func TestRefreshAccessTokenEmpty(t *testing.T) {
	c := New(Config{}, zerolog.Nop())
	if _, err := c.RefreshAccessToken(context.Background(), ""); !errors.Is(err, ErrUpstreamAuth) {
		t.Errorf("error = %v, want ErrUpstreamAuth", err)
	}
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		want := url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {"the-code"},
			"redirect_uri": {"http://localhost/callback"},
		}
		for k := range want {
			if r.PostForm.Get(k) != want.Get(k) {
				t.Errorf("form %s = %q, want %q", k, r.PostForm.Get(k), want.Get(k))
			}
		}
		writeJSON(t, w, map[string]any{
			"access_token":  "access",
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	tok, err := newTestClient(t, srv).ExchangeCode(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if tok.AccessToken != "access" || tok.RefreshToken != "refresh" {
		t.Errorf("token = %+v", tok)
	}
}

func TestAuthURL(t *testing.T) {
	c := New(Config{ClientID: "client-id", RedirectURL: "http://localhost/callback"}, zerolog.Nop())

	u, err := url.Parse(c.AuthURL("xyz"))
	if err != nil {
		t.Fatalf("parsing AuthURL: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "xyz" || q.Get("client_id") != "client-id" || q.Get("response_type") != "code" {
		t.Errorf("query = %v", q)
	}
	if !strings.Contains(q.Get("scope"), "user-read-recently-played") {
		t.Errorf("scope = %q, want recently played scope", q.Get("scope"))
	}
}

func TestCurrentUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(t, w, map[string]any{
			"id":           "user-1",
			"display_name": "Listener",
			"email":        "listener@example.com",
			"country":      "NL",
			"href":         "https://api.spotify.com/v1/users/user-1",
			"uri":          "spotify:user:user-1",
		})
	}))
	defer srv.Close()

	u, err := newTestClient(t, srv).CurrentUser(context.Background(), "access")
	if err != nil {
		t.Fatalf("CurrentUser() error = %v", err)
	}
	want := User{
		ID:          "user-1",
		DisplayName: "Listener",
		Email:       "listener@example.com",
		Country:     "NL",
		Href:        "https://api.spotify.com/v1/users/user-1",
		URI:         "spotify:user:user-1",
	}
	if *u != want {
		t.Errorf("CurrentUser() = %+v, want %+v", *u, want)
	}
}
