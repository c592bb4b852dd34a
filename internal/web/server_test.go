package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-play-tracker/internal/auth"
	"github.com/justestif/go-spotify-play-tracker/internal/db"
	"github.com/justestif/go-spotify-play-tracker/internal/spotify"
	"github.com/justestif/go-spotify-play-tracker/internal/stats"
)

type fakeOAuth struct {
	user *spotify.User
}

func (f *fakeOAuth) AuthURL(state string) string {
	return "https://accounts.example/authorize?state=" + state
}

func (f *fakeOAuth) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	if code != "good-code" {
		return nil, &spotify.AuthError{Op: "exchange code", StatusCode: 400, Err: errors.New("invalid_grant")}
	}
	return &oauth2.Token{AccessToken: "access", RefreshToken: "refresh"}, nil
}

func (f *fakeOAuth) CurrentUser(ctx context.Context, accessToken string) (*spotify.User, error) {
	return f.user, nil
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*db.Account
	refresh  map[string]string
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: make(map[string]*db.Account), refresh: make(map[string]string)}
}

func (f *fakeAccounts) Create(ctx context.Context, a *db.Account, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.accounts {
		if have.ID == a.ID || have.Email == a.Email {
			return db.ErrDuplicateAccount
		}
	}
	cp := *a
	f.accounts[a.ID] = &cp
	f.refresh[a.ID] = refreshToken
	return nil
}

func (f *fakeAccounts) Get(ctx context.Context, id string) (*db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) GetByEmail(ctx context.Context, email string) (*db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeAccounts) List(ctx context.Context) ([]db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Account
	for _, a := range f.accounts {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeAccounts) UpdateScopes(ctx context.Context, id, scopes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return db.ErrNotFound
	}
	a.Scopes = scopes
	return nil
}

type fakeReader struct {
	plays    []db.PlayedTrack
	gotStart *time.Time
}

func (r *fakeReader) History(ctx context.Context, accountID string, start, end *time.Time) ([]db.PlayedTrack, error) {
	r.gotStart = start
	return r.plays, nil
}

func (r *fakeReader) TrackArtists(ctx context.Context, trackIDs []string) (map[string][]db.Artist, error) {
	return map[string][]db.Artist{"T1": {{ID: "A1", Name: "Artist"}}}, nil
}

func (r *fakeReader) ArtistGenres(ctx context.Context, artistIDs []string) (map[string][]string, error) {
	return map[string][]string{"A1": {"indie"}}, nil
}

type testServer struct {
	handler  http.Handler
	accounts *fakeAccounts
	reader   *fakeReader
	issuer   *auth.Issuer
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	ts := &testServer{
		accounts: newFakeAccounts(),
		reader: &fakeReader{plays: []db.PlayedTrack{
			{ID: 1, PlayedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), Track: db.Track{ID: "T1", Name: "Song"}},
			{ID: 2, PlayedAt: time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), Track: db.Track{ID: "T1", Name: "Song"}},
		}},
		issuer: auth.NewIssuer("0123456789abcdef", time.Hour),
	}
	oauth := &fakeOAuth{user: &spotify.User{ID: "spotify-user", Email: "listener@example.com", DisplayName: "Listener"}}

	srv := NewServer(cfg, Deps{
		OAuth:    oauth,
		Accounts: ts.accounts,
		Stats:    stats.New(ts.reader, zerolog.Nop()),
		Issuer:   ts.issuer,
	}, zerolog.Nop())
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) bearer(t *testing.T, subject, scopes string) string {
	t.Helper()
	token, _, err := ts.issuer.Issue(subject, scopes)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return "Bearer " + token
}

func (ts *testServer) get(t *testing.T, path, authz string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	return ts.do(req)
}

func callbackRequest(form url.Values, cookieState string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: stateCookieName, Value: cookieState})
	}
	return req
}

func tokenRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestIndex(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.get(t, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decode[map[string]string](t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %q, want ok", got)
	}
}

func TestAuthorizeSetsState(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.get(t, "/authorize", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}

	var state string
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			state = c.Value
		}
	}
	if state == "" {
		t.Fatal("no state cookie set")
	}
	if loc := rec.Header().Get("Location"); loc != "https://accounts.example/authorize?state="+state {
		t.Errorf("Location = %q, want consent URL carrying the cookie state", loc)
	}
}

func TestCallback(t *testing.T) {
	tests := []struct {
		name        string
		form        url.Values
		cookie      string
		wantStatus  int
		wantAccount bool
	}{
		{
			name:        "registers account",
			form:        url.Values{"state": {"s1"}, "code": {"good-code"}},
			cookie:      "s1",
			wantStatus:  http.StatusCreated,
			wantAccount: true,
		},
		{
			name:       "missing state cookie",
			form:       url.Values{"state": {"s1"}, "code": {"good-code"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "state mismatch",
			form:       url.Values{"state": {"s2"}, "code": {"good-code"}},
			cookie:     "s1",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "provider error",
			form:       url.Values{"state": {"s1"}, "error": {"access_denied"}},
			cookie:     "s1",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rejected code",
			form:       url.Values{"state": {"s1"}, "code": {"stale"}},
			cookie:     "s1",
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Config{})

			rec := ts.do(callbackRequest(tt.form, tt.cookie))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}

			a, err := ts.accounts.Get(context.Background(), "spotify-user")
			if !tt.wantAccount {
				if err == nil {
					t.Error("account created")
				}
				return
			}
			if err != nil {
				t.Fatalf("account not created: %v", err)
			}
			if a.Email != "listener@example.com" || a.Scopes != auth.DefaultScopes {
				t.Errorf("account = %+v", a)
			}
			if ts.accounts.refresh["spotify-user"] != "refresh" {
				t.Errorf("refresh token = %q, want refresh", ts.accounts.refresh["spotify-user"])
			}
		})
	}
}

func TestCallbackDuplicate(t *testing.T) {
	ts := newTestServer(t, Config{})
	form := url.Values{"state": {"s1"}, "code": {"good-code"}}

	if rec := ts.do(callbackRequest(form, "s1")); rec.Code != http.StatusCreated {
		t.Fatalf("first callback status = %d, want 201", rec.Code)
	}
	rec := ts.do(callbackRequest(form, "s1"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second callback status = %d, want 409", rec.Code)
	}
	if got := decode[errorResponse](t, rec).Error; !strings.Contains(got, "already exists") {
		t.Errorf("error = %q, want already exists", got)
	}
}

func TestRegisterThenToken(t *testing.T) {
	ts := newTestServer(t, Config{})

	form := url.Values{"state": {"s1"}, "code": {"good-code"}, "password": {"correct horse"}}
	if rec := ts.do(callbackRequest(form, "s1")); rec.Code != http.StatusCreated {
		t.Fatalf("callback status = %d, want 201", rec.Code)
	}

	rec := ts.do(tokenRequest(url.Values{"grant_type": {"password"}, "username": {"listener@example.com"}, "password": {"wrong"}}))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", rec.Code)
	}

	rec = ts.do(tokenRequest(url.Values{"grant_type": {"password"}, "username": {"listener@example.com"}, "password": {"correct horse"}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	tok := decode[tokenResponse](t, rec)
	if tok.TokenType != "bearer" || tok.ExpiresIn <= 0 {
		t.Errorf("token response = %+v", tok)
	}

	rec = ts.get(t, "/user/me", "Bearer "+tok.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("/user/me status = %d, want 200", rec.Code)
	}
	if me := decode[accountResponse](t, rec); me.ID != "spotify-user" {
		t.Errorf("me = %+v, want spotify-user", me)
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	ts := newTestServer(t, Config{})

	form := url.Values{"state": {"s1"}, "code": {"good-code"}, "password": {"correct horse"}}
	if rec := ts.do(callbackRequest(form, "s1")); rec.Code != http.StatusCreated {
		t.Fatalf("callback status = %d, want 201", rec.Code)
	}
	rec := ts.do(tokenRequest(url.Values{"grant_type": {"password"}, "username": {"listener@example.com"}, "password": {"correct horse"}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200", rec.Code)
	}
	first := decode[tokenResponse](t, rec)

	// Scopes granted after the first token show up in the refreshed one.
	if err := ts.accounts.UpdateScopes(context.Background(), "spotify-user", "user admin"); err != nil {
		t.Fatalf("UpdateScopes() error = %v", err)
	}

	rec = ts.do(tokenRequest(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {first.AccessToken}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	refreshed := decode[tokenResponse](t, rec)

	if rec := ts.get(t, "/admin/users", "Bearer "+refreshed.AccessToken); rec.Code != http.StatusOK {
		t.Errorf("/admin/users with refreshed token status = %d, want 200", rec.Code)
	}
}

func TestTokenRejections(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		name string
		form url.Values
		want int
	}{
		{name: "unsupported grant", form: url.Values{"grant_type": {"client_credentials"}}, want: http.StatusBadRequest},
		{name: "unknown user", form: url.Values{"grant_type": {"password"}, "username": {"nobody@example.com"}, "password": {"x"}}, want: http.StatusUnauthorized},
		{name: "refresh with garbage", form: url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"nope"}}, want: http.StatusUnauthorized},
		{name: "refresh for unknown account", form: url.Values{"grant_type": {"refresh_token"}, "refresh_token": {strings.TrimPrefix(ts.bearer(t, "ghost", "user"), "Bearer ")}}, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(tokenRequest(tt.form)); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestTokenRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{TokenRateLimit: 2})
	form := url.Values{"grant_type": {"password"}, "username": {"nobody@example.com"}, "password": {"x"}}

	for i := range 2 {
		if rec := ts.do(tokenRequest(form)); rec.Code != http.StatusUnauthorized {
			t.Fatalf("request %d status = %d, want 401", i, rec.Code)
		}
	}
	if rec := ts.do(tokenRequest(form)); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", rec.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		name  string
		path  string
		authz string
		want  int
	}{
		{name: "no token", path: "/user/tracks", want: http.StatusUnauthorized},
		{name: "garbage token", path: "/user/tracks", authz: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/user/tracks", authz: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "user scope", path: "/user/tracks", authz: ts.bearer(t, "u1", "user"), want: http.StatusOK},
		{name: "admin route without admin", path: "/admin/users", authz: ts.bearer(t, "u1", "user"), want: http.StatusForbidden},
		{name: "admin route with admin", path: "/admin/users", authz: ts.bearer(t, "u1", "admin"), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.get(t, tt.path, tt.authz)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Code >= 400 {
				if msg := decode[errorResponse](t, rec).Error; msg == "" {
					t.Error("error body missing message")
				}
			}
		})
	}
}

func TestUserStatistics(t *testing.T) {
	ts := newTestServer(t, Config{})
	authz := ts.bearer(t, "u1", "user")

	t.Run("top tracks", func(t *testing.T) {
		rec := ts.get(t, "/user/tracks", authz)
		top := decode[[]trackCountResponse](t, rec)
		if len(top) != 1 || top[0].Track.ID != "T1" || top[0].Count != 2 || len(top[0].Artists) != 1 {
			t.Errorf("tracks = %+v", top)
		}
	})

	t.Run("top artists", func(t *testing.T) {
		rec := ts.get(t, "/user/artists", authz)
		top := decode[[]artistCountResponse](t, rec)
		if len(top) != 1 || top[0].Artist.ID != "A1" || top[0].Count != 2 || top[0].Genres[0] != "indie" {
			t.Errorf("artists = %+v", top)
		}
	})

	t.Run("genres", func(t *testing.T) {
		rec := ts.get(t, "/user/genres", authz)
		genres := decode[[]genreCountResponse](t, rec)
		if len(genres) != 1 || genres[0].Genre != "indie" || genres[0].Count != 1 {
			t.Errorf("genres = %+v", genres)
		}
	})

	t.Run("played tracks with range", func(t *testing.T) {
		rec := ts.get(t, "/user/played-tracks?start_date=2024-02-29", authz)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if plays := decode[[]playedTrackResponse](t, rec); len(plays) != 2 {
			t.Errorf("plays = %d, want 2", len(plays))
		}
		want := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
		if ts.reader.gotStart == nil || !ts.reader.gotStart.Equal(want) {
			t.Errorf("start = %v, want %v", ts.reader.gotStart, want)
		}
	})

	t.Run("bad date", func(t *testing.T) {
		if rec := ts.get(t, "/user/played-tracks?end_date=03/01/2024", authz); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("audio features", func(t *testing.T) {
		rec := ts.get(t, "/user/audio-features?features=energy&features=tempo", authz)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if got := decode[map[string][]float64](t, rec); len(got) != 2 {
			t.Errorf("features = %v, want energy and tempo", got)
		}
	})

	t.Run("unknown audio feature", func(t *testing.T) {
		if rec := ts.get(t, "/user/audio-features?features=vibes", authz); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("moods without features", func(t *testing.T) {
		if rec := ts.get(t, "/user/moods?k=2", authz); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("bad k", func(t *testing.T) {
		if rec := ts.get(t, "/user/moods?k=zero", authz); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestAdminScopes(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.accounts.accounts["u2"] = &db.Account{ID: "u2", Email: "u2@example.com", Scopes: "user"}
	authz := ts.bearer(t, "root", "user admin")

	req := httptest.NewRequest(http.MethodPost, "/admin/users/u2/scopes?scope=admin&scope=user", nil)
	req.Header.Set("Authorization", authz)
	rec := ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", rec.Code)
	}
	if got := ts.accounts.accounts["u2"].Scopes; got != "user admin" {
		t.Errorf("scopes = %q, want %q", got, "user admin")
	}

	req = httptest.NewRequest(http.MethodDelete, "/admin/users/u2/scopes?scope=user", nil)
	req.Header.Set("Authorization", authz)
	if rec := ts.do(req); rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", rec.Code)
	}
	if got := ts.accounts.accounts["u2"].Scopes; got != "admin" {
		t.Errorf("scopes = %q, want admin", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/users/missing/scopes?scope=admin", nil)
	req.Header.Set("Authorization", authz)
	if rec := ts.do(req); rec.Code != http.StatusNotFound {
		t.Errorf("unknown account status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/users/u2/scopes", nil)
	req.Header.Set("Authorization", authz)
	if rec := ts.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("no scope status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.get(t, "/user/tracks", ts.bearer(t, "u1", "user"))

	rec := ts.get(t, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `route="/user/tracks"`) {
		t.Error("request to /user/tracks not recorded by route")
	}
}
