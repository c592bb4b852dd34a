package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-play-tracker/internal/auth"
	"github.com/justestif/go-spotify-play-tracker/internal/db"
	"github.com/justestif/go-spotify-play-tracker/internal/spotify"
	"github.com/justestif/go-spotify-play-tracker/internal/stats"
)

const stateCookieName = "oauth_state"

// OAuth is the Spotify authorization flow. *spotify.Client implements it.
type OAuth interface {
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)
	CurrentUser(ctx context.Context, accessToken string) (*spotify.User, error)
}

// Accounts stores local accounts. *db.AccountRepository implements it.
type Accounts interface {
	Create(ctx context.Context, account *db.Account, refreshToken string) error
	Get(ctx context.Context, id string) (*db.Account, error)
	GetByEmail(ctx context.Context, email string) (*db.Account, error)
	List(ctx context.Context) ([]db.Account, error)
	UpdateScopes(ctx context.Context, id, scopes string) error
}

// Handlers contains HTTP handlers for the API.
type Handlers struct {
	oauth    OAuth
	accounts Accounts
	stats    *stats.Service
	issuer   *auth.Issuer
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		oauth:    deps.OAuth,
		accounts: deps.Accounts,
		stats:    deps.Stats,
		issuer:   deps.Issuer,
	}
}

// Index reports that the service is up (GET /).
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Authorize starts the Spotify OAuth flow (GET /authorize).
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	// Generate state for CSRF protection
	state, err := auth.GenerateState()
	if err != nil {
		h.internalError(w, r, err, "generating state")
		return
	}

	// Store state in cookie for validation on callback
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // 5 minutes
	})

	http.Redirect(w, r, h.oauth.AuthURL(state), http.StatusFound)
}

// Callback completes the OAuth flow and registers the Spotify user as a
// local account (GET|POST /callback). An optional password form field sets
// the account password; a random one is used otherwise.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	// Verify state
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing state cookie")
		return
	}
	if r.Form.Get("state") != stateCookie.Value {
		writeError(w, http.StatusBadRequest, auth.ErrStateMismatch.Error())
		return
	}

	// Clear state cookie
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	if errMsg := r.Form.Get("error"); errMsg != "" {
		writeError(w, http.StatusBadRequest, "spotify auth error: "+errMsg)
		return
	}
	code := r.Form.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	token, err := h.oauth.ExchangeCode(r.Context(), code)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("exchanging authorization code failed")
		writeError(w, http.StatusBadGateway, "failed to get token")
		return
	}

	user, err := h.oauth.CurrentUser(r.Context(), token.AccessToken)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("fetching spotify profile failed")
		writeError(w, http.StatusBadGateway, "failed to get user info")
		return
	}

	password := r.Form.Get("password")
	if password == "" {
		if password, err = auth.RandomPassword(); err != nil {
			h.internalError(w, r, err, "generating password")
			return
		}
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unusable password")
		return
	}

	account := &db.Account{
		ID:             user.ID,
		Email:          user.Email,
		DisplayName:    optional(user.DisplayName),
		Href:           optional(user.Href),
		Country:        optional(user.Country),
		URI:            optional(user.URI),
		HashedPassword: hash,
		Scopes:         auth.DefaultScopes,
	}
	if err := h.accounts.Create(r.Context(), account, token.RefreshToken); err != nil {
		if errors.Is(err, db.ErrDuplicateAccount) {
			writeError(w, http.StatusConflict, "account already exists")
			return
		}
		h.internalError(w, r, err, "creating account")
		return
	}

	zerolog.Ctx(r.Context()).Info().Str("account_id", account.ID).Msg("account registered")
	writeJSON(w, http.StatusCreated, toAccount(account))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token issues an access token (POST /token). The password grant takes the
// account email as username; the refresh_token grant takes a still valid
// access token and re-issues it with the account's current scopes.
func (h *Handlers) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	var (
		account *db.Account
		ok      bool
	)
	switch gt := r.PostForm.Get("grant_type"); gt {
	case "password":
		account, ok = h.passwordGrant(w, r)
	case "refresh_token":
		account, ok = h.refreshGrant(w, r)
	default:
		writeError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}
	if !ok {
		return
	}

	token, expires, err := h.issuer.Issue(account.ID, account.Scopes)
	if err != nil {
		h.internalError(w, r, err, "issuing token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(time.Until(expires).Round(time.Second).Seconds()),
	})
}

func (h *Handlers) passwordGrant(w http.ResponseWriter, r *http.Request) (*db.Account, bool) {
	account, err := h.accounts.GetByEmail(r.Context(), r.PostForm.Get("username"))
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		h.internalError(w, r, err, "looking up account")
		return nil, false
	}
	if account == nil || auth.CheckPassword(account.HashedPassword, r.PostForm.Get("password")) != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return nil, false
	}
	return account, true
}

func (h *Handlers) refreshGrant(w http.ResponseWriter, r *http.Request) (*db.Account, bool) {
	claims, err := h.issuer.Parse(r.PostForm.Get("refresh_token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidToken.Error())
		return nil, false
	}

	account, err := h.accounts.Get(r.Context(), claims.Subject)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidToken.Error())
		return nil, false
	}
	if err != nil {
		h.internalError(w, r, err, "looking up account")
		return nil, false
	}
	return account, true
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	zerolog.Ctx(r.Context()).Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
