package spotify

import (
	"context"
	"errors"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"
)

// AuthURL returns the consent screen URL carrying state.
func (c *Client) AuthURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for an access and refresh token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, authError("exchange code", err)
	}
	if tok.RefreshToken == "" {
		return nil, &AuthError{Op: "exchange code", Err: errors.New("response missing refresh_token")}
	}
	return tok, nil
}

// RefreshAccessToken obtains a fresh access token for refreshToken.
// The returned token carries the refresh token to keep using, which is the
// rotated one when the accounts service issued a new one.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &AuthError{Op: "refresh token", Err: errors.New("empty refresh token")}
	}

	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, authError("refresh token", err)
	}
	if tok.AccessToken == "" {
		return nil, &AuthError{Op: "refresh token", Err: errors.New("response missing access_token")}
	}
	return tok, nil
}

// CurrentUser returns the profile of the user owning accessToken.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	me, err := c.api(ctx, accessToken).CurrentUser(ctx)
	if err != nil {
		return nil, apiError("current user", c.apiBaseURL+"/me", err)
	}

	return &User{
		ID:          string(me.ID),
		DisplayName: me.DisplayName,
		Email:       me.Email,
		Country:     me.Country,
		Href:        me.Endpoint,
		URI:         string(me.URI),
	}, nil
}

// api returns a Web API client authorized with accessToken. Rate limited
// responses are retried after the Retry-After the API sends.
func (c *Client) api(ctx context.Context, accessToken string) *spotify.Client {
	httpClient := oauth2.NewClient(c.oauthContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	return spotify.New(httpClient, spotify.WithBaseURL(c.apiBaseURL+"/"), spotify.WithRetry(true))
}

// apiError wraps an error returned by the Web API client.
func apiError(op, url string, err error) *RequestError {
	reqErr := &RequestError{Op: op, URL: url, Err: err}
	var apiErr spotify.Error
	if errors.As(err, &apiErr) {
		reqErr.StatusCode = apiErr.Status
	}
	return reqErr
}

// oauthContext makes the oauth2 package use our HTTP client and timeout.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func authError(op string, err error) error {
	ae := &AuthError{Op: op, Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		ae.StatusCode = re.Response.StatusCode
	}
	return ae
}
