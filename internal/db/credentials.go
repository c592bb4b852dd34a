package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CredentialRepository handles refresh and access token storage.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

// List returns every stored credential ordered by account id.
func (r *CredentialRepository) List(ctx context.Context) ([]Credential, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, refresh_token, access_token, updated_at
		FROM user_tokens
		ORDER BY user_id
	`)
	if err != nil {
		return nil, storeError("querying credentials", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.AccountID, &c.RefreshToken, &c.AccessToken, &c.UpdatedAt); err != nil {
			return nil, storeError("scanning credential", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("querying credentials", err)
	}
	return creds, nil
}

// SaveTokens stores a freshly obtained access token and the refresh token to
// use next time.
func (r *CredentialRepository) SaveTokens(ctx context.Context, accountID, accessToken, refreshToken string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_tokens
		SET access_token = $2, refresh_token = $3, updated_at = NOW()
		WHERE user_id = $1
	`, accountID, accessToken, refreshToken)
	if err != nil {
		return storeError("saving tokens", err)
	}
	if tag.RowsAffected() == 0 {
		return storeError("saving tokens", fmt.Errorf("account %s: %w", accountID, ErrNotFound))
	}
	return nil
}

// AccessTokens returns every non-null access token currently stored.
func (r *CredentialRepository) AccessTokens(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT access_token FROM user_tokens
		WHERE access_token IS NOT NULL
		ORDER BY user_id
	`)
	if err != nil {
		return nil, storeError("querying access tokens", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, storeError("scanning access token", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("querying access tokens", err)
	}
	return tokens, nil
}
