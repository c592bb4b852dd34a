package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccountRepository handles account database operations.
type AccountRepository struct {
	pool *pgxpool.Pool
}

const accountColumns = `id, email, display_name, href, country, uri, hashed_password, scopes, created_at`

// Create inserts an account together with its refresh credential.
// Returns ErrDuplicateAccount when the id or email is already taken.
func (r *AccountRepository) Create(ctx context.Context, account *Account, refreshToken string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storeError("creating account", fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO users (id, email, display_name, href, country, uri, hashed_password, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, query,
		account.ID,
		account.Email,
		account.DisplayName,
		account.Href,
		account.Country,
		account.URI,
		account.HashedPassword,
		account.Scopes,
	).Scan(&account.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateAccount
	}
	if err != nil {
		return storeError("inserting account", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_tokens (user_id, refresh_token, updated_at)
		VALUES ($1, $2, NOW())
	`, account.ID, refreshToken)
	if err != nil {
		return storeError("inserting credential", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeError("creating account", fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// Get retrieves an account by ID.
func (r *AccountRepository) Get(ctx context.Context, id string) (*Account, error) {
	return r.getBy(ctx, "id", id)
}

// GetByEmail retrieves an account by email address.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.getBy(ctx, "email", email)
}

func (r *AccountRepository) getBy(ctx context.Context, column, value string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM users WHERE ` + column + ` = $1`
	account, err := scanAccount(r.pool.QueryRow(ctx, query, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError("querying account", err)
	}
	return account, nil
}

// List returns every account ordered by id.
func (r *AccountRepository) List(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, storeError("querying accounts", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, storeError("scanning account", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("querying accounts", err)
	}
	return accounts, nil
}

// UpdateScopes replaces the scope string of an account.
func (r *AccountRepository) UpdateScopes(ctx context.Context, id, scopes string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET scopes = $2 WHERE id = $1`, id, scopes)
	if err != nil {
		return storeError("updating scopes", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.DisplayName,
		&a.Href,
		&a.Country,
		&a.URI,
		&a.HashedPassword,
		&a.Scopes,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
