package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// The methods below give the sync pipeline a flat view of the repositories.

// CatalogResult counts the rows written by SaveCatalog.
type CatalogResult struct {
	Artists int64
	Tracks  int64
	Links   int64
}

// ListCredentials returns every stored credential.
func (db *DB) ListCredentials(ctx context.Context) ([]Credential, error) {
	return db.Credentials().List(ctx)
}

// SaveTokens stores the tokens obtained by a refresh.
func (db *DB) SaveTokens(ctx context.Context, accountID, accessToken, refreshToken string) error {
	return db.Credentials().SaveTokens(ctx, accountID, accessToken, refreshToken)
}

// AccessTokens returns every stored access token.
func (db *DB) AccessTokens(ctx context.Context) ([]string, error) {
	return db.Credentials().AccessTokens(ctx)
}

// ExistingArtistIDs reports which artist ids are stored.
func (db *DB) ExistingArtistIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return db.Artists().ExistingIDs(ctx, ids)
}

// ExistingTrackIDs reports which track ids are stored.
func (db *DB) ExistingTrackIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return db.Tracks().ExistingIDs(ctx, ids)
}

// SaveCatalog writes new artists, then new tracks, then their links, in one
// transaction.
func (db *DB) SaveCatalog(ctx context.Context, c Catalog) (CatalogResult, error) {
	var res CatalogResult
	err := db.inTx(ctx, "saving catalog", func(tx pgx.Tx) error {
		var err error
		if res.Artists, err = (&ArtistRepository{q: tx}).Insert(ctx, c.Artists); err != nil {
			return err
		}
		tracks := &TrackRepository{q: tx}
		if res.Tracks, err = tracks.Insert(ctx, c.Tracks); err != nil {
			return err
		}
		res.Links, err = tracks.LinkArtists(ctx, c.Links)
		return err
	})
	if err != nil {
		return CatalogResult{}, err
	}
	return res, nil
}

// InsertPlayEvents stores play events not stored yet.
func (db *DB) InsertPlayEvents(ctx context.Context, events []PlayEvent) (int64, error) {
	return db.Plays().Insert(ctx, events)
}

// IncompleteTrackIDs returns tracks missing audio features.
func (db *DB) IncompleteTrackIDs(ctx context.Context) ([]string, error) {
	return db.Tracks().Incomplete(ctx)
}

// UpdateTrackFeatures writes audio features.
func (db *DB) UpdateTrackFeatures(ctx context.Context, features []TrackFeatures) (int64, error) {
	return db.Tracks().UpdateFeatures(ctx, features)
}

// ArtistIDsWithoutPopularity returns artists missing details.
func (db *DB) ArtistIDsWithoutPopularity(ctx context.Context) ([]string, error) {
	return db.Artists().WithoutPopularity(ctx)
}

// UpdateArtistDetails sets popularity and adds genre rows in one transaction.
// Returns the number of artists updated.
func (db *DB) UpdateArtistDetails(ctx context.Context, details []ArtistDetails) (int64, error) {
	var updated int64
	err := db.inTx(ctx, "updating artist details", func(tx pgx.Tx) error {
		artists := &ArtistRepository{q: tx}
		var err error
		if updated, err = artists.UpdatePopularity(ctx, details); err != nil {
			return err
		}
		_, err = artists.InsertGenres(ctx, details)
		return err
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}
