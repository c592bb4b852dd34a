package db

import (
	"context"

	"github.com/justestif/go-spotify-play-tracker/internal/records"
)

// ArtistRepository handles artist and genre database operations.
type ArtistRepository struct {
	q querier
}

// ExistingIDs reports which of ids are already stored.
func (r *ArtistRepository) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return existingIDs(ctx, r.q, "artists", ids)
}

// Insert adds artists, leaving rows that already exist untouched.
// Returns the number of rows inserted.
func (r *ArtistRepository) Insert(ctx context.Context, artists []Artist) (int64, error) {
	if len(artists) == 0 {
		return 0, nil
	}

	ids := make([]string, len(artists))
	names := make([]string, len(artists))
	hrefs := make([]*string, len(artists))
	uris := make([]*string, len(artists))
	for i, a := range artists {
		ids[i] = a.ID
		names[i] = a.Name
		hrefs[i] = a.Href
		uris[i] = a.URI
	}

	tag, err := r.q.Exec(ctx, `
		INSERT INTO artists (id, name, href, uri)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[])
		ON CONFLICT (id) DO NOTHING
	`, ids, names, hrefs, uris)
	if err != nil {
		return 0, storeError("inserting artists", err)
	}
	return tag.RowsAffected(), nil
}

// WithoutPopularity returns the ids of artists whose details were never fetched.
func (r *ArtistRepository) WithoutPopularity(ctx context.Context) ([]string, error) {
	return selectIDs(ctx, r.q, "selecting artists without popularity",
		`SELECT id FROM artists WHERE popularity IS NULL ORDER BY id`)
}

// UpdatePopularity sets the popularity of each artist.
func (r *ArtistRepository) UpdatePopularity(ctx context.Context, details []ArtistDetails) (int64, error) {
	if len(details) == 0 {
		return 0, nil
	}

	ids := make([]string, len(details))
	pops := make([]int, len(details))
	for i, d := range details {
		ids[i] = d.ArtistID
		pops[i] = d.Popularity
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE artists SET popularity = u.popularity
		FROM unnest($1::text[], $2::int[]) AS u(id, popularity)
		WHERE artists.id = u.id
	`, ids, pops)
	if err != nil {
		return 0, storeError("updating artist popularity", err)
	}
	return tag.RowsAffected(), nil
}

// InsertGenres adds one genre row per (artist, genre) pair. Pairs repeated
// within details are inserted once.
func (r *ArtistRepository) InsertGenres(ctx context.Context, details []ArtistDetails) (int64, error) {
	type pair struct{ artistID, genre string }

	var recs []records.Record
	for _, d := range details {
		for _, g := range d.Genres {
			recs = append(recs, records.Record{
				"pair":      pair{d.ArtistID, g},
				"artist_id": d.ArtistID,
				"genre":     g,
			})
		}
	}
	if len(recs) == 0 {
		return 0, nil
	}

	recs = records.DedupeByKey(recs, "pair")
	artistIDs := make([]string, len(recs))
	genres := make([]string, len(recs))
	for i, rec := range records.Project(recs, "artist_id", "genre") {
		artistIDs[i] = rec["artist_id"].(string)
		genres[i] = rec["genre"].(string)
	}

	tag, err := r.q.Exec(ctx, `
		INSERT INTO genres (artist_id, genre)
		SELECT * FROM unnest($1::text[], $2::text[])
	`, artistIDs, genres)
	if err != nil {
		return 0, storeError("inserting genres", err)
	}
	return tag.RowsAffected(), nil
}
