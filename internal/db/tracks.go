package db

import (
	"context"
	"strings"
)

// TrackRepository handles track database operations.
type TrackRepository struct {
	q querier
}

const trackColumns = `id, name, href, uri, popularity,
	danceability, energy, loudness, speechiness, acousticness, instrumentalness,
	liveness, valence, tempo, key, mode, duration_ms, time_signature`

// trackDest returns scan destinations matching trackColumns.
func trackDest(t *Track) []any {
	return []any{
		&t.ID, &t.Name, &t.Href, &t.URI, &t.Popularity,
		&t.Danceability, &t.Energy, &t.Loudness, &t.Speechiness, &t.Acousticness, &t.Instrumentalness,
		&t.Liveness, &t.Valence, &t.Tempo, &t.Key, &t.Mode, &t.DurationMs, &t.TimeSignature,
	}
}

// prefixed qualifies each column of a comma separated list with alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ExistingIDs reports which of ids are already stored.
func (r *TrackRepository) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return existingIDs(ctx, r.q, "tracks", ids)
}

// Insert adds tracks, leaving rows that already exist untouched.
// Returns the number of rows inserted.
func (r *TrackRepository) Insert(ctx context.Context, tracks []Track) (int64, error) {
	if len(tracks) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO tracks (id, name, href, uri, popularity)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::int[])
		ON CONFLICT (id) DO NOTHING
	`

	ids := make([]string, len(tracks))
	names := make([]string, len(tracks))
	hrefs := make([]*string, len(tracks))
	uris := make([]*string, len(tracks))
	popularities := make([]*int, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
		names[i] = t.Name
		hrefs[i] = t.Href
		uris[i] = t.URI
		popularities[i] = t.Popularity
	}

	tag, err := r.q.Exec(ctx, query, ids, names, hrefs, uris, popularities)
	if err != nil {
		return 0, storeError("inserting tracks", err)
	}
	return tag.RowsAffected(), nil
}

// LinkArtists inserts one tracks_artists row per link.
func (r *TrackRepository) LinkArtists(ctx context.Context, links []TrackArtist) (int64, error) {
	if len(links) == 0 {
		return 0, nil
	}

	trackIDs := make([]string, len(links))
	artistIDs := make([]string, len(links))
	for i, l := range links {
		trackIDs[i] = l.TrackID
		artistIDs[i] = l.ArtistID
	}

	tag, err := r.q.Exec(ctx, `
		INSERT INTO tracks_artists (track_id, artist_id)
		SELECT * FROM unnest($1::text[], $2::text[])
	`, trackIDs, artistIDs)
	if err != nil {
		return 0, storeError("linking track artists", err)
	}
	return tag.RowsAffected(), nil
}

// Incomplete returns the ids of tracks still missing audio features.
func (r *TrackRepository) Incomplete(ctx context.Context) ([]string, error) {
	return selectIDs(ctx, r.q, "selecting incomplete tracks",
		`SELECT id FROM tracks WHERE duration_ms IS NULL ORDER BY id`)
}

// UpdateFeatures writes audio features for each track in one statement.
// Returns the number of rows updated.
func (r *TrackRepository) UpdateFeatures(ctx context.Context, features []TrackFeatures) (int64, error) {
	if len(features) == 0 {
		return 0, nil
	}

	query := `
		UPDATE tracks SET
			danceability = u.danceability,
			energy = u.energy,
			loudness = u.loudness,
			speechiness = u.speechiness,
			acousticness = u.acousticness,
			instrumentalness = u.instrumentalness,
			liveness = u.liveness,
			valence = u.valence,
			tempo = u.tempo,
			key = u.key,
			mode = u.mode,
			duration_ms = u.duration_ms,
			time_signature = u.time_signature
		FROM unnest(
			$1::text[],
			$2::float8[], $3::float8[], $4::float8[], $5::float8[], $6::float8[],
			$7::float8[], $8::float8[], $9::float8[], $10::float8[],
			$11::int[], $12::int[], $13::int[], $14::int[]
		) AS u(id, danceability, energy, loudness, speechiness, acousticness,
			instrumentalness, liveness, valence, tempo, key, mode, duration_ms, time_signature)
		WHERE tracks.id = u.id
	`

	n := len(features)
	ids := make([]string, n)
	floats := make([][]*float64, 9)
	for i := range floats {
		floats[i] = make([]*float64, n)
	}
	ints := make([][]*int, 4)
	for i := range ints {
		ints[i] = make([]*int, n)
	}

	for i, f := range features {
		ids[i] = f.TrackID
		for j, v := range []*float64{
			f.Danceability, f.Energy, f.Loudness, f.Speechiness, f.Acousticness,
			f.Instrumentalness, f.Liveness, f.Valence, f.Tempo,
		} {
			floats[j][i] = v
		}
		for j, v := range []*int{f.Key, f.Mode, f.DurationMs, f.TimeSignature} {
			ints[j][i] = v
		}
	}

	args := []any{ids}
	for _, col := range floats {
		args = append(args, col)
	}
	for _, col := range ints {
		args = append(args, col)
	}

	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, storeError("updating track features", err)
	}
	return tag.RowsAffected(), nil
}

func existingIDs(ctx context.Context, q querier, table string, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(ids) == 0 {
		return existing, nil
	}

	rows, err := q.Query(ctx, `SELECT id FROM `+table+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, storeError("querying existing "+table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeError("scanning "+table+" id", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("querying existing "+table, err)
	}
	return existing, nil
}

func selectIDs(ctx context.Context, q querier, op, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeError(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return ids, nil
}
