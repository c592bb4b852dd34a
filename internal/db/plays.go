package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/justestif/go-spotify-play-tracker/internal/records"
)

// PlayRepository handles play events and the listening history read side.
type PlayRepository struct {
	q querier
}

// playColumns is the column order used when copying into played_tracks.
var playColumns = []string{"user_id", "track_id", "played_at"}

// playFieldColumns maps PlayEvent field names onto played_tracks columns.
var playFieldColumns = map[string]string{"account_id": "user_id"}

type playKey struct {
	accountID string
	trackID   string
	playedAt  int64 // unix micros, the precision of a timestamp column
}

func keyOf(e PlayEvent) playKey {
	return playKey{accountID: e.AccountID, trackID: e.TrackID, playedAt: e.PlayedAt.UnixMicro()}
}

// Insert stores play events with COPY. Events already stored for the same
// account, track and instant are skipped, as are repeats within events, so
// inserting the same window twice adds nothing the second time.
// Returns the number of rows inserted.
func (r *PlayRepository) Insert(ctx context.Context, events []PlayEvent) (int64, error) {
	events = records.UniqueBy(events, keyOf)
	if len(events) == 0 {
		return 0, nil
	}

	existing, err := r.existing(ctx, events)
	if err != nil {
		return 0, err
	}

	recs := make([]records.Record, 0, len(events))
	for _, e := range events {
		if existing[keyOf(e)] {
			continue
		}
		recs = append(recs, records.Record{
			"account_id": e.AccountID,
			"track_id":   e.TrackID,
			"played_at":  e.PlayedAt,
		})
	}
	if len(recs) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(recs))
	for i, rec := range records.Project(records.Rename(recs, playFieldColumns), playColumns...) {
		row := make([]any, len(playColumns))
		for j, col := range playColumns {
			row[j] = rec[col]
		}
		rows[i] = row
	}

	n, err := r.q.CopyFrom(ctx, pgx.Identifier{"played_tracks"}, playColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, storeError("copying play events", err)
	}
	return n, nil
}

func (r *PlayRepository) existing(ctx context.Context, events []PlayEvent) (map[playKey]bool, error) {
	accounts := make([]string, len(events))
	tracks := make([]string, len(events))
	playedAts := make([]time.Time, len(events))
	for i, e := range events {
		accounts[i] = e.AccountID
		tracks[i] = e.TrackID
		playedAts[i] = e.PlayedAt
	}

	rows, err := r.q.Query(ctx, `
		SELECT p.user_id, p.track_id, p.played_at
		FROM played_tracks p
		JOIN unnest($1::text[], $2::text[], $3::timestamp[]) AS u(user_id, track_id, played_at)
			ON p.user_id = u.user_id AND p.track_id = u.track_id AND p.played_at = u.played_at
	`, accounts, tracks, playedAts)
	if err != nil {
		return nil, storeError("querying existing play events", err)
	}
	defer rows.Close()

	existing := make(map[playKey]bool)
	for rows.Next() {
		var e PlayEvent
		if err := rows.Scan(&e.AccountID, &e.TrackID, &e.PlayedAt); err != nil {
			return nil, storeError("scanning play event", err)
		}
		existing[keyOf(e)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("querying existing play events", err)
	}
	return existing, nil
}

// History returns the play events of an account with their tracks, oldest
// first. A non-nil start keeps plays strictly after it, a non-nil end plays
// strictly before it.
func (r *PlayRepository) History(ctx context.Context, accountID string, start, end *time.Time) ([]PlayedTrack, error) {
	query := `
		SELECT p.id, p.played_at, ` + prefixed("t", trackColumns) + `
		FROM played_tracks p
		JOIN tracks t ON t.id = p.track_id
		WHERE p.user_id = $1
			AND ($2::timestamp IS NULL OR p.played_at > $2)
			AND ($3::timestamp IS NULL OR p.played_at < $3)
		ORDER BY p.played_at, p.id
	`
	rows, err := r.q.Query(ctx, query, accountID, start, end)
	if err != nil {
		return nil, storeError("querying play history", err)
	}
	defer rows.Close()

	var plays []PlayedTrack
	for rows.Next() {
		var p PlayedTrack
		dest := append([]any{&p.ID, &p.PlayedAt}, trackDest(&p.Track)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, storeError("scanning play history", err)
		}
		plays = append(plays, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("querying play history", err)
	}
	return plays, nil
}

// TrackArtists returns the credited artists of each track, keyed by track id.
func (r *PlayRepository) TrackArtists(ctx context.Context, trackIDs []string) (map[string][]Artist, error) {
	result := make(map[string][]Artist)
	if len(trackIDs) == 0 {
		return result, nil
	}

	rows, err := r.q.Query(ctx, `
		SELECT ta.track_id, a.id, a.name, a.href, a.uri, a.popularity
		FROM tracks_artists ta
		JOIN artists a ON a.id = ta.artist_id
		WHERE ta.track_id = ANY($1)
		ORDER BY ta.track_id, ta.id
	`, trackIDs)
	if err != nil {
		return nil, storeError("querying track artists", err)
	}
	defer rows.Close()

	for rows.Next() {
		var trackID string
		var a Artist
		if err := rows.Scan(&trackID, &a.ID, &a.Name, &a.Href, &a.URI, &a.Popularity); err != nil {
			return nil, storeError("scanning track artist", err)
		}
		result[trackID] = append(result[trackID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("querying track artists", err)
	}
	return result, nil
}

// ArtistGenres returns the genres of each artist, keyed by artist id.
func (r *PlayRepository) ArtistGenres(ctx context.Context, artistIDs []string) (map[string][]string, error) {
	result := make(map[string][]string)
	if len(artistIDs) == 0 {
		return result, nil
	}

	rows, err := r.q.Query(ctx, `
		SELECT artist_id, genre FROM genres
		WHERE artist_id = ANY($1)
		ORDER BY artist_id, id
	`, artistIDs)
	if err != nil {
		return nil, storeError("querying artist genres", err)
	}
	defer rows.Close()

	for rows.Next() {
		var artistID, genre string
		if err := rows.Scan(&artistID, &genre); err != nil {
			return nil, storeError("scanning genre", err)
		}
		result[artistID] = append(result[artistID], genre)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("querying artist genres", err)
	}
	return result, nil
}
