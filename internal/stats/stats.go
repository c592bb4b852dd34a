// Package stats answers listening questions over the stored play history:
// what was played, the most played tracks and artists, audio feature
// distributions, genre frequency and mood clusters.
package stats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/justestif/go-spotify-play-tracker/internal/db"
	"github.com/justestif/go-spotify-play-tracker/internal/records"
)

// ErrUnknownFeature is returned when an audio feature name is not in
// FeatureNames.
var ErrUnknownFeature = errors.New("unknown audio feature")

// Reader is the read side of the store. *db.PlayRepository implements it.
type Reader interface {
	History(ctx context.Context, accountID string, start, end *time.Time) ([]db.PlayedTrack, error)
	TrackArtists(ctx context.Context, trackIDs []string) (map[string][]db.Artist, error)
	ArtistGenres(ctx context.Context, artistIDs []string) (map[string][]string, error)
}

// Range restricts queries to plays strictly after Start and strictly before
// End. A nil bound is open.
type Range struct {
	Start *time.Time
	End   *time.Time
}

// Service runs aggregation queries for one account at a time.
type Service struct {
	reader Reader
	logger zerolog.Logger
}

// New creates a Service.
func New(reader Reader, logger zerolog.Logger) *Service {
	return &Service{
		reader: reader,
		logger: logger.With().Str("component", "stats").Logger(),
	}
}

// TrackCount is a track with the number of times it was played.
type TrackCount struct {
	Track   db.Track
	Artists []db.Artist
	Count   int
}

// ArtistCount is an artist with the number of plays crediting it.
type ArtistCount struct {
	Artist db.Artist
	Genres []string
	Count  int
}

// GenreCount is a genre with the number of distinct played tracks it
// applies to.
type GenreCount struct {
	Genre string
	Count int
}

// PlayedTracks returns one entry per play in rng, oldest first.
func (s *Service) PlayedTracks(ctx context.Context, accountID string, rng Range) ([]db.PlayedTrack, error) {
	plays, err := s.reader.History(ctx, accountID, rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("loading play history: %w", err)
	}
	return plays, nil
}

// TopTracks returns every played track once with its play count, most
// played first and ties broken by track id.
func (s *Service) TopTracks(ctx context.Context, accountID string, rng Range) ([]TrackCount, error) {
	plays, err := s.PlayedTracks(ctx, accountID, rng)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	var tracks []db.Track
	for _, p := range plays {
		if counts[p.Track.ID] == 0 {
			tracks = append(tracks, p.Track)
		}
		counts[p.Track.ID]++
	}

	artists, err := s.reader.TrackArtists(ctx, trackIDs(tracks))
	if err != nil {
		return nil, fmt.Errorf("loading track artists: %w", err)
	}

	top := make([]TrackCount, len(tracks))
	for i, t := range tracks {
		top[i] = TrackCount{Track: t, Artists: artists[t.ID], Count: counts[t.ID]}
	}
	slices.SortFunc(top, func(a, b TrackCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Track.ID, b.Track.ID))
	})
	return top, nil
}

// TopArtists returns every credited artist once with the number of plays
// crediting it. A play counts once for each artist credited on its track.
func (s *Service) TopArtists(ctx context.Context, accountID string, rng Range) ([]ArtistCount, error) {
	top, err := s.TopTracks(ctx, accountID, rng)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	var artists []db.Artist
	for _, tc := range top {
		for _, a := range records.UniqueBy(tc.Artists, artistID) {
			if counts[a.ID] == 0 {
				artists = append(artists, a)
			}
			counts[a.ID] += tc.Count
		}
	}

	genres, err := s.reader.ArtistGenres(ctx, artistIDs(artists))
	if err != nil {
		return nil, fmt.Errorf("loading artist genres: %w", err)
	}

	result := make([]ArtistCount, len(artists))
	for i, a := range artists {
		result[i] = ArtistCount{Artist: a, Genres: genres[a.ID], Count: counts[a.ID]}
	}
	slices.SortFunc(result, func(a, b ArtistCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Artist.ID, b.Artist.ID))
	})
	return result, nil
}

// Genres counts, for every genre, the distinct played tracks crediting at
// least one artist carrying it. Repeat plays of a track do not add weight.
// The result is sorted by count, then genre.
func (s *Service) Genres(ctx context.Context, accountID string, rng Range) ([]GenreCount, error) {
	top, err := s.TopTracks(ctx, accountID, rng)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, tc := range top {
		ids = append(ids, artistIDs(tc.Artists)...)
	}
	genres, err := s.reader.ArtistGenres(ctx, records.UniqueBy(ids, func(id string) string { return id }))
	if err != nil {
		return nil, fmt.Errorf("loading artist genres: %w", err)
	}

	counts := make(map[string]int)
	for _, tc := range top {
		var trackGenres []string
		for _, a := range tc.Artists {
			trackGenres = append(trackGenres, genres[a.ID]...)
		}
		for _, g := range records.UniqueBy(trackGenres, func(g string) string { return g }) {
			counts[g]++
		}
	}

	result := make([]GenreCount, 0, len(counts))
	for g, n := range counts {
		result = append(result, GenreCount{Genre: g, Count: n})
	}
	slices.SortFunc(result, func(a, b GenreCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Genre, b.Genre))
	})
	return result, nil
}

func trackIDs(tracks []db.Track) []string {
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	return ids
}

func artistID(a db.Artist) string { return a.ID }

func artistIDs(artists []db.Artist) []string {
	ids := make([]string, len(artists))
	for i, a := range artists {
		ids[i] = a.ID
	}
	return ids
}
