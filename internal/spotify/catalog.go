package spotify

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/zmb3/spotify/v2"
)

// maxIDsPerRequest is the id cap of the batched catalog endpoints.
const maxIDsPerRequest = 100

// AudioFeatures fetches audio features for trackIDs in chunks of batchSize.
// Each chunk uses an access token picked at random from accessTokens.
// Tracks the API has no features for are absent from the result.
//
// A failing chunk does not stop the others: the features that were fetched
// are returned together with the joined chunk errors.
func (c *Client) AudioFeatures(ctx context.Context, accessTokens, trackIDs []string, batchSize int) ([]AudioFeatures, error) {
	return fetchBatched(ctx, c, "audio features", "/audio-features", accessTokens, trackIDs, batchSize,
		(*spotify.Client).GetAudioFeatures, toAudioFeatures)
}

// Artists fetches full artist objects for artistIDs with the same chunking,
// token and failure rules as AudioFeatures.
func (c *Client) Artists(ctx context.Context, accessTokens, artistIDs []string, batchSize int) ([]FullArtist, error) {
	return fetchBatched(ctx, c, "artists", "/artists", accessTokens, artistIDs, batchSize,
		(*spotify.Client).GetArtists, toFullArtist)
}

func fetchBatched[R, T any](
	ctx context.Context,
	c *Client,
	op, path string,
	accessTokens, ids []string,
	batchSize int,
	fetch func(*spotify.Client, context.Context, ...spotify.ID) ([]*R, error),
	convert func(*R) T,
) ([]T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(accessTokens) == 0 {
		return nil, ErrNoAccessTokens
	}
	batchSize = c.clamp(op+" batch size", batchSize, maxIDsPerRequest)

	var (
		out  []T
		errs []error
	)
	total := len(ids)
	for i := 0; i < total; i += batchSize {
		end := min(i+batchSize, total)
		batch := make([]spotify.ID, 0, end-i)
		for _, id := range ids[i:end] {
			batch = append(batch, spotify.ID(id))
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return out, err
		}
		api := c.api(ctx, accessTokens[c.pick(len(accessTokens))])

		items, err := fetch(api, ctx, batch...)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			err = apiError(op, c.apiBaseURL+path, err)
			c.logger.Error().Err(err).Int("from", i+1).Int("to", end).Msg("batch failed")
			errs = append(errs, fmt.Errorf("%s (batch %d-%d): %w", op, i+1, end, err))
			continue
		}

		if items == nil {
			c.logger.Warn().Int("from", i+1).Int("to", end).Str("op", op).Msg("batch response carried no results, skipping")
			continue
		}
		for _, it := range items {
			if it != nil {
				out = append(out, convert(it))
			}
		}
	}

	return out, errors.Join(errs...)
}

func toAudioFeatures(f *spotify.AudioFeatures) AudioFeatures {
	return AudioFeatures{
		ID:               string(f.ID),
		Danceability:     widen(f.Danceability),
		Energy:           widen(f.Energy),
		Loudness:         widen(f.Loudness),
		Speechiness:      widen(f.Speechiness),
		Acousticness:     widen(f.Acousticness),
		Instrumentalness: widen(f.Instrumentalness),
		Liveness:         widen(f.Liveness),
		Valence:          widen(f.Valence),
		Tempo:            widen(f.Tempo),
		Key:              int(f.Key),
		Mode:             int(f.Mode),
		DurationMs:       int(f.Duration),
		TimeSignature:    int(f.TimeSignature),
	}
}

func toFullArtist(a *spotify.FullArtist) FullArtist {
	return FullArtist{
		ID:         string(a.ID),
		Name:       a.Name,
		Href:       a.Endpoint,
		URI:        string(a.URI),
		Popularity: int(a.Popularity),
		Genres:     a.Genres,
	}
}

// widen converts a float32 feature to the float64 with the same shortest
// decimal form, so 0.9 stays 0.9 rather than 0.8999999761581421.
func widen(v float32) float64 {
	f, err := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
	if err != nil {
		return float64(v)
	}
	return f
}

func randomIndex(n int) int {
	return rand.IntN(n)
}
