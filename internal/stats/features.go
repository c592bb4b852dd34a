package stats

import (
	"context"
	"fmt"
	"slices"

	"github.com/justestif/go-spotify-play-tracker/internal/db"
	"github.com/justestif/go-spotify-play-tracker/internal/records"
)

// FeatureNames lists the track attributes AudioFeatures can report.
var FeatureNames = []string{
	"popularity",
	"danceability",
	"energy",
	"key",
	"loudness",
	"mode",
	"speechiness",
	"acousticness",
	"instrumentalness",
	"liveness",
	"valence",
	"tempo",
	"duration_ms",
	"time_signature",
}

// AudioFeatures returns, for each requested feature, its value on every play
// in rng. A track played twice contributes twice; missing values are skipped.
// An empty selection means every feature in FeatureNames.
func (s *Service) AudioFeatures(ctx context.Context, accountID string, rng Range, features []string) (map[string][]float64, error) {
	if len(features) == 0 {
		features = FeatureNames
	}
	for _, f := range features {
		if !slices.Contains(FeatureNames, f) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
		}
	}

	plays, err := s.PlayedTracks(ctx, accountID, rng)
	if err != nil {
		return nil, err
	}

	recs := make([]records.Record, len(plays))
	for i, p := range plays {
		recs[i] = featureRecord(p.Track)
	}

	result := make(map[string][]float64, len(features))
	for _, f := range features {
		result[f] = []float64{}
	}
	for _, r := range records.Project(recs, features...) {
		for f, v := range r {
			if v, ok := v.(float64); ok {
				result[f] = append(result[f], v)
			}
		}
	}
	return result, nil
}

// featureRecord flattens the numeric attributes of t. Null columns map to nil.
func featureRecord(t db.Track) records.Record {
	return records.Record{
		"popularity":       intValue(t.Popularity),
		"danceability":     floatValue(t.Danceability),
		"energy":           floatValue(t.Energy),
		"key":              intValue(t.Key),
		"loudness":         floatValue(t.Loudness),
		"mode":             intValue(t.Mode),
		"speechiness":      floatValue(t.Speechiness),
		"acousticness":     floatValue(t.Acousticness),
		"instrumentalness": floatValue(t.Instrumentalness),
		"liveness":         floatValue(t.Liveness),
		"valence":          floatValue(t.Valence),
		"tempo":            floatValue(t.Tempo),
		"duration_ms":      intValue(t.DurationMs),
		"time_signature":   intValue(t.TimeSignature),
	}
}

func floatValue(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intValue(v *int) any {
	if v == nil {
		return nil
	}
	return float64(*v)
}
