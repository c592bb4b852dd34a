package stats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"

	"github.com/justestif/go-spotify-play-tracker/internal/db"
)

// DefaultMoodClusters is the number of clusters Moods builds when k <= 0.
const DefaultMoodClusters = 3

// ErrNotEnoughTracks is returned by Moods when fewer distinct tracks with
// audio features were played than clusters were requested.
var ErrNotEnoughTracks = errors.New("not enough tracks with audio features")

// moodFeatures are the audio features tracks are clustered on.
var moodFeatures = []string{"energy", "valence", "danceability", "acousticness"}

// Mood is a group of played tracks with similar audio features.
type Mood struct {
	Name     string             // e.g. "Upbeat Party" or "Chill & Happy (Acoustic)"
	Centroid map[string]float64 // mean of each clustered feature
	Tracks   int
}

// trackObservation adapts a track to clusters.Observation.
type trackObservation struct {
	coords clusters.Coordinates
}

func (o trackObservation) Coordinates() clusters.Coordinates {
	return o.coords
}

func (o trackObservation) Distance(point clusters.Coordinates) float64 {
	return o.coords.Distance(point)
}

// Moods clusters the distinct tracks played in rng into k groups by energy,
// valence, danceability and acousticness. Tracks missing any of these are
// left out. Moods are sorted by size, largest first.
func (s *Service) Moods(ctx context.Context, accountID string, rng Range, k int) ([]Mood, error) {
	if k <= 0 {
		k = DefaultMoodClusters
	}

	top, err := s.TopTracks(ctx, accountID, rng)
	if err != nil {
		return nil, err
	}

	var obs clusters.Observations
	for _, tc := range top {
		if hasMoodFeatures(tc.Track) {
			obs = append(obs, trackObservation{coords: moodCoordinates(tc.Track)})
		}
	}
	if len(obs) < k {
		return nil, fmt.Errorf("%w: have %d, want at least %d", ErrNotEnoughTracks, len(obs), k)
	}

	result, err := kmeans.New().Partition(obs, k)
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", accountID).Int("k", k).Msg("k-means clustering failed")
		return nil, fmt.Errorf("clustering tracks: %w", err)
	}

	var moods []Mood
	for _, c := range result {
		if len(c.Observations) == 0 {
			continue
		}
		centroid := make(map[string]float64, len(moodFeatures))
		for i, name := range moodFeatures {
			centroid[name] = c.Center[i]
		}
		moods = append(moods, Mood{
			Name:     moodName(centroid),
			Centroid: centroid,
			Tracks:   len(c.Observations),
		})
	}

	slices.SortFunc(moods, func(a, b Mood) int {
		return cmp.Or(cmp.Compare(b.Tracks, a.Tracks), cmp.Compare(a.Name, b.Name))
	})
	return moods, nil
}

func hasMoodFeatures(t db.Track) bool {
	return t.Energy != nil &&
		t.Valence != nil &&
		t.Danceability != nil &&
		t.Acousticness != nil
}

// moodCoordinates orders the features as moodFeatures does.
func moodCoordinates(t db.Track) clusters.Coordinates {
	return clusters.Coordinates{
		*t.Energy,
		*t.Valence,
		*t.Danceability,
		*t.Acousticness,
	}
}

// moodName names a centroid by its energy/valence quadrant, adding an
// acoustic modifier when acousticness is high.
//
// Quadrants:
//   - High Energy + High Valence = "Upbeat Party"
//   - High Energy + Low Valence  = "Intense & Dark"
//   - Low Energy  + High Valence = "Chill & Happy"
//   - Low Energy  + Low Valence  = "Reflective & Melancholy"
func moodName(centroid map[string]float64) string {
	highEnergy := centroid["energy"] > 0.6
	highValence := centroid["valence"] > 0.5

	var name string
	switch {
	case highEnergy && highValence:
		name = "Upbeat Party"
	case highEnergy:
		name = "Intense & Dark"
	case highValence:
		name = "Chill & Happy"
	default:
		name = "Reflective & Melancholy"
	}

	if centroid["acousticness"] > 0.6 {
		return name + " (Acoustic)"
	}
	return name
}
