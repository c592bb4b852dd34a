package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/justestif/go-spotify-play-tracker/internal/db"
	"github.com/justestif/go-spotify-play-tracker/internal/stats"
)

const dateLayout = "2006-01-02"

// Me returns the caller's account (GET /user/me).
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.Get(r.Context(), claimsFrom(r.Context()).Subject)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err, "loading account")
		return
	}
	writeJSON(w, http.StatusOK, toAccount(account))
}

// PlayedTracks lists the caller's plays, oldest first (GET /user/played-tracks).
// start_date and end_date (YYYY-MM-DD) bound the range exclusively.
func (h *Handlers) PlayedTracks(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}

	plays, err := h.stats.PlayedTracks(r.Context(), claimsFrom(r.Context()).Subject, rng)
	if err != nil {
		h.internalError(w, r, err, "loading played tracks")
		return
	}

	out := make([]playedTrackResponse, len(plays))
	for i, p := range plays {
		out[i] = playedTrackResponse{ID: p.ID, PlayedAt: p.PlayedAt, Track: toTrack(p.Track)}
	}
	writeJSON(w, http.StatusOK, out)
}

// TopTracks lists played tracks by play count (GET /user/tracks).
func (h *Handlers) TopTracks(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}

	top, err := h.stats.TopTracks(r.Context(), claimsFrom(r.Context()).Subject, rng)
	if err != nil {
		h.internalError(w, r, err, "loading top tracks")
		return
	}

	out := make([]trackCountResponse, len(top))
	for i, tc := range top {
		out[i] = trackCountResponse{Track: toTrack(tc.Track), Artists: toArtists(tc.Artists), Count: tc.Count}
	}
	writeJSON(w, http.StatusOK, out)
}

// TopArtists lists credited artists by play count (GET /user/artists).
func (h *Handlers) TopArtists(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}

	top, err := h.stats.TopArtists(r.Context(), claimsFrom(r.Context()).Subject, rng)
	if err != nil {
		h.internalError(w, r, err, "loading top artists")
		return
	}

	out := make([]artistCountResponse, len(top))
	for i, ac := range top {
		genres := ac.Genres
		if genres == nil {
			genres = []string{}
		}
		out[i] = artistCountResponse{Artist: toArtist(ac.Artist), Genres: genres, Count: ac.Count}
	}
	writeJSON(w, http.StatusOK, out)
}

// AudioFeatures returns feature values across plays (GET /user/audio-features).
// Repeat the features parameter to select features; none selects all.
func (h *Handlers) AudioFeatures(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}

	features, err := h.stats.AudioFeatures(r.Context(), claimsFrom(r.Context()).Subject, rng, r.URL.Query()["features"])
	if errors.Is(err, stats.ErrUnknownFeature) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, err, "loading audio features")
		return
	}
	writeJSON(w, http.StatusOK, features)
}

// Genres counts genres over played tracks (GET /user/genres).
func (h *Handlers) Genres(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}

	genres, err := h.stats.Genres(r.Context(), claimsFrom(r.Context()).Subject, rng)
	if err != nil {
		h.internalError(w, r, err, "loading genres")
		return
	}

	out := make([]genreCountResponse, len(genres))
	for i, g := range genres {
		out[i] = genreCountResponse{Genre: g.Genre, Count: g.Count}
	}
	writeJSON(w, http.StatusOK, out)
}

// Moods clusters played tracks by audio features (GET /user/moods?k=).
func (h *Handlers) Moods(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}

	k := 0
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = n
	}

	moods, err := h.stats.Moods(r.Context(), claimsFrom(r.Context()).Subject, rng, k)
	if errors.Is(err, stats.ErrNotEnoughTracks) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, err, "clustering moods")
		return
	}
	writeJSON(w, http.StatusOK, toMoods(moods))
}

// parseRange reads start_date and end_date. It writes a 400 and returns
// false when either is malformed.
func parseRange(w http.ResponseWriter, r *http.Request) (stats.Range, bool) {
	var rng stats.Range
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"start_date", &rng.Start},
		{"end_date", &rng.End},
	} {
		v := r.URL.Query().Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.name+" must be YYYY-MM-DD")
			return stats.Range{}, false
		}
		*p.dst = &t
	}
	return rng, true
}
