package web

import (
	"time"

	"github.com/justestif/go-spotify-play-tracker/internal/db"
	"github.com/justestif/go-spotify-play-tracker/internal/stats"
)

type accountResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName *string   `json:"display_name"`
	Href        *string   `json:"href"`
	Country     *string   `json:"country"`
	URI         *string   `json:"uri"`
	Scopes      string    `json:"scopes"`
	CreatedAt   time.Time `json:"created_at"`
}

func toAccount(a *db.Account) accountResponse {
	return accountResponse{
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Href:        a.Href,
		Country:     a.Country,
		URI:         a.URI,
		Scopes:      a.Scopes,
		CreatedAt:   a.CreatedAt,
	}
}

type trackResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Href             *string  `json:"href"`
	URI              *string  `json:"uri"`
	Popularity       *int     `json:"popularity"`
	Danceability     *float64 `json:"danceability"`
	Energy           *float64 `json:"energy"`
	Key              *int     `json:"key"`
	Loudness         *float64 `json:"loudness"`
	Mode             *int     `json:"mode"`
	Speechiness      *float64 `json:"speechiness"`
	Acousticness     *float64 `json:"acousticness"`
	Instrumentalness *float64 `json:"instrumentalness"`
	Liveness         *float64 `json:"liveness"`
	Valence          *float64 `json:"valence"`
	Tempo            *float64 `json:"tempo"`
	DurationMs       *int     `json:"duration_ms"`
	TimeSignature    *int     `json:"time_signature"`
}

func toTrack(t db.Track) trackResponse {
	return trackResponse{
		ID:               t.ID,
		Name:             t.Name,
		Href:             t.Href,
		URI:              t.URI,
		Popularity:       t.Popularity,
		Danceability:     t.Danceability,
		Energy:           t.Energy,
		Key:              t.Key,
		Loudness:         t.Loudness,
		Mode:             t.Mode,
		Speechiness:      t.Speechiness,
		Acousticness:     t.Acousticness,
		Instrumentalness: t.Instrumentalness,
		Liveness:         t.Liveness,
		Valence:          t.Valence,
		Tempo:            t.Tempo,
		DurationMs:       t.DurationMs,
		TimeSignature:    t.TimeSignature,
	}
}

type artistResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Href       *string `json:"href"`
	URI        *string `json:"uri"`
	Popularity *int    `json:"popularity"`
}

func toArtist(a db.Artist) artistResponse {
	return artistResponse{ID: a.ID, Name: a.Name, Href: a.Href, URI: a.URI, Popularity: a.Popularity}
}

func toArtists(artists []db.Artist) []artistResponse {
	out := make([]artistResponse, len(artists))
	for i, a := range artists {
		out[i] = toArtist(a)
	}
	return out
}

type playedTrackResponse struct {
	ID       int64         `json:"id"`
	PlayedAt time.Time     `json:"played_at"`
	Track    trackResponse `json:"track"`
}

type trackCountResponse struct {
	Track   trackResponse    `json:"track"`
	Artists []artistResponse `json:"artists"`
	Count   int              `json:"count"`
}

type artistCountResponse struct {
	Artist artistResponse `json:"artist"`
	Genres []string       `json:"genres"`
	Count  int            `json:"count"`
}

type genreCountResponse struct {
	Genre string `json:"genre"`
	Count int    `json:"count"`
}

type moodResponse struct {
	Name     string             `json:"name"`
	Centroid map[string]float64 `json:"centroid"`
	Tracks   int                `json:"tracks"`
}

func toMoods(moods []stats.Mood) []moodResponse {
	out := make([]moodResponse, len(moods))
	for i, m := range moods {
		out[i] = moodResponse{Name: m.Name, Centroid: m.Centroid, Tracks: m.Tracks}
	}
	return out
}
