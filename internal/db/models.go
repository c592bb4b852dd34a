package db

import "time"

// Account is a local user bound to one Spotify profile.
type Account struct {
	ID             string
	Email          string
	DisplayName    *string // nullable
	Href           *string // nullable
	Country        *string // nullable
	URI            *string // nullable
	HashedPassword string
	Scopes         string // space-delimited
	CreatedAt      time.Time
}

// Credential is the stored refresh token of an account and the access token
// last obtained with it.
type Credential struct {
	AccountID    string
	RefreshToken string
	AccessToken  *string // nullable until the first refresh
	UpdatedAt    time.Time
}

// Track is a catalog track. A track whose DurationMs is nil has not had its
// audio features fetched yet.
type Track struct {
	ID         string
	Name       string
	Href       *string
	URI        *string
	Popularity *int
	AudioFeatures
}

// AudioFeatures holds the nullable audio feature columns of a track.
type AudioFeatures struct {
	Danceability     *float64
	Energy           *float64
	Loudness         *float64
	Speechiness      *float64
	Acousticness     *float64
	Instrumentalness *float64
	Liveness         *float64
	Valence          *float64
	Tempo            *float64
	Key              *int
	Mode             *int
	DurationMs       *int
	TimeSignature    *int
}

// TrackFeatures is an audio feature update for one track.
type TrackFeatures struct {
	TrackID string
	AudioFeatures
}

// Artist is a catalog artist. A nil Popularity marks an artist whose details
// have not been fetched yet.
type Artist struct {
	ID         string
	Name       string
	Href       *string
	URI        *string
	Popularity *int
}

// ArtistDetails is a popularity and genre update for one artist.
type ArtistDetails struct {
	ArtistID   string
	Popularity int
	Genres     []string
}

// TrackArtist links a track to one of its credited artists.
type TrackArtist struct {
	TrackID  string
	ArtistID string
}

// PlayEvent records that an account played a track at a wall-clock instant.
// PlayedAt carries no meaningful zone; it is stored as a timestamp.
type PlayEvent struct {
	AccountID string
	TrackID   string
	PlayedAt  time.Time
}

// PlayedTrack is a play event joined with its track.
type PlayedTrack struct {
	ID       int64
	PlayedAt time.Time
	Track    Track
}

// Catalog is the set of new rows written in one reconciliation.
type Catalog struct {
	Artists []Artist
	Tracks  []Track
	Links   []TrackArtist
}
