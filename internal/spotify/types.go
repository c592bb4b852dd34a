package spotify

// PlayHistoryItem is one entry of the recently played feed.
type PlayHistoryItem struct {
	Track    TrackObject `json:"track"`
	PlayedAt string      `json:"played_at"`
}

// TrackObject is the track embedded in a play history item.
type TrackObject struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Href       string         `json:"href"`
	URI        string         `json:"uri"`
	Popularity *int           `json:"popularity"`
	DurationMs int            `json:"duration_ms"`
	Artists    []ArtistObject `json:"artists"`
}

// ArtistObject is the simplified artist embedded in a track.
type ArtistObject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Href string `json:"href"`
	URI  string `json:"uri"`
}

// AudioFeatures holds the audio analysis summary of one track.
type AudioFeatures struct {
	ID               string
	Danceability     float64
	Energy           float64
	Loudness         float64
	Speechiness      float64
	Acousticness     float64
	Instrumentalness float64
	Liveness         float64
	Valence          float64
	Tempo            float64
	Key              int
	Mode             int
	DurationMs       int
	TimeSignature    int
}

// FullArtist is an artist as returned by the artists endpoint.
type FullArtist struct {
	ID         string
	Name       string
	Href       string
	URI        string
	Popularity int
	Genres     []string
}

// User is the profile of the authenticated user.
type User struct {
	ID          string
	DisplayName string
	Email       string
	Country     string
	Href        string
	URI         string
}

type recentlyPlayedPage struct {
	Items []PlayHistoryItem `json:"items"`
	Next  *string           `json:"next"`
}
