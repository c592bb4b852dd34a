package sync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/justestif/go-spotify-play-tracker/internal/db"
	"github.com/justestif/go-spotify-play-tracker/internal/metrics"
	"github.com/justestif/go-spotify-play-tracker/internal/records"
	"github.com/justestif/go-spotify-play-tracker/internal/spotify"
)

// Stage names as they appear in reports and logs.
const (
	StageRefreshTokens   = "refresh_tokens"
	StageIngestPlays     = "ingest_plays"
	StageReconcile       = "reconcile_catalog"
	StagePersistPlays    = "persist_plays"
	StageBackfillTracks  = "backfill_tracks"
	StageBackfillArtists = "backfill_artists"
)

// Failure is one unit of work that failed without aborting its stage.
type Failure struct {
	// Subject is the account, track or artist id the failure concerns.
	Subject string
	Err     error
}

// StageReport summarizes one stage.
type StageReport struct {
	Stage     string
	Processed int
	Inserted  int64
	Updated   int64
	Failures  []Failure
	Duration  time.Duration
}

// AlignmentError reports an id for which a batched lookup returned nothing.
type AlignmentError struct {
	Kind string // "track" or "artist"
	ID   string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("no %s details returned for %s", e.Kind, e.ID)
}

// Play is one ingested play annotated with the ids the later stages need.
type Play struct {
	AccountID string
	TrackID   string
	// ArtistID is the first credited artist, empty when none is credited.
	ArtistID string
	PlayedAt string
	Track    spotify.TrackObject
}

func (p *Pipeline) finish(ctx context.Context, r *StageReport, started time.Time) {
	r.Duration = time.Since(started)
	metrics.RecordStage(r.Stage, r.Processed, r.Inserted, r.Updated, len(r.Failures), r.Duration)
	p.log(ctx).Info().
		Str("stage", r.Stage).
		Int("processed", r.Processed).
		Int64("inserted", r.Inserted).
		Int64("updated", r.Updated).
		Int("failures", len(r.Failures)).
		Dur("duration", r.Duration).
		Msg("stage finished")
}

// RefreshTokens obtains a fresh access token for every stored credential.
// An account whose refresh fails is recorded and skipped.
func (p *Pipeline) RefreshTokens(ctx context.Context) (report StageReport, err error) {
	started := time.Now()
	report = StageReport{Stage: StageRefreshTokens}
	defer p.finish(ctx, &report, started)
	log := p.log(ctx)

	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return report, fmt.Errorf("listing credentials: %w", err)
	}

	for _, c := range creds {
		report.Processed++

		tok, err := p.catalog.RefreshAccessToken(ctx, c.RefreshToken)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			log.Error().Err(err).Str("stage", StageRefreshTokens).Str("account_id", c.AccountID).Msg("refreshing access token failed")
			report.Failures = append(report.Failures, Failure{Subject: c.AccountID, Err: err})
			continue
		}

		refresh := tok.RefreshToken
		if refresh == "" {
			refresh = c.RefreshToken
		}
		if err := p.store.SaveTokens(ctx, c.AccountID, tok.AccessToken, refresh); err != nil {
			return report, fmt.Errorf("saving tokens for %s: %w", c.AccountID, err)
		}
		report.Updated++
	}

	return report, nil
}

// IngestPlays fetches the plays of every account holding an access token
// since now minus the lookback. The result lists accounts in credential
// order and each account's plays in provider order, whatever the
// concurrency.
func (p *Pipeline) IngestPlays(ctx context.Context) (plays []Play, report StageReport, err error) {
	started := time.Now()
	report = StageReport{Stage: StageIngestPlays}
	defer p.finish(ctx, &report, started)
	log := p.log(ctx)

	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return nil, report, fmt.Errorf("listing credentials: %w", err)
	}

	var accounts []db.Credential
	for _, c := range creds {
		if c.AccessToken != nil && *c.AccessToken != "" {
			accounts = append(accounts, c)
		}
	}

	after := p.now().Add(-p.lookback)
	perAccount := make([][]Play, len(accounts))
	failures := make([]error, len(accounts))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, c := range accounts {
		g.Go(func() error {
			items, err := p.catalog.RecentlyPlayed(ctx, *c.AccessToken, after, p.pageLimit)
			if err != nil {
				failures[i] = err
				return nil
			}
			perAccount[i] = annotate(c.AccountID, items)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, report, ctx.Err()
	}

	for i, c := range accounts {
		report.Processed++
		if failures[i] != nil {
			log.Error().Err(failures[i]).Str("stage", StageIngestPlays).Str("account_id", c.AccountID).Msg("fetching recently played failed")
			report.Failures = append(report.Failures, Failure{Subject: c.AccountID, Err: failures[i]})
			continue
		}
		log.Debug().Str("account_id", c.AccountID).Int("plays", len(perAccount[i])).Msg("ingested plays")
		plays = append(plays, perAccount[i]...)
	}

	return plays, report, nil
}

func annotate(accountID string, items []spotify.PlayHistoryItem) []Play {
	plays := make([]Play, len(items))
	for i, it := range items {
		plays[i] = Play{
			AccountID: accountID,
			TrackID:   it.Track.ID,
			PlayedAt:  it.PlayedAt,
			Track:     it.Track,
		}
		if len(it.Track.Artists) > 0 {
			plays[i].ArtistID = it.Track.Artists[0].ID
		}
	}
	return plays
}

// Reconcile stores the artists and tracks of plays that are not stored yet,
// with one link per credited artist of each new track. Everything is written
// in one transaction, artists first. Inserted counts artists, tracks and links.
func (p *Pipeline) Reconcile(ctx context.Context, plays []Play) (report StageReport, err error) {
	started := time.Now()
	report = StageReport{Stage: StageReconcile, Processed: len(plays)}
	defer p.finish(ctx, &report, started)

	if len(plays) == 0 {
		return report, nil
	}

	var artists []db.Artist
	var tracks []db.Track
	for _, pl := range plays {
		tracks = append(tracks, trackRow(pl.Track))
		for _, a := range pl.Track.Artists {
			if a.ID == "" {
				continue
			}
			artists = append(artists, artistRow(a))
		}
	}
	artists = records.UniqueBy(artists, func(a db.Artist) string { return a.ID })
	tracks = records.UniqueBy(tracks, func(t db.Track) string { return t.ID })

	storedArtists, err := p.store.ExistingArtistIDs(ctx, artistIDs(artists))
	if err != nil {
		return report, fmt.Errorf("checking stored artists: %w", err)
	}
	storedTracks, err := p.store.ExistingTrackIDs(ctx, trackIDs(tracks))
	if err != nil {
		return report, fmt.Errorf("checking stored tracks: %w", err)
	}

	var catalog db.Catalog
	for _, a := range artists {
		if !storedArtists[a.ID] {
			catalog.Artists = append(catalog.Artists, a)
		}
	}

	newTracks := make(map[string]bool)
	for _, t := range tracks {
		if !storedTracks[t.ID] {
			catalog.Tracks = append(catalog.Tracks, t)
			newTracks[t.ID] = true
		}
	}

	for _, pl := range plays {
		if !newTracks[pl.TrackID] {
			continue
		}
		for _, a := range pl.Track.Artists {
			if a.ID != "" {
				catalog.Links = append(catalog.Links, db.TrackArtist{TrackID: pl.TrackID, ArtistID: a.ID})
			}
		}
	}
	catalog.Links = records.UniqueBy(catalog.Links, func(l db.TrackArtist) db.TrackArtist { return l })

	if len(catalog.Artists) == 0 && len(catalog.Tracks) == 0 {
		return report, nil
	}

	res, err := p.store.SaveCatalog(ctx, catalog)
	if err != nil {
		return report, fmt.Errorf("saving catalog: %w", err)
	}
	report.Inserted = res.Artists + res.Tracks + res.Links

	p.log(ctx).Debug().
		Int64("artists", res.Artists).
		Int64("tracks", res.Tracks).
		Int64("links", res.Links).
		Msg("catalog reconciled")

	return report, nil
}

func trackRow(t spotify.TrackObject) db.Track {
	return db.Track{
		ID:         t.ID,
		Name:       t.Name,
		Href:       nonEmpty(t.Href),
		URI:        nonEmpty(t.URI),
		Popularity: t.Popularity,
	}
}

func artistRow(a spotify.ArtistObject) db.Artist {
	return db.Artist{
		ID:   a.ID,
		Name: a.Name,
		Href: nonEmpty(a.Href),
		URI:  nonEmpty(a.URI),
	}
}

func artistIDs(artists []db.Artist) []string {
	ids := make([]string, len(artists))
	for i, a := range artists {
		ids[i] = a.ID
	}
	return ids
}

func trackIDs(tracks []db.Track) []string {
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	return ids
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PersistPlays records one play event per play. It must run after Reconcile
// so that every referenced track exists. A play whose timestamp cannot be
// parsed is recorded as a failure.
func (p *Pipeline) PersistPlays(ctx context.Context, plays []Play) (report StageReport, err error) {
	started := time.Now()
	report = StageReport{Stage: StagePersistPlays, Processed: len(plays)}
	defer p.finish(ctx, &report, started)
	log := p.log(ctx)

	events := make([]db.PlayEvent, 0, len(plays))
	for _, pl := range plays {
		playedAt, err := ParsePlayedAt(pl.PlayedAt)
		if err != nil {
			log.Warn().Err(err).Str("stage", StagePersistPlays).Str("account_id", pl.AccountID).Str("track_id", pl.TrackID).Msg("skipping play")
			report.Failures = append(report.Failures, Failure{Subject: pl.TrackID, Err: err})
			continue
		}
		events = append(events, db.PlayEvent{AccountID: pl.AccountID, TrackID: pl.TrackID, PlayedAt: playedAt})
	}

	n, err := p.store.InsertPlayEvents(ctx, events)
	if err != nil {
		return report, fmt.Errorf("inserting play events: %w", err)
	}
	report.Inserted = n

	return report, nil
}

// ParsePlayedAt parses an RFC 3339 timestamp and drops its zone, keeping
// the wall clock reading as a UTC time.
func ParsePlayedAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing played_at %q: %w", s, err)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
}

// BackfillTracks fetches audio features for every track still missing them.
func (p *Pipeline) BackfillTracks(ctx context.Context) (report StageReport, err error) {
	started := time.Now()
	report = StageReport{Stage: StageBackfillTracks}
	defer p.finish(ctx, &report, started)

	ids, err := p.store.IncompleteTrackIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("selecting incomplete tracks: %w", err)
	}
	report.Processed = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	tokens, ok, err := p.pooledTokens(ctx, &report)
	if !ok {
		return report, err
	}

	features, err := p.catalog.AudioFeatures(ctx, tokens, ids, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		p.log(ctx).Error().Err(err).Str("stage", StageBackfillTracks).Msg("fetching audio features partly failed")
		report.Failures = append(report.Failures, Failure{Err: err})
	}

	byID := make(map[string]spotify.AudioFeatures, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}

	var updates []db.TrackFeatures
	for _, id := range ids {
		f, ok := byID[id]
		if !ok {
			p.alignmentFailure(ctx, &report, "track", id)
			continue
		}
		updates = append(updates, trackFeatures(f))
	}

	n, err := p.store.UpdateTrackFeatures(ctx, updates)
	if err != nil {
		return report, fmt.Errorf("updating track features: %w", err)
	}
	report.Updated = n

	return report, nil
}

func trackFeatures(f spotify.AudioFeatures) db.TrackFeatures {
	return db.TrackFeatures{
		TrackID: f.ID,
		AudioFeatures: db.AudioFeatures{
			Danceability:     &f.Danceability,
			Energy:           &f.Energy,
			Loudness:         &f.Loudness,
			Speechiness:      &f.Speechiness,
			Acousticness:     &f.Acousticness,
			Instrumentalness: &f.Instrumentalness,
			Liveness:         &f.Liveness,
			Valence:          &f.Valence,
			Tempo:            &f.Tempo,
			Key:              &f.Key,
			Mode:             &f.Mode,
			DurationMs:       &f.DurationMs,
			TimeSignature:    &f.TimeSignature,
		},
	}
}

// BackfillArtists fetches popularity and genres for every artist still
// missing them.
func (p *Pipeline) BackfillArtists(ctx context.Context) (report StageReport, err error) {
	started := time.Now()
	report = StageReport{Stage: StageBackfillArtists}
	defer p.finish(ctx, &report, started)

	ids, err := p.store.ArtistIDsWithoutPopularity(ctx)
	if err != nil {
		return report, fmt.Errorf("selecting artists without popularity: %w", err)
	}
	report.Processed = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	tokens, ok, err := p.pooledTokens(ctx, &report)
	if !ok {
		return report, err
	}

	artists, err := p.catalog.Artists(ctx, tokens, ids, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		p.log(ctx).Error().Err(err).Str("stage", StageBackfillArtists).Msg("fetching artists partly failed")
		report.Failures = append(report.Failures, Failure{Err: err})
	}

	byID := make(map[string]spotify.FullArtist, len(artists))
	for _, a := range artists {
		byID[a.ID] = a
	}

	var updates []db.ArtistDetails
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			p.alignmentFailure(ctx, &report, "artist", id)
			continue
		}
		updates = append(updates, db.ArtistDetails{ArtistID: id, Popularity: a.Popularity, Genres: a.Genres})
	}

	n, err := p.store.UpdateArtistDetails(ctx, updates)
	if err != nil {
		return report, fmt.Errorf("updating artist details: %w", err)
	}
	report.Updated = n

	return report, nil
}

// pooledTokens returns every stored access token. When there are none the
// stage cannot proceed: ok is false and a failure is recorded.
func (p *Pipeline) pooledTokens(ctx context.Context, report *StageReport) (tokens []string, ok bool, err error) {
	tokens, err = p.store.AccessTokens(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("listing access tokens: %w", err)
	}
	if len(tokens) == 0 {
		p.log(ctx).Warn().Str("stage", report.Stage).Msg("no access tokens stored, skipping")
		report.Failures = append(report.Failures, Failure{Err: spotify.ErrNoAccessTokens})
		return nil, false, nil
	}
	return tokens, true, nil
}

func (p *Pipeline) alignmentFailure(ctx context.Context, report *StageReport, kind, id string) {
	err := &AlignmentError{Kind: kind, ID: id}
	p.log(ctx).Warn().Err(err).Str("stage", report.Stage).Str(kind+"_id", id).Msg("no details returned")
	report.Failures = append(report.Failures, Failure{Subject: id, Err: err})
}
