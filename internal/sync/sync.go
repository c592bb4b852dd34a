// Package sync runs the pipeline that keeps the store in step with each
// account's Spotify listening history.
//
// A run refreshes access tokens, ingests recently played tracks, adds the
// artists and tracks not stored yet, records the play events and finally
// backfills audio features and artist details. Failures of a single account
// or batch are recorded and logged without stopping the run; store failures
// abort it.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-play-tracker/internal/db"
	"github.com/justestif/go-spotify-play-tracker/internal/metrics"
	"github.com/justestif/go-spotify-play-tracker/internal/spotify"
)

// Common errors.
var (
	// ErrRunInProgress is returned when another run holds the sync lock.
	ErrRunInProgress = errors.New("sync run already in progress")

	// ErrUnknownStep is returned for a step name that does not exist.
	ErrUnknownStep = errors.New("unknown sync step")
)

// Defaults.
const (
	DefaultLookback   = 24 * time.Hour
	DefaultPageLimit  = 50
	DefaultBatchSize  = 100
	DefaultRunTimeout = 30 * time.Minute
)

// Store is the persistence the pipeline needs. *db.DB implements it.
type Store interface {
	ListCredentials(ctx context.Context) ([]db.Credential, error)
	SaveTokens(ctx context.Context, accountID, accessToken, refreshToken string) error
	AccessTokens(ctx context.Context) ([]string, error)
	ExistingArtistIDs(ctx context.Context, ids []string) (map[string]bool, error)
	ExistingTrackIDs(ctx context.Context, ids []string) (map[string]bool, error)
	SaveCatalog(ctx context.Context, c db.Catalog) (db.CatalogResult, error)
	InsertPlayEvents(ctx context.Context, events []db.PlayEvent) (int64, error)
	IncompleteTrackIDs(ctx context.Context) ([]string, error)
	UpdateTrackFeatures(ctx context.Context, features []db.TrackFeatures) (int64, error)
	ArtistIDsWithoutPopularity(ctx context.Context) ([]string, error)
	UpdateArtistDetails(ctx context.Context, details []db.ArtistDetails) (int64, error)
}

// Catalog is the upstream the pipeline reads from. *spotify.Client implements it.
type Catalog interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RecentlyPlayed(ctx context.Context, accessToken string, after time.Time, limit int) ([]spotify.PlayHistoryItem, error)
	AudioFeatures(ctx context.Context, accessTokens, trackIDs []string, batchSize int) ([]spotify.AudioFeatures, error)
	Artists(ctx context.Context, accessTokens, artistIDs []string, batchSize int) ([]spotify.FullArtist, error)
}

// Locker guards against concurrent runs. *db.DB implements it.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (release func(), acquired bool, err error)
}

// Pipeline runs the synchronization stages.
type Pipeline struct {
	store   Store
	catalog Catalog
	locker  Locker
	logger  zerolog.Logger

	lookback    time.Duration
	pageLimit   int
	batchSize   int
	concurrency int
	runTimeout  time.Duration
	now         func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLookback sets how far back ingestion asks for plays.
func WithLookback(d time.Duration) Option {
	return func(p *Pipeline) {
		p.lookback = d
	}
}

// WithPageLimit sets the page size requested from the recently played feed.
func WithPageLimit(n int) Option {
	return func(p *Pipeline) {
		p.pageLimit = n
	}
}

// WithBatchSize sets the number of ids per catalog lookup.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		p.batchSize = n
	}
}

// WithConcurrency sets how many accounts are ingested at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		p.concurrency = max(1, n)
	}
}

// WithRunTimeout bounds the duration of a whole run.
func WithRunTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.runTimeout = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLocker makes Run hold the sync lock for its duration.
func WithLocker(l Locker) Option {
	return func(p *Pipeline) {
		p.locker = l
	}
}

// New creates a pipeline.
func New(store Store, catalog Catalog, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		catalog:     catalog,
		logger:      logger.With().Str("component", "sync").Logger(),
		lookback:    DefaultLookback,
		pageLimit:   DefaultPageLimit,
		batchSize:   DefaultBatchSize,
		concurrency: 1,
		runTimeout:  DefaultRunTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Step selects a part of a run.
type Step string

// Steps, in the order a full run executes them.
const (
	StepRefresh Step = "refresh" // refresh access tokens
	StepPlays   Step = "plays"   // ingest, reconcile and persist plays
	StepTracks  Step = "tracks"  // backfill audio features
	StepArtists Step = "artists" // backfill artist details
)

// AllSteps is a full run.
var AllSteps = []Step{StepRefresh, StepPlays, StepTracks, StepArtists}

// ParseStep validates a step name.
func ParseStep(s string) (Step, error) {
	for _, step := range AllSteps {
		if string(step) == s {
			return step, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStep, s)
}

// RunReport summarizes one run.
type RunReport struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Stages   []StageReport
}

// Failures returns the number of failures recorded across all stages.
func (r *RunReport) Failures() int {
	n := 0
	for _, s := range r.Stages {
		n += len(s.Failures)
	}
	return n
}

// Run executes every step.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	return p.RunSteps(ctx, AllSteps...)
}

// RunSteps executes the given steps in their canonical order under one run
// id, lock and deadline. The report holds every stage that completed, also
// when an error is returned.
func (p *Pipeline) RunSteps(ctx context.Context, steps ...Step) (*RunReport, error) {
	selected := make(map[Step]bool, len(steps))
	for _, s := range steps {
		if _, err := ParseStep(string(s)); err != nil {
			return nil, err
		}
		selected[s] = true
	}

	report := &RunReport{RunID: uuid.NewString(), Started: p.now()}
	logger := p.logger.With().Str("run_id", report.RunID).Logger()
	ctx = withLogger(ctx, logger)

	if p.locker != nil {
		release, acquired, err := p.locker.TryAdvisoryLock(ctx, db.SyncLockKey)
		if err != nil {
			return nil, fmt.Errorf("taking sync lock: %w", err)
		}
		if !acquired {
			metrics.RecordRun(metrics.RunSkipped)
			return nil, ErrRunInProgress
		}
		defer release()
	}

	ctx, cancel := context.WithTimeout(ctx, p.runTimeout)
	defer cancel()

	logger.Info().Strs("steps", stepNames(steps)).Msg("sync run started")

	err := p.runSteps(ctx, selected, report)
	report.Finished = p.now()

	ev, result := logger.Info(), metrics.RunOK
	if err != nil {
		ev, result = logger.Error().Err(err), metrics.RunFailed
	}
	metrics.RecordRun(result)
	ev.Int("failures", report.Failures()).
		Dur("duration", report.Finished.Sub(report.Started)).
		Msg("sync run finished")

	return report, err
}

func (p *Pipeline) runSteps(ctx context.Context, selected map[Step]bool, report *RunReport) error {
	if selected[StepRefresh] {
		stage, err := p.RefreshTokens(ctx)
		report.Stages = append(report.Stages, stage)
		if err != nil {
			return err
		}
	}

	if selected[StepPlays] {
		plays, stage, err := p.IngestPlays(ctx)
		report.Stages = append(report.Stages, stage)
		if err != nil {
			return err
		}

		stage, err = p.Reconcile(ctx, plays)
		report.Stages = append(report.Stages, stage)
		if err != nil {
			return err
		}

		stage, err = p.PersistPlays(ctx, plays)
		report.Stages = append(report.Stages, stage)
		if err != nil {
			return err
		}
	}

	if selected[StepTracks] {
		stage, err := p.BackfillTracks(ctx)
		report.Stages = append(report.Stages, stage)
		if err != nil {
			return err
		}
	}

	if selected[StepArtists] {
		stage, err := p.BackfillArtists(ctx)
		report.Stages = append(report.Stages, stage)
		if err != nil {
			return err
		}
	}

	return nil
}

func stepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s)
	}
	return names
}

type loggerKey struct{}

func withLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, &l)
}

// log returns the run logger carried by ctx, or the pipeline logger when a
// stage is called outside of a run.
func (p *Pipeline) log(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok {
		return l
	}
	return &p.logger
}
