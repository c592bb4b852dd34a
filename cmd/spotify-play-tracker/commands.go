package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/justestif/go-spotify-play-tracker/internal/auth"
	"github.com/justestif/go-spotify-play-tracker/internal/config"
	"github.com/justestif/go-spotify-play-tracker/internal/db"
	"github.com/justestif/go-spotify-play-tracker/internal/logging"
	"github.com/justestif/go-spotify-play-tracker/internal/spotify"
	"github.com/justestif/go-spotify-play-tracker/internal/stats"
	"github.com/justestif/go-spotify-play-tracker/internal/sync"
	"github.com/justestif/go-spotify-play-tracker/internal/web"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides server.addr",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				addr := a.cfg.Server.Addr
				if cmd.IsSet("addr") {
					addr = cmd.String("addr")
				}

				srv := web.NewServer(web.Config{
					Addr:            addr,
					ReadTimeout:     a.cfg.Server.ReadTimeout,
					WriteTimeout:    a.cfg.Server.WriteTimeout,
					ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
					TokenRateLimit:  a.cfg.Auth.TokenRateLimit,
				}, web.Deps{
					OAuth:    a.spotify,
					Accounts: a.db.Accounts(),
					Stats:    stats.New(a.db.Plays(), a.logger),
					Issuer:   auth.NewIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL),
				}, a.logger)

				return srv.Run(ctx)
			})
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Synchronize listening history",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "stage",
				Usage: "Run only these steps: refresh, plays, tracks, artists (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "loop",
				Usage: "Keep running every sync.interval",
			},
			&cli.DurationFlag{
				Name:  "every",
				Usage: "Keep running at this interval, implies --loop",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			steps := sync.AllSteps
			if names := cmd.StringSlice("stage"); len(names) > 0 {
				steps = nil
				for _, name := range names {
					step, err := sync.ParseStep(name)
					if err != nil {
						return err
					}
					steps = append(steps, step)
				}
			}

			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				pipeline := sync.New(a.db, a.spotify, a.logger,
					sync.WithLookback(a.cfg.Sync.Lookback),
					sync.WithPageLimit(a.cfg.Sync.PageLimit),
					sync.WithBatchSize(a.cfg.Sync.BatchSize),
					sync.WithConcurrency(a.cfg.Sync.Concurrency),
					sync.WithRunTimeout(a.cfg.Sync.RunTimeout),
					sync.WithLocker(a.db),
				)

				interval := cmd.Duration("every")
				if interval <= 0 && cmd.Bool("loop") {
					interval = a.cfg.Sync.Interval
				}
				if interval <= 0 {
					_, err := pipeline.RunSteps(ctx, steps...)
					return err
				}
				return syncLoop(ctx, a.logger, pipeline, interval, steps)
			})
		},
	}
}

// syncLoop runs the pipeline now and then every interval until ctx is
// cancelled. A failed run is logged and retried at the next tick.
func syncLoop(ctx context.Context, logger zerolog.Logger, pipeline *sync.Pipeline, interval time.Duration, steps []sync.Step) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", interval).Msg("sync loop started")
	for {
		if _, err := pipeline.RunSteps(ctx, steps...); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, sync.ErrRunInProgress) {
				logger.Warn().Msg("another sync run is in progress, skipping")
			} else {
				logger.Error().Err(err).Msg("sync run failed")
			}
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("sync loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create missing tables and indexes",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				if err := a.db.Migrate(ctx); err != nil {
					return err
				}
				a.logger.Info().Msg("schema up to date")
				return nil
			})
		},
	}
}

// app holds what every command needs.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	db      *db.DB
	spotify *spotify.Client
}

func withApp(ctx context.Context, cmd *cli.Command, fn func(context.Context, *app) error) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Log)

	database, err := db.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	client := spotify.New(spotify.Config{
		ClientID:          cfg.Spotify.ClientID,
		ClientSecret:      cfg.Spotify.ClientSecret,
		RedirectURL:       cfg.Spotify.RedirectURL,
		AuthURL:           cfg.Spotify.AuthURL,
		TokenURL:          cfg.Spotify.TokenURL,
		APIBaseURL:        cfg.Spotify.APIBaseURL,
		Timeout:           cfg.Spotify.Timeout,
		RequestsPerSecond: cfg.Spotify.RequestsPerSecond,
		MaxRetries:        cfg.Spotify.MaxRetries,
	}, logger)

	return fn(ctx, &app{cfg: cfg, logger: logger, db: database, spotify: client})
}
