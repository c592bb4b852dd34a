// Package config loads the application configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. The result is validated before it is returned and
// is passed explicitly to every constructor that needs it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/justestif/go-spotify-play-tracker/internal/logging"
)

// PathEnvVar names the environment variable holding an explicit config file path.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when no path is given.
var DefaultPaths = []string{
	"config.yaml",
	"/etc/spotify-play-tracker/config.yaml",
}

// Config is the complete application configuration.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Spotify  SpotifyConfig  `koanf:"spotify"`
	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Sync     SyncConfig     `koanf:"sync"`
	Log      logging.Config `koanf:"log"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string `koanf:"url" validate:"required"`
}

// SpotifyConfig holds the application credentials and API endpoints.
type SpotifyConfig struct {
	ClientID          string        `koanf:"client_id" validate:"required"`
	ClientSecret      string        `koanf:"client_secret" validate:"required"`
	RedirectURL       string        `koanf:"redirect_url" validate:"required,url"`
	AuthURL           string        `koanf:"auth_url" validate:"omitempty,url"`
	TokenURL          string        `koanf:"token_url" validate:"omitempty,url"`
	APIBaseURL        string        `koanf:"api_base_url" validate:"omitempty,url"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gte=0"`
	MaxRetries        int           `koanf:"max_retries" validate:"gte=0,lte=10"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// AuthConfig holds settings for locally issued bearer tokens.
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret" validate:"required,min=16"`
	TokenTTL  time.Duration `koanf:"token_ttl" validate:"gt=0"`
	// TokenRateLimit is the number of /token requests allowed per IP each minute.
	TokenRateLimit int `koanf:"token_rate_limit" validate:"gte=1"`
}

// SyncConfig tunes the synchronization pipeline.
type SyncConfig struct {
	Lookback    time.Duration `koanf:"lookback" validate:"gt=0"`
	PageLimit   int           `koanf:"page_limit" validate:"gte=1,lte=50"`
	BatchSize   int           `koanf:"batch_size" validate:"gte=1,lte=100"`
	Concurrency int           `koanf:"concurrency" validate:"gte=1"`
	RunTimeout  time.Duration `koanf:"run_timeout" validate:"gt=0"`
	// Interval is how often `sync --every` repeats when no flag is given.
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

func defaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL: "http://127.0.0.1:8080/callback",
			Timeout:     10 * time.Second,
			MaxRetries:  3,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:       time.Hour,
			TokenRateLimit: 10,
		},
		Sync: SyncConfig{
			Lookback:    24 * time.Hour,
			PageLimit:   50,
			BatchSize:   100,
			Concurrency: 1,
			RunTimeout:  30 * time.Minute,
			Interval:    time.Hour,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load builds the configuration. When path is empty the file named by
// CONFIG_PATH or the first existing entry of DefaultPaths is used; having
// no file at all is fine.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its validate tag.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envAliases maps well-known variable names onto config paths.
var envAliases = map[string]string{
	"SPOTIFY_ID":     "spotify.client_id",
	"SPOTIFY_SECRET": "spotify.client_secret",
	"DATABASE_URL":   "database.url",
	"JWT_SECRET":     "auth.jwt_secret",
	"LOG_LEVEL":      "log.level",
	"LOG_FORMAT":     "log.format",
	"HTTP_ADDR":      "server.addr",
}

// envPrefix marks variables mapped by section, e.g.
// TRACKER_SYNC__PAGE_LIMIT -> sync.page_limit.
const envPrefix = "TRACKER_"

// envTransformFunc maps an environment variable to a config path, or to ""
// when the variable is not ours.
func envTransformFunc(key string) string {
	if path, ok := envAliases[key]; ok {
		return path
	}
	if !strings.HasPrefix(key, envPrefix) {
		return ""
	}
	section, field, ok := strings.Cut(strings.TrimPrefix(key, envPrefix), "__")
	if !ok || section == "" || field == "" {
		return ""
	}
	return strings.ToLower(section) + "." + strings.ToLower(field)
}
