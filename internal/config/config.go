package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"flurry-extract/internal/checkpoint"
	"flurry-extract/internal/components/configutil"
	"flurry-extract/internal/components/telemetry"
	"flurry-extract/internal/flurry"
)

const DefaultPath = "extract.json5"

type AuthConfig struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// ProjectID is kept as text so that an unfilled placeholder can be told
	// apart from a malformed id.
	ProjectID string `json:"project_id"`
}

type ExtractPositionConfig struct {
	Year    int   `json:"year"`
	Month   int   `json:"month"`
	Day     int   `json:"day"`
	Offset  int   `json:"offset"`
	Session int64 `json:"session"`
}

type RateLimitingConfig struct {
	// seconds
	DelayPerRequest float64 `json:"delay_per_request"`
	// seconds
	DelayPerOverlimit float64 `json:"delay_per_overlimit"`
}

type EndpointsConfig struct {
	BaseUrl      string `json:"base_url"`
	RateLimitUrl string `json:"rate_limit_url"`
}

type Config struct {
	Auth            AuthConfig            `json:"auth"`
	ExtractPosition ExtractPositionConfig `json:"extract_position"`
	RateLimiting    RateLimitingConfig    `json:"rate_limiting"`
	Checkpoint      checkpoint.Options    `json:"checkpoint"`
	Endpoints       EndpointsConfig       `json:"endpoints"`
	// Timezone is an IANA name, empty means the local timezone.
	Timezone  string           `json:"timezone"`
	Telemetry telemetry.Config `json:"telemetry"`
}

// ConfigurationError is a missing or invalid value, found before anything
// talks to the network.
type ConfigurationError struct {
	Path    string
	Key     string
	Problem string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration value %s in %s: %s", e.Key, e.Path, e.Problem)
}

// IsPlaceholder reports whether value is an unfilled template value such as
// "__EMAIL__".
func IsPlaceholder(value string) bool {
	return len(value) >= 4 && strings.HasPrefix(value, "__") && strings.HasSuffix(value, "__")
}

// Read reads path merged with its local override without validating it.
func Read(path string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config file %s not found: %w", path, err)
	}
	return cfg, err
}

// Load reads path (and its local override) and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	err = cfg.Validate(path)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every value the extractor needs, path is only used in
// error messages.
func (c Config) Validate(path string) error {
	required := []struct {
		key   string
		value string
	}{
		{"auth.email", c.Auth.Email},
		{"auth.password", c.Auth.Password},
		{"auth.project_id", c.Auth.ProjectID},
	}
	for _, r := range required {
		if r.value == "" {
			return &ConfigurationError{Path: path, Key: r.key, Problem: "missing"}
		}
		if IsPlaceholder(r.value) {
			return &ConfigurationError{Path: path, Key: r.key, Problem: fmt.Sprintf("placeholder %s was not replaced", r.value)}
		}
	}
	_, err := c.ProjectID()
	if err != nil {
		return &ConfigurationError{Path: path, Key: "auth.project_id", Problem: err.Error()}
	}

	position := []struct {
		key   string
		value int
	}{
		{"extract_position.year", c.ExtractPosition.Year},
		{"extract_position.month", c.ExtractPosition.Month},
		{"extract_position.day", c.ExtractPosition.Day},
	}
	for _, p := range position {
		if p.value <= 0 {
			return &ConfigurationError{Path: path, Key: p.key, Problem: "missing"}
		}
	}
	err = c.InitialCheckpoint().Validate()
	if err != nil {
		return &ConfigurationError{Path: path, Key: "extract_position", Problem: err.Error()}
	}

	if c.RateLimiting.DelayPerRequest < 0 {
		return &ConfigurationError{Path: path, Key: "rate_limiting.delay_per_request", Problem: "negative delay"}
	}
	if c.RateLimiting.DelayPerOverlimit < 0 {
		return &ConfigurationError{Path: path, Key: "rate_limiting.delay_per_overlimit", Problem: "negative delay"}
	}

	err = c.ValidateCheckpoint(path)
	if err != nil {
		return err
	}

	if c.Timezone != "" {
		_, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return &ConfigurationError{Path: path, Key: "timezone", Problem: err.Error()}
		}
	}
	return nil
}

// ValidateCheckpoint only checks the checkpoint store section, which is all
// the checkpoint maintenance commands need.
func (c Config) ValidateCheckpoint(path string) error {
	if c.Checkpoint.File == "" && c.Checkpoint.Url == "" {
		return &ConfigurationError{Path: path, Key: "checkpoint", Problem: "either file or url must be set"}
	}
	return nil
}

func (c Config) ProjectID() (int64, error) {
	id, err := strconv.ParseInt(c.Auth.ProjectID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("project id %q is not a number", c.Auth.ProjectID)
	}
	return id, nil
}

// InitialCheckpoint is where extraction starts when nothing has been stored
// yet.
func (c Config) InitialCheckpoint() checkpoint.Checkpoint {
	p := c.ExtractPosition
	return checkpoint.Checkpoint{
		Date: checkpoint.Date{
			Year:  p.Year,
			Month: time.Month(p.Month),
			Day:   p.Day,
		},
		Offset:  p.Offset,
		Session: p.Session,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c Config) DelayPerRequest() time.Duration {
	return seconds(c.RateLimiting.DelayPerRequest)
}

func (c Config) DelayPerOverlimit() time.Duration {
	return seconds(c.RateLimiting.DelayPerOverlimit)
}

// ClientOptions assumes the config has been validated.
func (c Config) ClientOptions() flurry.Options {
	projectID, _ := c.ProjectID()
	return flurry.Options{
		BaseUrl:      c.Endpoints.BaseUrl,
		RateLimitUrl: c.Endpoints.RateLimitUrl,
		Email:        c.Auth.Email,
		Password:     c.Auth.Password,
		ProjectID:    projectID,
	}
}
