package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flurry-extract/internal/checkpoint"

	"github.com/stretchr/testify/require"
)

const validConfig = `{
	// credentials for dev.flurry.com
	auth: {
		email: "ops@example.com",
		password: "hunter2",
		project_id: "12345",
	},
	extract_position: {
		year: 2012,
		month: 3,
		day: 4,
		offset: 0,
		session: 0,
	},
	rate_limiting: {
		delay_per_request: 1.5,
		delay_per_overlimit: 60,
	},
	checkpoint: {
		file: "state/checkpoint.db",
	},
}`

func writeConfig(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "extract.json5", validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "ops@example.com", cfg.Auth.Email)
	require.Equal(t, time.Millisecond*1500, cfg.DelayPerRequest())
	require.Equal(t, time.Minute, cfg.DelayPerOverlimit())
	require.Equal(t, checkpoint.Checkpoint{Date: checkpoint.NewDate(2012, 3, 4)}, cfg.InitialCheckpoint())

	opts := cfg.ClientOptions()
	require.Equal(t, int64(12345), opts.ProjectID)
	require.Equal(t, "hunter2", opts.Password)
}

func TestLoadLocalOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "extract.json5", validConfig)
	writeConfig(t, dir, "extract.local.json5", `{auth: {password: "from-local"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-local", cfg.Auth.Password)
	require.Equal(t, "ops@example.com", cfg.Auth.Email)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "extract.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func validate(t *testing.T, edit func(c *Config)) error {
	path := writeConfig(t, t.TempDir(), "extract.json5", validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	edit(&cfg)
	return cfg.Validate(path)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		edit func(c *Config)
	}{
		{"placeholder email", "auth.email", func(c *Config) { c.Auth.Email = "__EMAIL__" }},
		{"placeholder password", "auth.password", func(c *Config) { c.Auth.Password = "__PASSWORD__" }},
		{"placeholder project", "auth.project_id", func(c *Config) { c.Auth.ProjectID = "__PROJECT_ID__" }},
		{"missing email", "auth.email", func(c *Config) { c.Auth.Email = "" }},
		{"non numeric project", "auth.project_id", func(c *Config) { c.Auth.ProjectID = "abc" }},
		{"missing year", "extract_position.year", func(c *Config) { c.ExtractPosition.Year = 0 }},
		{"missing day", "extract_position.day", func(c *Config) { c.ExtractPosition.Day = 0 }},
		{"impossible date", "extract_position", func(c *Config) { c.ExtractPosition.Month = 2; c.ExtractPosition.Day = 30 }},
		{"negative offset", "extract_position", func(c *Config) { c.ExtractPosition.Offset = -1 }},
		{"negative delay", "rate_limiting.delay_per_request", func(c *Config) { c.RateLimiting.DelayPerRequest = -1 }},
		{"no checkpoint store", "checkpoint", func(c *Config) { c.Checkpoint = checkpoint.Options{} }},
		{"unknown timezone", "timezone", func(c *Config) { c.Timezone = "Mars/Olympus_Mons" }},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			err := validate(t, test.edit)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected a configuration error, got %v", err)
			require.Equal(t, test.key, cfgErr.Key)
		})
	}
}

func TestValidateTimezone(t *testing.T) {
	err := validate(t, func(c *Config) { c.Timezone = "America/Los_Angeles" })
	require.NoError(t, err)
}

func TestIsPlaceholder(t *testing.T) {
	require.True(t, IsPlaceholder("__EMAIL__"))
	require.False(t, IsPlaceholder("___"))
	require.False(t, IsPlaceholder("user__name"))
	require.False(t, IsPlaceholder("__prefix"))
	require.False(t, IsPlaceholder(""))
}

func TestExampleConfigNeedsCredentials(t *testing.T) {
	_, err := Load("../../extract.example.json5")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "auth.email", cfgErr.Key)
}
