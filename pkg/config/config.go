// Package config loads the client-side sync configuration. Settings come
// from a YAML file (./modsync.yaml, falling back to ~/.modsync/config.yaml),
// with a .env file and MODSYNC_* environment variables layered on top for
// per-machine overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/modsync/modsync/pkg/errors"
)

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// DefaultFileName is looked up in the working directory first.
const DefaultFileName = "modsync.yaml"

// userConfigPath is the fallback under the user's home directory.
const userConfigPath = ".modsync/config.yaml"

// Defaults applied to fields the file leaves unset.
const (
	DefaultTimeoutSeconds = 30
	DefaultMaxAttempts    = 5
	DefaultMaxWorkers     = 8
	DefaultChunkSizeKB    = 4096
)

// parseConfigErrTemplate is shown when a configuration file fails to parse.
// The yaml library constructs errors in a way that loses context, so we can
// only pass the error message on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

// Config is the client sync configuration.
type Config struct {
	// Server is the base URL of the modsync server. Required.
	Server string `json:"server"`

	// Dir is the local directory to synchronize. Defaults to "mods".
	Dir string `json:"dir"`

	// Strategy forces a named download strategy. Empty means adaptive.
	Strategy string `json:"strategy,omitempty"`

	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	MaxAttempts    int `json:"maxAttempts,omitempty"`
	MaxWorkers     int `json:"maxWorkers,omitempty"`
	ChunkSizeKB    int `json:"chunkSizeKB,omitempty"`

	// Resume continues partial downloads. Defaults to true; set to false
	// explicitly to always restart from scratch.
	Resume *bool `json:"resume,omitempty"`

	// Critical lists files to download first under the gaming-priority
	// strategy.
	Critical []string `json:"critical,omitempty"`
}

// Timeout returns the request timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ChunkSize returns the chunk size in bytes.
func (c Config) ChunkSize() int64 {
	return int64(c.ChunkSizeKB) * 1024
}

// ResumeEnabled resolves the resume flag against its default.
func (c Config) ResumeEnabled() bool {
	return c.Resume == nil || *c.Resume
}

// Load reads the configuration from the given path. An empty path searches
// the default locations. Missing files are not an error: the result is the
// defaults, and the server URL may still arrive via environment variable.
func Load(path string) (Config, error) {
	// A .env file, if present, feeds the environment overrides below.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Debug("Skipped .env file")
	}

	config := Config{}
	path, explicit := resolvePath(path)
	if path != "" {
		if err := parseConfig(path, &config); err != nil {
			if _, notFound := err.(errors.FileNotFound); !notFound || explicit {
				return Config{}, err
			}
		}
	}

	if server := os.Getenv("MODSYNC_SERVER_URL"); server != "" {
		config.Server = server
	}
	if dir := os.Getenv("MODSYNC_DIR"); dir != "" {
		config.Dir = dir
	}

	applyDefaults(&config)
	if config.Server == "" {
		return Config{}, errors.MissingFieldError{Field: "server"}
	}
	return config, nil
}

// resolvePath picks the config file to read. The second return value
// reports whether the user named the path explicitly, in which case a
// missing file is an error rather than a fallback.
func resolvePath(path string) (string, bool) {
	if path != "" {
		return path, true
	}

	if exists, _ := afero.Exists(fs, DefaultFileName); exists {
		return DefaultFileName, false
	}

	home, err := homedir.Dir()
	if err != nil {
		log.WithError(err).Debug("Failed to resolve home directory")
		return "", false
	}
	return filepath.Join(home, userConfigPath), false
}

func parseConfig(path string, config *Config) error {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	// Strict unmarshal so that typos in field names surface instead of
	// silently falling back to defaults.
	if err := yaml.UnmarshalStrict(configBytes, config, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}

func applyDefaults(config *Config) {
	if config.Dir == "" {
		config.Dir = "mods"
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultMaxWorkers
	}
	if config.ChunkSizeKB <= 0 {
		config.ChunkSizeKB = DefaultChunkSizeKB
	}
}
