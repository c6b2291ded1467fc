package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Server contains the REST surface bind address and credentials.
type Server struct {
	Bind     string `toml:"bind"`
	APIToken string `toml:"api_token"`
	// PublicURL is the address other nodes use to reach this one. It is
	// advertised as the subscriber URL by the submit command.
	PublicURL string `toml:"public_url"`
}

// Store selects and configures the key-value backend.
type Store struct {
	Driver      string `toml:"driver"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// Inference contains configuration for the AI model backend.
type Inference struct {
	ModelURL       string `toml:"model_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// DICOMweb contains configuration for retrieval and result upload.
type DICOMweb struct {
	DefaultBase      string `toml:"default_base"`
	RequestTimeout   int    `toml:"request_timeout"`
	UploadURL        string `toml:"upload_url"`
	UploadTimeout    int    `toml:"upload_timeout"`
	MetadataCacheTTL int    `toml:"metadata_cache_ttl"`
}

// Notifications contains configuration for subscriber push delivery.
type Notifications struct {
	TimeoutSeconds    int      `toml:"timeout_seconds"`
	MaxParallel       int      `toml:"max_parallel"`
	GlobalSubscribers []string `toml:"global_subscribers"`
}

// Events contains configuration for lifecycle event publishing.
type Events struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// Processor contains configuration for the background pipeline pool.
type Processor struct {
	MaxConcurrent   int `toml:"max_concurrent"`
	ShutdownTimeout int `toml:"shutdown_timeout"`
}

// Artifacts contains the identity stamped into generated result objects.
type Artifacts struct {
	AIName           string `toml:"ai_name"`
	AlgorithmName    string `toml:"algorithm_name"`
	AlgorithmVersion string `toml:"algorithm_version"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for upsrouter.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Server: REST bind address, bearer token, public URL
//   - Store: key-value backend (sqlite or postgres)
//   - Inference: AI model backend URL and timeout
//   - DICOMweb: series metadata retrieval and result upload
//   - Notifications: subscriber push delivery
//   - Events: optional NATS lifecycle events
//   - Processor: background pipeline concurrency
//   - Artifacts: AI identity written into result objects
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Server        Server        `toml:"server"`
	Store         Store         `toml:"store"`
	Inference     Inference     `toml:"inference"`
	DICOMweb      DICOMweb      `toml:"dicomweb"`
	Notifications Notifications `toml:"notifications"`
	Events        Events        `toml:"events"`
	Processor     Processor     `toml:"processor"`
	Artifacts     Artifacts     `toml:"artifacts"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("upsrouter.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Store.Driver == StoreDriverSQLite && c.Store.SQLitePath != "" {
		dirs = append(dirs, filepath.Dir(c.Store.SQLitePath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "upsrouter.lock")
}

// InferenceTimeout returns the model backend request timeout.
func (c *Config) InferenceTimeout() time.Duration {
	return seconds(c.Inference.TimeoutSeconds)
}

// NotificationTimeout returns the per-subscriber delivery timeout.
func (c *Config) NotificationTimeout() time.Duration {
	return seconds(c.Notifications.TimeoutSeconds)
}

// RetrievalTimeout returns the WADO-RS metadata request timeout.
func (c *Config) RetrievalTimeout() time.Duration {
	return seconds(c.DICOMweb.RequestTimeout)
}

// UploadTimeout returns the result upload request timeout.
func (c *Config) UploadTimeout() time.Duration {
	return seconds(c.DICOMweb.UploadTimeout)
}

// MetadataCacheTTL returns how long fetched series metadata is reused. Zero disables caching.
func (c *Config) MetadataCacheTTL() time.Duration {
	return seconds(c.DICOMweb.MetadataCacheTTL)
}

// ShutdownTimeout returns how long the daemon waits for in-flight pipelines on exit.
func (c *Config) ShutdownTimeout() time.Duration {
	return seconds(c.Processor.ShutdownTimeout)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
