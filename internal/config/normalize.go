package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeEndpoints()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(strings.TrimSpace(c.Paths.DataDir)); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	if c.Server.Bind == "" {
		c.Server.Bind = defaultServerBind
	}
	c.Server.APIToken = strings.TrimSpace(c.Server.APIToken)
	if c.Server.APIToken == "" {
		if value, ok := os.LookupEnv("UPSROUTER_API_TOKEN"); ok {
			c.Server.APIToken = strings.TrimSpace(value)
		}
	}
	c.Server.PublicURL = strings.TrimRight(strings.TrimSpace(c.Server.PublicURL), "/")
}

func (c *Config) normalizeStore() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	c.Store.SQLitePath = strings.TrimSpace(c.Store.SQLitePath)
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.DataDir, defaultSQLiteFile)
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	c.Store.PostgresDSN = strings.TrimSpace(c.Store.PostgresDSN)
	if c.Store.PostgresDSN == "" {
		if value, ok := os.LookupEnv("UPSROUTER_POSTGRES_DSN"); ok {
			c.Store.PostgresDSN = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeEndpoints() {
	c.Inference.ModelURL = strings.TrimSpace(c.Inference.ModelURL)
	if value, ok := os.LookupEnv("UPSROUTER_MODEL_URL"); ok && strings.TrimSpace(value) != "" {
		c.Inference.ModelURL = strings.TrimSpace(value)
	}
	c.Inference.ModelURL = strings.TrimRight(c.Inference.ModelURL, "/")

	c.DICOMweb.DefaultBase = strings.TrimRight(strings.TrimSpace(c.DICOMweb.DefaultBase), "/")
	if c.DICOMweb.DefaultBase == "" {
		c.DICOMweb.DefaultBase = defaultDICOMwebBase
	}
	c.DICOMweb.UploadURL = strings.TrimSpace(c.DICOMweb.UploadURL)

	c.Events.NATSURL = strings.TrimSpace(c.Events.NATSURL)
	if c.Events.NATSURL == "" {
		if value, ok := os.LookupEnv("UPSROUTER_NATS_URL"); ok {
			c.Events.NATSURL = strings.TrimSpace(value)
		}
	}
	c.Events.SubjectPrefix = strings.Trim(strings.TrimSpace(c.Events.SubjectPrefix), ".")
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = defaultEventsSubjectPrefix
	}

	c.Artifacts.AIName = strings.TrimSpace(c.Artifacts.AIName)
	if c.Artifacts.AIName == "" {
		c.Artifacts.AIName = defaultAIName
	}
	c.Artifacts.AlgorithmName = strings.TrimSpace(c.Artifacts.AlgorithmName)
	c.Artifacts.AlgorithmVersion = strings.TrimSpace(c.Artifacts.AlgorithmVersion)
}

func (c *Config) normalizeNotifications() {
	seen := make(map[string]struct{}, len(c.Notifications.GlobalSubscribers))
	subscribers := c.Notifications.GlobalSubscribers[:0]
	for _, url := range c.Notifications.GlobalSubscribers {
		trimmed := strings.TrimRight(strings.TrimSpace(url), "/")
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		subscribers = append(subscribers, trimmed)
	}
	c.Notifications.GlobalSubscribers = subscribers
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
