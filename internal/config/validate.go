package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateEndpoints(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServer() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return errors.New("server.bind must be set")
	}
	if c.Server.PublicURL != "" {
		if err := validateHTTPURL("server.public_url", c.Server.PublicURL); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case StoreDriverSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path must be set when store.driver is sqlite")
		}
	case StoreDriverPostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return errors.New("store.postgres_dsn must be set when store.driver is postgres (or set UPSROUTER_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("store.driver must be one of %s, %s (got %q)", StoreDriverSQLite, StoreDriverPostgres, c.Store.Driver)
	}
	return nil
}

func (c *Config) validateEndpoints() error {
	if err := validateHTTPURL("inference.model_url", c.Inference.ModelURL); err != nil {
		return err
	}
	if err := validateHTTPURL("dicomweb.default_base", c.DICOMweb.DefaultBase); err != nil {
		return err
	}
	if c.DICOMweb.UploadURL != "" {
		if err := validateHTTPURL("dicomweb.upload_url", c.DICOMweb.UploadURL); err != nil {
			return err
		}
	}
	for _, subscriber := range c.Notifications.GlobalSubscribers {
		if err := validateHTTPURL("notifications.global_subscribers", subscriber); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	if err := ensurePositiveMap(map[string]int{
		"inference.timeout_seconds":     c.Inference.TimeoutSeconds,
		"dicomweb.request_timeout":      c.DICOMweb.RequestTimeout,
		"dicomweb.upload_timeout":       c.DICOMweb.UploadTimeout,
		"notifications.timeout_seconds": c.Notifications.TimeoutSeconds,
		"notifications.max_parallel":    c.Notifications.MaxParallel,
		"processor.max_concurrent":      c.Processor.MaxConcurrent,
		"processor.shutdown_timeout":    c.Processor.ShutdownTimeout,
	}); err != nil {
		return err
	}
	if c.DICOMweb.MetadataCacheTTL < 0 {
		return errors.New("dicomweb.metadata_cache_ttl must be zero or positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json (got %q)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	return nil
}

func validateHTTPURL(key, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s must be set", key)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL (got %q)", key, value)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host (got %q)", key, value)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
