package testsupport

import (
	"path/filepath"
	"testing"

	"upsrouter/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Store.Driver = config.StoreDriverSQLite
	cfgVal.Store.SQLitePath = filepath.Join(base, "data", "ups.db")
	cfgVal.Server.Bind = "127.0.0.1:0"
	cfgVal.Server.APIToken = ""
	cfgVal.Inference.TimeoutSeconds = 5
	cfgVal.DICOMweb.RequestTimeout = 5
	cfgVal.DICOMweb.UploadTimeout = 5
	cfgVal.DICOMweb.MetadataCacheTTL = 0
	cfgVal.Notifications.TimeoutSeconds = 2
	cfgVal.Notifications.GlobalSubscribers = nil
	cfgVal.Events.NATSURL = ""
	cfgVal.Processor.ShutdownTimeout = 5

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithAPIToken enables bearer authentication on the test config.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.APIToken = token
	}
}

// WithModelURL points the inference client at a test server.
func WithModelURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Inference.ModelURL = url
	}
}

// WithDICOMwebBase sets the default retrieval base used by create requests.
func WithDICOMwebBase(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.DICOMweb.DefaultBase = url
	}
}

// WithUploadURL overrides the derived result upload endpoint.
func WithUploadURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.DICOMweb.UploadURL = url
	}
}

// WithGlobalSubscribers registers subscribers notified for every workitem.
func WithGlobalSubscribers(urls ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.GlobalSubscribers = urls
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
