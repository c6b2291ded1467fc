package dicomweb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"upsrouter/internal/config"
	"upsrouter/internal/logging"
	"upsrouter/internal/services"
)

const (
	mediaTypeDICOM     = "application/dicom"
	mediaTypeDICOMJSON = "application/dicom+json"
	maxMetadataBody    = 64 << 20
)

// Client fetches series metadata over WADO-RS and uploads result objects to
// the archive.
type Client struct {
	retrieval *http.Client
	upload    *http.Client
	uploadURL string
	cache     *ttlcache.Cache[string, *SeriesInfo]
	logger    *slog.Logger
}

// NewClient builds a client from the dicomweb section of cfg. Call Close to
// stop the metadata cache janitor.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	retrievalTimeout := cfg.RetrievalTimeout()
	if retrievalTimeout <= 0 {
		retrievalTimeout = 30 * time.Second
	}
	uploadTimeout := cfg.UploadTimeout()
	if uploadTimeout <= 0 {
		uploadTimeout = 10 * time.Second
	}
	c := &Client{
		retrieval: &http.Client{Timeout: retrievalTimeout},
		upload:    &http.Client{Timeout: uploadTimeout},
		uploadURL: strings.TrimSpace(cfg.DICOMweb.UploadURL),
		logger:    logging.NewComponentLogger(logger, "dicomweb"),
	}
	if ttl := cfg.MetadataCacheTTL(); ttl > 0 {
		c.cache = ttlcache.New(
			ttlcache.WithTTL[string, *SeriesInfo](ttl),
			ttlcache.WithDisableTouchOnHit[string, *SeriesInfo](),
		)
		go c.cache.Start()
	}
	return c
}

// Close stops background cache maintenance.
func (c *Client) Close() {
	if c != nil && c.cache != nil {
		c.cache.Stop()
	}
}

// SeriesMetadata fetches {retrievalURL}/metadata and summarizes it. Results
// are cached per retrieval URL when a cache TTL is configured.
func (c *Client) SeriesMetadata(ctx context.Context, retrievalURL string) (*SeriesInfo, error) {
	retrievalURL = strings.TrimRight(retrievalURL, "/")
	if c.cache != nil {
		if item := c.cache.Get(retrievalURL); item != nil {
			return item.Value(), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, retrievalURL+"/metadata", nil)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "retrieval", "build request", retrievalURL, err)
	}
	req.Header.Set("Accept", mediaTypeDICOMJSON)

	start := time.Now()
	resp, err := c.retrieval.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrUpstream, "retrieval", "fetch metadata", retrievalURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, services.Wrap(services.ErrUpstream, "retrieval", "fetch metadata",
			fmt.Sprintf("WADO-RS metadata returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return nil, services.Wrap(services.ErrUpstream, "retrieval", "read metadata", retrievalURL, err)
	}
	info, err := ParseSeriesMetadata(body)
	if err != nil {
		return nil, services.Wrap(services.ErrUpstream, "retrieval", "parse metadata", retrievalURL, err)
	}
	c.logger.Info("series metadata retrieved",
		logging.String(logging.FieldEventType, "metadata_retrieved"),
		logging.String("series_uid", info.SeriesUID),
		logging.Int("instances", info.InstanceCount),
		logging.Float64("slice_spacing", info.SliceSpacing),
		logging.Duration("duration", time.Since(start)),
	)
	if c.cache != nil {
		c.cache.Set(retrievalURL, info, ttlcache.DefaultTTL)
	}
	return info, nil
}

// UploadTarget returns the configured upload endpoint, or
// {scheme}://{host}/instances derived from retrievalURL.
func (c *Client) UploadTarget(retrievalURL string) (string, error) {
	if c.uploadURL != "" {
		return c.uploadURL, nil
	}
	parsed, err := url.Parse(retrievalURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", services.Wrap(services.ErrValidation, "upload", "derive target",
			fmt.Sprintf("cannot derive archive host from %q", retrievalURL), err)
	}
	return parsed.Scheme + "://" + parsed.Host + "/instances", nil
}

// Upload POSTs one Part 10 object to target.
func (c *Client) Upload(ctx context.Context, target string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return services.Wrap(services.ErrValidation, "upload", "build request", target, err)
	}
	req.Header.Set("Content-Type", mediaTypeDICOM)

	resp, err := c.upload.Do(req)
	if err != nil {
		return services.Wrap(services.ErrUpstream, "upload", "post instance", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return services.Wrap(services.ErrUpstream, "upload", "post instance",
			fmt.Sprintf("archive returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
