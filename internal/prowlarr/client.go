// Package prowlarr implements the search gateway over a Prowlarr server.
package prowlarr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/indexer"
	"github.com/shelfstream/shelfstream/internal/ranking"
)

const (
	defaultTimeout = 90 * time.Second
	//nolint:gosec // header name constant, not a credential
	apiKeyHeader = "X-Api-Key"

	// AudiobookCategory is the Newznab Audio/Audiobook category.
	AudiobookCategory = 3030
	defaultLimit      = 100
)

// Client provides HTTP communication with a Prowlarr server.
type Client struct {
	baseURL    string
	apiKey     string
	category   int
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
}

// Compile-time checks for the gateway contracts.
var (
	_ indexer.Gateway = (*Client)(nil)
	_ indexer.Lister  = (*Client)(nil)
)

// ClientConfig contains configuration for creating a new Prowlarr client.
type ClientConfig struct {
	URL               string
	APIKey            string
	Timeout           int // seconds
	SkipSSLVerify     bool
	RequestsPerSecond float64
	Burst             int
	Category          int
	Logger            *zerolog.Logger
}

// NewClient creates a new Prowlarr HTTP client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: URL is required", ErrInvalidURL)
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if cfg.APIKey == "" {
		return nil, ErrInvalidAPIKey
	}

	baseURL := strings.TrimSuffix(cfg.URL, "/")

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	transport := &http.Transport{}
	if cfg.SkipSSLVerify {
		//nolint:gosec // admin-configured endpoint, TLS verification optional
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	base := zerolog.Nop()
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	logger := base.With().
		Str("component", "prowlarr-client").
		Str("url", baseURL).
		Logger()

	limiterCfg := DefaultRateLimiterConfig(logger)
	if cfg.RequestsPerSecond != 0 {
		limiterCfg.RequestsPerSecond = cfg.RequestsPerSecond
	}
	if cfg.Burst > 0 {
		limiterCfg.Burst = cfg.Burst
	}

	category := cfg.Category
	if category == 0 {
		category = AudiobookCategory
	}

	return &Client{
		baseURL:  baseURL,
		apiKey:   cfg.APIKey,
		category: category,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter: NewRateLimiter(limiterCfg),
		logger:  logger,
	}, nil
}

// do executes an HTTP request with the API key header.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Msg("executing request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.limiter.RecordError()
		c.logger.Error().Err(err).
			Str("method", method).
			Str("path", path).
			Msg("request failed")
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return resp, nil
}

// doJSON executes a GET request and decodes the JSON response.
func (c *Client) doJSON(ctx context.Context, path string, result interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.limiter.RecordRateLimited()
		return ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.limiter.RecordError()
		return ErrInvalidAPIKey
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.limiter.RecordError()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", string(bodyBytes)).
			Msg("request returned error status")
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	c.limiter.RecordSuccess()
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Version returns the Prowlarr version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var status struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, "/api/v1/system/status", &status); err != nil {
		return "", WrapError("connect", err, "")
	}
	return status.Version, nil
}

// TestConnection verifies connectivity to Prowlarr by fetching system status.
func (c *Client) TestConnection(ctx context.Context) error {
	version, err := c.Version(ctx)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}

	c.logger.Info().
		Str("version", version).
		Msg("connection test successful")
	return nil
}

// prowlarrIndexerResponse represents the Prowlarr API response for indexers.
type prowlarrIndexerResponse struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Enable   bool   `json:"enable"`
}

// ListIndexers fetches the indexers configured in Prowlarr.
func (c *Client) ListIndexers(ctx context.Context) ([]indexer.Info, error) {
	var indexers []prowlarrIndexerResponse
	if err := c.doJSON(ctx, "/api/v1/indexer", &indexers); err != nil {
		return nil, WrapError("indexers", err, "failed to fetch indexers")
	}

	result := make([]indexer.Info, 0, len(indexers))
	for _, idx := range indexers {
		result = append(result, indexer.Info{
			ID:       int64(idx.ID),
			Name:     idx.Name,
			Protocol: protocolFromString(idx.Protocol),
			Enabled:  idx.Enable,
		})
	}

	c.logger.Debug().
		Int("count", len(result)).
		Msg("fetched indexers")

	return result, nil
}

// ProwlarrSearchResult represents a single result from Prowlarr's REST API search.
type ProwlarrSearchResult struct {
	GUID                 string   `json:"guid"`
	Size                 int64    `json:"size"`
	IndexerID            int      `json:"indexerId"`
	Indexer              string   `json:"indexer"`
	Title                string   `json:"title"`
	PublishDate          string   `json:"publishDate"`
	DownloadURL          string   `json:"downloadUrl"`
	MagnetURL            string   `json:"magnetUrl"`
	InfoURL              string   `json:"infoUrl"`
	Seeders              *int     `json:"seeders"`
	Leechers             *int     `json:"leechers"`
	Protocol             string   `json:"protocol"`
	IndexerFlags         []string `json:"indexerFlags"`
	DownloadVolumeFactor *float64 `json:"downloadVolumeFactor"`
	InfoHash             string   `json:"infoHash"`
}

// Search queries each enabled indexer concurrently and merges the results.
// Failed indexers are logged and skipped; an error is returned only when
// every indexer failed.
func (c *Client) Search(ctx context.Context, query string, opts indexer.SearchOptions) ([]ranking.CandidateRelease, error) {
	if len(opts.EnabledIndexerIDs) == 0 {
		return nil, indexer.ErrNoIndexers
	}

	category := c.category
	if opts.Category != nil {
		category = *opts.Category
	}
	limit := defaultLimit
	if opts.MaxResults > 0 && opts.MaxResults < limit {
		limit = opts.MaxResults
	}

	type taskResult struct {
		results []ProwlarrSearchResult
		err     error
	}
	tasks := make([]taskResult, len(opts.EnabledIndexerIDs))

	var wg sync.WaitGroup
	for i, id := range opts.EnabledIndexerIDs {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			results, err := c.searchIndexer(ctx, id, query, category, limit)
			tasks[i] = taskResult{results: results, err: err}
		}(i, id)
	}
	wg.Wait()

	var (
		failures   []indexer.Failure
		candidates []ranking.CandidateRelease
		seen       = make(map[string]struct{})
	)
	for i, task := range tasks {
		id := opts.EnabledIndexerIDs[i]
		if task.err != nil {
			failures = append(failures, indexer.Failure{IndexerID: id, Err: task.err})
			c.logger.Warn().Err(task.err).Int64("indexerId", id).Str("query", query).Msg("Indexer search failed")
			continue
		}

		for j := range task.results {
			cand := resultToCandidate(&task.results[j])
			if cand.IndexerID == 0 {
				cand.IndexerID = id
			}
			if !passesMinSeeders(&cand, opts.MinSeeders) {
				continue
			}
			key := dedupeKey(&cand)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			candidates = append(candidates, cand)
		}
	}

	if len(failures) == len(opts.EnabledIndexerIDs) {
		return nil, &indexer.GatewayError{Failures: failures}
	}

	if opts.MaxResults > 0 && len(candidates) > opts.MaxResults {
		candidates = candidates[:opts.MaxResults]
	}

	c.logger.Info().
		Str("query", query).
		Int("indexers", len(opts.EnabledIndexerIDs)).
		Int("failed", len(failures)).
		Int("results", len(candidates)).
		Msg("Prowlarr search completed")

	return candidates, nil
}

func (c *Client) searchIndexer(ctx context.Context, indexerID int64, query string, category, limit int) ([]ProwlarrSearchResult, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("type", "search")
	params.Set("indexerIds", strconv.FormatInt(indexerID, 10))
	if category > 0 {
		params.Add("categories", strconv.Itoa(category))
	}
	params.Set("limit", strconv.Itoa(limit))

	var results []ProwlarrSearchResult
	if err := c.doJSON(ctx, "/api/v1/search?"+params.Encode(), &results); err != nil {
		return nil, WrapError("search", fmt.Errorf("%w: %w", ErrSearchFailed, err), "")
	}
	return results, nil
}

// resultToCandidate normalizes one Prowlarr result. Seeder counts are kept
// only for torrents, and a zero download volume factor is surfaced as the
// freeleech flag.
func resultToCandidate(r *ProwlarrSearchResult) ranking.CandidateRelease {
	c := ranking.CandidateRelease{
		GUID:        r.GUID,
		IndexerID:   int64(r.IndexerID),
		IndexerName: r.Indexer,
		Title:       strings.TrimSpace(r.Title),
		Size:        r.Size,
		DownloadURL: r.DownloadURL,
		InfoHash:    strings.ToLower(strings.TrimSpace(r.InfoHash)),
		Protocol:    protocolFromString(r.Protocol),
	}
	if c.DownloadURL == "" {
		c.DownloadURL = r.MagnetURL
	}

	if t, err := time.Parse(time.RFC3339, r.PublishDate); err == nil {
		c.PublishDate = t
	}

	flags := make([]string, 0, len(r.IndexerFlags)+1)
	freeleech := false
	for _, f := range r.IndexerFlags {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if ranking.NormalizeFlag(f) == "freeleech" {
			freeleech = true
		}
		flags = append(flags, f)
	}

	switch c.Protocol {
	case ranking.ProtocolTorrent:
		seeders := 0
		if r.Seeders != nil {
			seeders = *r.Seeders
		}
		c.Seeders = &seeders
		if r.Leechers != nil {
			leechers := *r.Leechers
			c.Leechers = &leechers
		}
		if !freeleech && r.DownloadVolumeFactor != nil && *r.DownloadVolumeFactor == 0 {
			flags = append(flags, "Freeleech")
		}
	case ranking.ProtocolUsenet:
	default:
		// untagged result, let the seeder count decide downstream
		c.Seeders = r.Seeders
		c.Leechers = r.Leechers
	}

	if len(flags) > 0 {
		c.Flags = flags
	}
	return c
}

func passesMinSeeders(c *ranking.CandidateRelease, minSeeders *int) bool {
	if minSeeders == nil || !c.IsPeerToPeer() {
		return true
	}
	return c.Seeders != nil && *c.Seeders >= *minSeeders
}

func dedupeKey(c *ranking.CandidateRelease) string {
	if c.GUID != "" {
		return "guid:" + c.GUID
	}
	if c.InfoHash != "" {
		return "hash:" + c.InfoHash
	}
	return "url:" + c.DownloadURL
}

// protocolFromString converts a Prowlarr protocol name.
func protocolFromString(s string) ranking.Protocol {
	switch strings.ToLower(s) {
	case "torrent":
		return ranking.ProtocolTorrent
	case "usenet":
		return ranking.ProtocolUsenet
	default:
		return ""
	}
}
