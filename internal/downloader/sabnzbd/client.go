// Package sabnzbd implements a SABnzbd API client.
package sabnzbd

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
	"time"

	"github.com/shelfstream/shelfstream/internal/downloader/types"
)

// Client implements types.Client against the SABnzbd JSON API.
type Client struct {
	config     types.ClientConfig
	baseURL    string
	httpClient *http.Client
}

// Compile-time check that Client implements Client.
var _ types.Client = (*Client)(nil)

// New creates a new SABnzbd client.
func New(cfg *types.ClientConfig) *Client {
	transport := &http.Transport{}
	if !cfg.VerifySSL {
		//nolint:gosec // admin-configured endpoint, TLS verification optional
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		config:  *cfg,
		baseURL: cfg.BaseURL(),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// NewFromConfig creates a client from a ClientConfig.
func NewFromConfig(cfg *types.ClientConfig) *Client {
	return New(cfg)
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeSABnzbd
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolUsenet
}

// Version returns the SABnzbd version. It doubles as a health check.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, url.Values{"mode": {"version"}}, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Test checks that SABnzbd is reachable and the API key is accepted.
func (c *Client) Test(ctx context.Context) error {
	if _, err := c.Version(ctx); err != nil {
		return err
	}
	// version does not require a key, an empty queue listing does
	_, err := c.queue(ctx, url.Values{"limit": {"1"}})
	return err
}

// Add submits an NZB by URL and returns the nzo id.
// An empty id with a nil error means SABnzbd accepted the request without
// reporting an id.
func (c *Client) Add(ctx context.Context, opts *types.AddOptions) (string, error) {
	if opts.URL == "" {
		return "", fmt.Errorf("nzb URL is required")
	}

	params := url.Values{
		"mode": {"addurl"},
		"name": {opts.URL},
	}
	if opts.Name != "" {
		params.Set("nzbname", opts.Name)
	}
	category := opts.Category
	if category == "" {
		category = c.config.Category
	}
	if category != "" {
		params.Set("cat", category)
	}
	if opts.Paused {
		params.Set("priority", "-2")
	}

	var resp struct {
		NzoIDs []string `json:"nzo_ids"`
	}
	if err := c.call(ctx, params, &resp); err != nil {
		return "", fmt.Errorf("failed to add nzb: %w", err)
	}
	for _, id := range resp.NzoIDs {
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}

// Get looks the job up in the queue first, then in history.
func (c *Client) Get(ctx context.Context, id string) (*types.DownloadItem, error) {
	queue, err := c.queue(ctx, url.Values{"nzo_ids": {id}})
	if err != nil {
		return nil, err
	}
	for i := range queue.Slots {
		if queue.Slots[i].NzoID == id {
			item := queue.Slots[i].toDownloadItem(queue.speed())
			return &item, nil
		}
	}

	history, err := c.history(ctx, url.Values{"nzo_ids": {id}})
	if err != nil {
		return nil, err
	}
	for i := range history.Slots {
		if history.Slots[i].NzoID == id {
			item := history.Slots[i].toDownloadItem()
			return &item, nil
		}
	}
	return nil, types.ErrNotFound
}

// Remove deletes the job from both queue and history.
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	delFiles := "0"
	if deleteFiles {
		delFiles = "1"
	}

	for _, mode := range []string{"queue", "history"} {
		params := url.Values{
			"mode":      {mode},
			"name":      {"delete"},
			"value":     {id},
			"del_files": {delFiles},
		}
		if err := c.call(ctx, params, nil); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", mode, err)
		}
	}
	return nil
}

// Pause pauses a queued job.
func (c *Client) Pause(ctx context.Context, id string) error {
	return c.call(ctx, url.Values{"mode": {"queue"}, "name": {"pause"}, "value": {id}}, nil)
}

// Resume resumes a paused job.
func (c *Client) Resume(ctx context.Context, id string) error {
	return c.call(ctx, url.Values{"mode": {"queue"}, "name": {"resume"}, "value": {id}}, nil)
}

func (c *Client) queue(ctx context.Context, extra url.Values) (*sabQueue, error) {
	params := url.Values{"mode": {"queue"}}
	for k, v := range extra {
		params[k] = v
	}
	var resp struct {
		Queue sabQueue `json:"queue"`
	}
	if err := c.call(ctx, params, &resp); err != nil {
		return nil, err
	}
	return &resp.Queue, nil
}

func (c *Client) history(ctx context.Context, extra url.Values) (*sabHistory, error) {
	params := url.Values{"mode": {"history"}}
	for k, v := range extra {
		params[k] = v
	}
	var resp struct {
		History sabHistory `json:"history"`
	}
	if err := c.call(ctx, params, &resp); err != nil {
		return nil, err
	}
	return &resp.History, nil
}

// call issues one API request and decodes the JSON body into result.
func (c *Client) call(ctx context.Context, params url.Values, result interface{}) error {
	params.Set("output", "json")
	params.Set("apikey", c.config.APIKey)

	reqURL := c.baseURL + "/api?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrNotConnected, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return types.ErrAuthFailed
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &types.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var status struct {
		Status *bool  `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if status.Error != "" || (status.Status != nil && !*status.Status) {
		if strings.Contains(strings.ToLower(status.Error), "api key") {
			return types.ErrAuthFailed
		}
		return fmt.Errorf("sabnzbd error: %s", status.Error)
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type sabQueue struct {
	KBPerSec string         `json:"kbpersec"`
	Slots    []sabQueueSlot `json:"slots"`
}

func (q *sabQueue) speed() int64 {
	kb, err := strconv.ParseFloat(strings.TrimSpace(q.KBPerSec), 64)
	if err != nil {
		return 0
	}
	return int64(kb * 1024)
}

type sabQueueSlot struct {
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Percentage string `json:"percentage"`
	MB         string `json:"mb"`
	MBLeft     string `json:"mbleft"`
	TimeLeft   string `json:"timeleft"`
	Category   string `json:"cat"`
}

func (s *sabQueueSlot) toDownloadItem(speed int64) types.DownloadItem {
	progress, _ := strconv.ParseFloat(strings.TrimSpace(s.Percentage), 64)
	status := mapQueueStatus(s.Status)

	item := types.DownloadItem{
		ID:             s.NzoID,
		Name:           s.Filename,
		Status:         status,
		Progress:       types.ClampProgress(progress),
		Size:           types.ParseSizeMB(s.MB),
		BytesRemaining: types.ParseSizeMB(s.MBLeft),
		ETA:            types.ParseClock(s.TimeLeft),
	}
	if status == types.StatusDownloading {
		item.DownloadSpeed = speed
	}
	return item
}

type sabHistory struct {
	Slots []sabHistorySlot `json:"slots"`
}

type sabHistorySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Bytes       int64  `json:"bytes"`
	FailMessage string `json:"fail_message"`
	Storage     string `json:"storage"`
	Category    string `json:"category"`
}

func (s *sabHistorySlot) toDownloadItem() types.DownloadItem {
	status := mapHistoryStatus(s.Status)

	item := types.DownloadItem{
		ID:          s.NzoID,
		Name:        s.Name,
		Status:      status,
		Size:        s.Bytes,
		ETA:         -1,
		DownloadDir: s.Storage,
	}

	switch status {
	case types.StatusCompleted:
		item.Progress = 100
		item.ETA = 0
	case types.StatusFailed:
		item.Error = s.FailMessage
		if item.Error == "" {
			item.Error = "SABnzbd reported the download as failed"
		}
	case types.StatusProcessing:
		item.Progress = 100
	}
	return item
}

// mapQueueStatus translates a SABnzbd queue slot status.
func mapQueueStatus(status string) types.Status {
	switch strings.ToLower(status) {
	case "downloading", "fetching":
		return types.StatusDownloading
	case "queued", "grabbing", "propagating":
		return types.StatusQueued
	case "paused":
		return types.StatusPaused
	case "checking":
		return types.StatusProcessing
	default:
		return types.StatusUnknown
	}
}

// mapHistoryStatus translates a SABnzbd history slot status.
func mapHistoryStatus(status string) types.Status {
	switch strings.ToLower(status) {
	case "completed":
		return types.StatusCompleted
	case "failed":
		return types.StatusFailed
	case "queued", "fetching", "verifying", "repairing", "extracting", "moving", "running", "quickcheck":
		return types.StatusProcessing
	default:
		return types.StatusUnknown
	}
}
