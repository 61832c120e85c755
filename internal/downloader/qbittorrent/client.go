// Package qbittorrent implements a qBittorrent Web API client.
package qbittorrent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shelfstream/shelfstream/internal/downloader/types"
)

const (
	// qBittorrent reports this ETA for torrents that will never finish.
	infiniteETA = 8640000

	defaultTagLookupAttempts = 5
	defaultTagLookupDelay    = 500 * time.Millisecond
)

// Client implements types.Client against the qBittorrent v2 Web API.
type Client struct {
	config     types.ClientConfig
	baseURL    string
	httpClient *http.Client

	mu       sync.Mutex
	loggedIn bool

	tagLookupAttempts int
	tagLookupDelay    time.Duration
}

// Compile-time check that Client implements Client.
var _ types.Client = (*Client)(nil)

// New creates a new qBittorrent client.
func New(cfg *types.ClientConfig) *Client {
	jar, _ := cookiejar.New(nil)

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
			Jar:       jar,
		},
		tagLookupAttempts: defaultTagLookupAttempts,
		tagLookupDelay:    defaultTagLookupDelay,
	}
}

// NewFromConfig creates a client from a ClientConfig.
func NewFromConfig(cfg *types.ClientConfig) *Client {
	return New(cfg)
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeQBittorrent
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// Test verifies the client connection and credentials.
func (c *Client) Test(ctx context.Context) error {
	version, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("qbittorrent returned an empty version")
	}
	return nil
}

// Version returns the application version string, e.g. "v4.6.2".
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v2/app/version", nil, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Add adds a torrent by URL or magnet link and returns its info-hash.
// When the hash cannot be derived from the input, the torrent is tagged with
// a unique value and looked up after submission. An empty id with a nil
// error means qBittorrent accepted the torrent but it could not be located.
func (c *Client) Add(ctx context.Context, opts *types.AddOptions) (string, error) {
	if opts.URL == "" {
		return "", fmt.Errorf("torrent URL is required")
	}

	tag := "shelfstream-" + uuid.NewString()
	category := opts.Category
	if category == "" {
		category = c.config.Category
	}

	fields := map[string]string{
		"urls": opts.URL,
		"tags": tag,
	}
	if category != "" {
		fields["category"] = category
	}
	if opts.Paused {
		fields["paused"] = "true"
		fields["stopped"] = "true"
	}

	p, err := multipartPayload(fields)
	if err != nil {
		return "", err
	}

	body, err := c.request(ctx, http.MethodPost, "/api/v2/torrents/add", nil, p)
	if err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}
	if strings.TrimSpace(string(body)) == "Fails." {
		return "", fmt.Errorf("qbittorrent rejected the torrent")
	}

	if hash := strings.ToLower(strings.TrimSpace(opts.InfoHash)); hash != "" {
		return hash, nil
	}
	if hash := extractHashFromMagnet(opts.URL); hash != "" {
		return hash, nil
	}
	return c.findByTag(ctx, tag)
}

// findByTag polls the torrent list for the tag assigned on submission.
func (c *Client) findByTag(ctx context.Context, tag string) (string, error) {
	for attempt := 0; attempt < c.tagLookupAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.tagLookupDelay):
			}
		}

		torrents, err := c.info(ctx, url.Values{"tag": {tag}})
		if err != nil {
			return "", err
		}
		if len(torrents) > 0 {
			return strings.ToLower(torrents[0].Hash), nil
		}
	}
	return "", nil
}

// Get retrieves a torrent by hash.
func (c *Client) Get(ctx context.Context, id string) (*types.DownloadItem, error) {
	torrents, err := c.info(ctx, url.Values{"hashes": {strings.ToLower(id)}})
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, types.ErrNotFound
	}
	item := torrents[0].toDownloadItem()
	return &item, nil
}

// Remove deletes a torrent, optionally with its data.
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	form := url.Values{
		"hashes":      {strings.ToLower(id)},
		"deleteFiles": {fmt.Sprintf("%t", deleteFiles)},
	}
	_, err := c.request(ctx, http.MethodPost, "/api/v2/torrents/delete", nil, formPayload(form))
	return err
}

// Pause stops a torrent. qBittorrent 5 renamed pause to stop.
func (c *Client) Pause(ctx context.Context, id string) error {
	return c.hashAction(ctx, id, "/api/v2/torrents/pause", "/api/v2/torrents/stop")
}

// Resume starts a torrent. qBittorrent 5 renamed resume to start.
func (c *Client) Resume(ctx context.Context, id string) error {
	return c.hashAction(ctx, id, "/api/v2/torrents/resume", "/api/v2/torrents/start")
}

func (c *Client) hashAction(ctx context.Context, id, path, fallback string) error {
	form := url.Values{"hashes": {strings.ToLower(id)}}
	_, err := c.request(ctx, http.MethodPost, path, nil, formPayload(form))
	var statusErr *types.HTTPStatusError
	if err != nil && errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		_, err = c.request(ctx, http.MethodPost, fallback, nil, formPayload(form))
	}
	return err
}

func (c *Client) info(ctx context.Context, query url.Values) ([]qbitTorrent, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v2/torrents/info", query, nil)
	if err != nil {
		return nil, err
	}

	var torrents []qbitTorrent
	if err := json.Unmarshal(body, &torrents); err != nil {
		return nil, fmt.Errorf("failed to decode torrent list: %w", err)
	}
	return torrents, nil
}

// payload is a request body that can be replayed after re-authentication.
type payload struct {
	contentType string
	body        []byte
}

func formPayload(form url.Values) *payload {
	return &payload{
		contentType: "application/x-www-form-urlencoded",
		body:        []byte(form.Encode()),
	}
}

func multipartPayload(fields map[string]string) (*payload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}
	return &payload{contentType: w.FormDataContentType(), body: buf.Bytes()}, nil
}

func (c *Client) hasCredentials() bool {
	return c.config.Username != "" || c.config.Password != ""
}

// request sends an authenticated request, logging in again once if the
// session has expired.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, p *payload) ([]byte, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, path, query, p)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden && c.hasCredentials() {
		resp.Body.Close()
		c.mu.Lock()
		c.loggedIn = false
		c.mu.Unlock()

		if err := c.ensureLogin(ctx); err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, method, path, query, p)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, types.ErrAuthFailed
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &types.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, p *payload) (*http.Response, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if p != nil {
		body = bytes.NewReader(p.body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if p != nil {
		req.Header.Set("Content-Type", p.contentType)
	}
	req.Header.Set("Referer", c.baseURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNotConnected, err)
	}
	return resp, nil
}

func (c *Client) ensureLogin(ctx context.Context) error {
	if !c.hasCredentials() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}

	form := url.Values{
		"username": {c.config.Username},
		"password": {c.config.Password},
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/v2/auth/login", nil, formPayload(form))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) == "Fails." {
		return types.ErrAuthFailed
	}

	c.loggedIn = true
	return nil
}

// qbitTorrent is an entry of /api/v2/torrents/info.
type qbitTorrent struct {
	Hash        string  `json:"hash"`
	Name        string  `json:"name"`
	Size        int64   `json:"size"`
	Progress    float64 `json:"progress"` // 0-1
	ETA         int64   `json:"eta"`
	State       string  `json:"state"`
	Category    string  `json:"category"`
	Tags        string  `json:"tags"`
	SavePath    string  `json:"save_path"`
	ContentPath string  `json:"content_path"`
	Ratio       float64 `json:"ratio"`
	DLSpeed     int64   `json:"dlspeed"`
	UPSpeed     int64   `json:"upspeed"`
	Completed   int64   `json:"completed"`
	AmountLeft  *int64  `json:"amount_left,omitempty"`
}

func (t *qbitTorrent) toDownloadItem() types.DownloadItem {
	eta := t.ETA
	if eta >= infiniteETA || eta < 0 {
		eta = -1
	}

	remaining := t.Size - t.Completed
	if t.AmountLeft != nil {
		remaining = *t.AmountLeft
	}
	if remaining < 0 {
		remaining = 0
	}

	dir := t.ContentPath
	if dir == "" {
		dir = t.SavePath
	}

	status := mapStatus(t.State)
	item := types.DownloadItem{
		ID:             strings.ToLower(t.Hash),
		Name:           t.Name,
		Status:         status,
		Progress:       types.ClampProgress(t.Progress * 100),
		Size:           t.Size,
		BytesRemaining: remaining,
		DownloadSpeed:  t.DLSpeed,
		ETA:            eta,
		DownloadDir:    dir,
	}
	if status == types.StatusFailed {
		item.Error = fmt.Sprintf("qBittorrent reported state %q", t.State)
	}
	if status == types.StatusCompleted {
		item.BytesRemaining = 0
		item.ETA = 0
	}
	return item
}

// mapStatus translates a qBittorrent torrent state.
func mapStatus(state string) types.Status {
	switch state {
	case "error", "missingFiles":
		return types.StatusFailed
	case "pausedDL", "stoppedDL":
		return types.StatusPaused
	case "queuedDL", "checkingDL", "checkingResumeData", "metaDL", "forcedMetaDL", "allocating":
		return types.StatusQueued
	case "downloading", "forcedDL", "stalledDL":
		return types.StatusDownloading
	case "moving", "checkingUP":
		return types.StatusProcessing
	case "uploading", "stalledUP", "queuedUP", "forcedUP", "pausedUP", "stoppedUP":
		return types.StatusCompleted
	default:
		return types.StatusUnknown
	}
}

// extractHashFromMagnet returns the lowercase hex info-hash of a magnet
// link. Base32 hashes are converted to hex, which is what qBittorrent reports.
func extractHashFromMagnet(magnet string) string {
	if !strings.HasPrefix(strings.ToLower(magnet), "magnet:") {
		return ""
	}
	u, err := url.Parse(magnet)
	if err != nil {
		return ""
	}

	for _, xt := range u.Query()["xt"] {
		if !strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			continue
		}
		hash := xt[len("urn:btih:"):]
		if len(hash) == 32 {
			if raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(hash)); err == nil {
				return hex.EncodeToString(raw)
			}
		}
		return strings.ToLower(hash)
	}
	return ""
}
