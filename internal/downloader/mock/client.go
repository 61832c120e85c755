// Package mock provides a scriptable in-memory download client for tests.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/shelfstream/shelfstream/internal/downloader/types"
)

// mockDownload is one job held by the fake backend.
type mockDownload struct {
	ID   string
	Opts types.AddOptions
	Item types.DownloadItem
}

// Client implements types.Client without any network access. Tests drive
// job state with SetState and inspect the calls it received.
type Client struct {
	mu         sync.Mutex
	clientType types.ClientType
	downloads  map[string]*mockDownload

	// AddErr is returned from Add when set.
	AddErr error
	// OmitID makes Add succeed without reporting a job id.
	OmitID bool
	// GetErr is returned from Get when set.
	GetErr error
	// AfterGet runs once Get has taken its snapshot, outside the lock. It
	// lets tests act while a poll result is in flight.
	AfterGet func(id string)

	adds    int
	gets    int
	removed []string
	purged  []bool
}

// Compile-time check that Client implements Client.
var _ types.Client = (*Client)(nil)

// New creates a fake client posing as clientType.
func New(clientType types.ClientType) *Client {
	return &Client{
		clientType: clientType,
		downloads:  make(map[string]*mockDownload),
	}
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return c.clientType
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolForClient(c.clientType)
}

// Test always succeeds.
func (c *Client) Test(_ context.Context) error {
	return nil
}

// Add records a queued job.
func (c *Client) Add(_ context.Context, opts *types.AddOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.adds++
	if c.AddErr != nil {
		return "", c.AddErr
	}
	if c.OmitID {
		return "", nil
	}

	id := generateMockID()
	name := opts.Name
	if name == "" {
		name = opts.URL
	}
	c.downloads[id] = &mockDownload{
		ID:   id,
		Opts: *opts,
		Item: types.DownloadItem{ID: id, Name: name, Status: types.StatusQueued, ETA: -1},
	}
	return id, nil
}

// Get returns the scripted state of a job.
func (c *Client) Get(_ context.Context, id string) (*types.DownloadItem, error) {
	item, err := c.snapshot(id)
	if c.AfterGet != nil {
		c.AfterGet(id)
	}
	return item, err
}

func (c *Client) snapshot(id string) (*types.DownloadItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gets++
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	d, ok := c.downloads[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	item := d.Item
	return &item, nil
}

// Remove forgets a job.
func (c *Client) Remove(_ context.Context, id string, deleteFiles bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removed = append(c.removed, id)
	c.purged = append(c.purged, deleteFiles)
	delete(c.downloads, id)
	return nil
}

// Pause marks a job paused.
func (c *Client) Pause(_ context.Context, id string) error {
	return c.update(id, func(d *mockDownload) { d.Item.Status = types.StatusPaused })
}

// Resume marks a paused job downloading.
func (c *Client) Resume(_ context.Context, id string) error {
	return c.update(id, func(d *mockDownload) {
		if d.Item.Status == types.StatusPaused {
			d.Item.Status = types.StatusDownloading
		}
	})
}

// SetState scripts the next snapshot reported for a job.
func (c *Client) SetState(id string, status types.Status, progress float64, errMsg string) error {
	return c.update(id, func(d *mockDownload) {
		d.Item.Status = status
		d.Item.Progress = progress
		d.Item.Error = errMsg
		if status == types.StatusCompleted {
			d.Item.ETA = 0
			d.Item.DownloadDir = "/downloads/" + d.Item.Name
		}
	})
}

// Forget drops a job as if it was removed in the backend's own UI.
func (c *Client) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.downloads, id)
}

// Added returns the options of a submitted job.
func (c *Client) Added(id string) (types.AddOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.downloads[id]
	if !ok {
		return types.AddOptions{}, false
	}
	return d.Opts, true
}

// AddCount returns the number of Add calls.
func (c *Client) AddCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adds
}

// GetCount returns the number of Get calls.
func (c *Client) GetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

// Removed returns the ids passed to Remove and whether files were purged.
func (c *Client) Removed() ([]string, []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...), append([]bool(nil), c.purged...)
}

func (c *Client) update(id string, fn func(d *mockDownload)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.downloads[id]
	if !ok {
		return types.ErrNotFound
	}
	fn(d)
	return nil
}

// generateMockID generates a random mock download ID.
func generateMockID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return "mock-" + hex.EncodeToString(bytes)
}
