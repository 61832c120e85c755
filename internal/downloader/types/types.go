// Package types defines shared types for download clients.
package types

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Common errors for download clients.
var (
	ErrNotConnected = errors.New("client not connected")
	ErrAuthFailed   = errors.New("authentication failed")
	ErrNotFound     = errors.New("download not found")
	ErrNoJobID      = errors.New("backend returned no job identifier")
)

// Protocol represents the download protocol.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolTorrent || p == ProtocolUsenet
}

// ClientType represents the type of download client.
type ClientType string

const (
	ClientTypeQBittorrent ClientType = "qbittorrent"
	ClientTypeSABnzbd     ClientType = "sabnzbd"
)

// ProtocolForClient returns the protocol for a given client type.
func ProtocolForClient(clientType ClientType) Protocol {
	switch clientType {
	case ClientTypeQBittorrent:
		return ProtocolTorrent
	case ClientTypeSABnzbd:
		return ProtocolUsenet
	default:
		return ""
	}
}

// ClientConfig is the connection descriptor of one backend.
type ClientConfig struct {
	URL       string `json:"url" yaml:"url"`
	Username  string `json:"username,omitempty" yaml:"username"`
	Password  string `json:"password,omitempty" yaml:"password"`
	APIKey    string `json:"apiKey,omitempty" yaml:"api_key"`
	VerifySSL bool   `json:"verifySsl" yaml:"verify_ssl"`
	Category  string `json:"category,omitempty" yaml:"category"`
}

// BaseURL returns the URL without a trailing slash.
func (c *ClientConfig) BaseURL() string {
	return strings.TrimSuffix(strings.TrimSpace(c.URL), "/")
}

// Client is the normalized contract every backend implements.
type Client interface {
	Type() ClientType
	Protocol() Protocol

	// Test checks connectivity and credentials.
	Test(ctx context.Context) error

	// Add submits a download and returns the backend job id.
	Add(ctx context.Context, opts *AddOptions) (string, error)
	// Get looks a job up in the backend's queue and history.
	Get(ctx context.Context, id string) (*DownloadItem, error)
	Remove(ctx context.Context, id string, deleteFiles bool) error

	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

// AddOptions specifies options for adding a download.
type AddOptions struct {
	URL      string // torrent/nzb URL or magnet link
	InfoHash string // known info-hash, torrents only
	Name     string // display name, used by usenet clients
	Category string
	Paused   bool
}

// DownloadItem is a backend job translated into the shared vocabulary.
type DownloadItem struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Status         Status  `json:"status"`
	Progress       float64 `json:"progress"` // 0-100
	Size           int64   `json:"size"`
	BytesRemaining int64   `json:"bytesRemaining"`
	DownloadSpeed  int64   `json:"downloadSpeed"` // bytes/sec
	ETA            int64   `json:"eta"`           // seconds, -1 if unavailable
	DownloadDir    string  `json:"downloadDir"`
	Error          string  `json:"error,omitempty"`
}

// Status represents the status of a download.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusProcessing  Status = "processing" // verifying, repairing, extracting, moving
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusUnknown     Status = "unknown"
)

// IsTerminal reports whether no further progress can happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseSizeMB converts a decimal megabyte string such as "1234.56" to bytes.
func ParseSizeMB(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mb, err := strconv.ParseFloat(s, 64)
	if err != nil || mb < 0 {
		return 0
	}
	return int64(mb * 1024 * 1024)
}

// ParseClock converts "H:MM:SS" or "D:HH:MM:SS" durations to seconds.
// Unparseable input yields -1.
func ParseClock(s string) int64 {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 4 {
		return -1
	}

	multipliers := []int64{1, 60, 3600, 86400}
	var total int64
	for i := 0; i < len(parts); i++ {
		n, err := strconv.ParseInt(parts[len(parts)-1-i], 10, 64)
		if err != nil || n < 0 {
			return -1
		}
		total += n * multipliers[i]
	}
	return total
}

// ClampProgress bounds a percentage to 0-100.
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// HTTPStatusError is returned when a backend answers with an unexpected status.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}
