// Package downloader routes downloads to the backend serving each protocol.
package downloader

import (
	"github.com/shelfstream/shelfstream/internal/downloader/types"
)

// Re-export types for convenience.
// This allows external packages to use downloader.Client instead of types.Client.

type (
	Protocol     = types.Protocol
	ClientType   = types.ClientType
	ClientConfig = types.ClientConfig
	Client       = types.Client
	AddOptions   = types.AddOptions
	DownloadItem = types.DownloadItem
	Status       = types.Status
)

// Re-export constants.
const (
	ProtocolTorrent = types.ProtocolTorrent
	ProtocolUsenet  = types.ProtocolUsenet

	ClientTypeQBittorrent = types.ClientTypeQBittorrent
	ClientTypeSABnzbd     = types.ClientTypeSABnzbd

	StatusQueued      = types.StatusQueued
	StatusDownloading = types.StatusDownloading
	StatusPaused      = types.StatusPaused
	StatusProcessing  = types.StatusProcessing
	StatusCompleted   = types.StatusCompleted
	StatusFailed      = types.StatusFailed
	StatusUnknown     = types.StatusUnknown
)

// Re-export errors.
var (
	ErrNotConnected = types.ErrNotConnected
	ErrAuthFailed   = types.ErrAuthFailed
	ErrNotFound     = types.ErrNotFound
)

// Re-export functions.
var ProtocolForClient = types.ProtocolForClient
