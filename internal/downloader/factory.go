package downloader

import (
	"fmt"

	"github.com/shelfstream/shelfstream/internal/downloader/qbittorrent"
	"github.com/shelfstream/shelfstream/internal/downloader/sabnzbd"
)

// ClientFactory builds a client for a backend descriptor.
type ClientFactory func(clientType ClientType, config *ClientConfig) (Client, error)

// NewClient creates a new download client of the specified type.
func NewClient(clientType ClientType, config *ClientConfig) (Client, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("%w: %s requires a URL", ErrInvalidClient, clientType)
	}

	switch clientType {
	case ClientTypeQBittorrent:
		return qbittorrent.NewFromConfig(config), nil
	case ClientTypeSABnzbd:
		return sabnzbd.NewFromConfig(config), nil
	default:
		return nil, fmt.Errorf("%w: unknown client type %s", ErrUnsupportedClient, clientType)
	}
}
