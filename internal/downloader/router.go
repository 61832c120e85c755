package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/downloader/types"
	"github.com/shelfstream/shelfstream/internal/ranking"
)

// Backend is the connection descriptor of the client serving one protocol.
type Backend struct {
	Type   ClientType
	Config ClientConfig
}

// BackendSource provides backend descriptors, normally the settings store.
// A nil Backend with a nil error means nothing is configured.
type BackendSource interface {
	Backend(ctx context.Context, protocol Protocol) (*Backend, error)
}

// Handle identifies a submitted download.
type Handle struct {
	Protocol Protocol   `json:"protocol"`
	Client   ClientType `json:"client"`
	ID       string     `json:"id"`
}

// PollResult is a backend job snapshot in the shared vocabulary.
type PollResult struct {
	State          Status  `json:"state"`
	Percent        float64 `json:"percent"`
	BytesRemaining int64   `json:"bytesRemaining"`
	ETASeconds     int64   `json:"etaSeconds"`
	ErrorMessage   string  `json:"errorMessage,omitempty"`
	DownloadPath   string  `json:"downloadPath,omitempty"`
	Name           string  `json:"name"`
	Size           int64   `json:"size"`
}

// Router holds at most one live client per protocol. Clients are built on
// first use and dropped by Reload.
type Router struct {
	source  BackendSource
	factory ClientFactory
	logger  zerolog.Logger

	mu         sync.RWMutex
	clients    map[Protocol]Client
	generation uint64
}

// NewRouter creates a router reading backend descriptors from source.
func NewRouter(source BackendSource, logger zerolog.Logger) *Router {
	return &Router{
		source:  source,
		factory: NewClient,
		logger:  logger.With().Str("component", "router").Logger(),
		clients: make(map[Protocol]Client),
	}
}

// SetClientFactory replaces the client constructor. Used by tests.
func (r *Router) SetClientFactory(f ClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = f
	r.clients = make(map[Protocol]Client)
	r.generation++
}

// Reload invalidates all cached clients so the next call reconnects with
// the current configuration.
func (r *Router) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[Protocol]Client)
	r.generation++
	r.logger.Info().Uint64("generation", r.generation).Msg("Download clients invalidated")
}

// DetectProtocol infers the transport of a candidate from its protocol tag,
// its locator, or the presence of seeder counts.
func DetectProtocol(c *ranking.CandidateRelease) Protocol {
	switch c.Protocol {
	case ranking.ProtocolTorrent:
		return ProtocolTorrent
	case ranking.ProtocolUsenet:
		return ProtocolUsenet
	}
	if strings.HasPrefix(strings.ToLower(c.DownloadURL), "magnet:") || c.InfoHash != "" {
		return ProtocolTorrent
	}
	if c.IsPeerToPeer() {
		return ProtocolTorrent
	}
	return ProtocolUsenet
}

// Client returns the live client for protocol, building it when needed.
func (r *Router) Client(ctx context.Context, protocol Protocol) (Client, error) {
	r.mu.RLock()
	client, ok := r.clients[protocol]
	generation := r.generation
	factory := r.factory
	r.mu.RUnlock()
	if ok {
		return client, nil
	}

	backend, err := r.source.Backend(ctx, protocol)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s backend: %w", protocol, err)
	}
	if backend == nil || backend.Config.URL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoClientConfigured, protocol)
	}
	if ProtocolForClient(backend.Type) != protocol {
		return nil, fmt.Errorf("%w: %s cannot serve %s", ErrUnsupportedClient, backend.Type, protocol)
	}

	cfg := backend.Config
	client, err = factory(backend.Type, &cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[protocol]; ok {
		return existing, nil
	}
	// A reload raced with construction; hand out the client but don't cache it.
	if r.generation != generation {
		return client, nil
	}
	r.clients[protocol] = client
	r.logger.Debug().Str("protocol", string(protocol)).Str("client", string(backend.Type)).Msg("Download client created")
	return client, nil
}

// Submit hands a candidate to the backend serving its protocol.
func (r *Router) Submit(ctx context.Context, candidate *ranking.CandidateRelease, categoryHint string) (Handle, error) {
	protocol := DetectProtocol(candidate)
	client, err := r.Client(ctx, protocol)
	if err != nil {
		return Handle{}, err
	}

	if candidate.DownloadURL == "" && candidate.InfoHash == "" {
		return Handle{}, &BackendError{Op: "submit", Backend: client.Type(), Err: errors.New("candidate has no download locator")}
	}

	url := candidate.DownloadURL
	if url == "" {
		url = "magnet:?xt=urn:btih:" + candidate.InfoHash
	}

	id, err := client.Add(ctx, &AddOptions{
		URL:      url,
		InfoHash: candidate.InfoHash,
		Name:     candidate.Title,
		Category: categoryHint,
	})
	if err != nil {
		return Handle{}, &BackendError{Op: "submit", Backend: client.Type(), Err: err}
	}
	if id == "" {
		return Handle{}, fmt.Errorf("%w: %s accepted %q: %w", ErrBackendProtocol, client.Type(), candidate.Title, types.ErrNoJobID)
	}

	r.logger.Info().
		Str("client", string(client.Type())).
		Str("id", id).
		Str("title", candidate.Title).
		Msg("Download submitted")

	return Handle{Protocol: protocol, Client: client.Type(), ID: id}, nil
}

// Poll reads the current state of a submitted download. A job the backend
// no longer knows about yields an error matching ErrNotFound.
func (r *Router) Poll(ctx context.Context, h Handle) (PollResult, error) {
	client, err := r.Client(ctx, h.Protocol)
	if err != nil {
		return PollResult{}, err
	}

	item, err := client.Get(ctx, h.ID)
	if err != nil {
		return PollResult{}, &BackendError{Op: "poll", Backend: client.Type(), Err: err}
	}

	return PollResult{
		State:          item.Status,
		Percent:        types.ClampProgress(item.Progress),
		BytesRemaining: item.BytesRemaining,
		ETASeconds:     item.ETA,
		ErrorMessage:   item.Error,
		DownloadPath:   item.DownloadDir,
		Name:           item.Name,
		Size:           item.Size,
	}, nil
}

// Cancel removes the job from its backend, optionally deleting its files.
// Removing a job the backend has already forgotten is not an error.
func (r *Router) Cancel(ctx context.Context, h Handle, purge bool) error {
	client, err := r.Client(ctx, h.Protocol)
	if err != nil {
		return err
	}

	if err := client.Remove(ctx, h.ID, purge); err != nil && !errors.Is(err, ErrNotFound) {
		return &BackendError{Op: "cancel", Backend: client.Type(), Err: err}
	}
	return nil
}

// Test checks connectivity of the backend serving protocol.
func (r *Router) Test(ctx context.Context, protocol Protocol) error {
	client, err := r.Client(ctx, protocol)
	if err != nil {
		return err
	}
	if err := client.Test(ctx); err != nil {
		return &BackendError{Op: "test", Backend: client.Type(), Err: err}
	}
	return nil
}
