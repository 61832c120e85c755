// Package settings stores the indexer, flag and download backend
// configuration the acquisition pipeline reads.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/ranking"
)

var (
	ErrInvalidPriority = errors.New("indexer priority must be between 1 and 25")
	ErrInvalidModifier = errors.New("flag modifier must be between -100 and 100")
	ErrInvalidFlag     = errors.New("flag name is required")
	ErrInvalidBackend  = errors.New("invalid download backend")
	ErrIndexerNotFound = errors.New("indexer not found")
)

// Indexer is the local view of a gateway indexer.
type Indexer struct {
	ID       int64     `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Protocol string    `json:"protocol,omitempty" yaml:"protocol"`
	Priority int       `json:"priority" yaml:"priority"`
	Enabled  bool      `json:"enabled" yaml:"enabled"`
	Updated  time.Time `json:"updatedAt" yaml:"-"`
}

// FlagModifier is a percentage bonus or penalty for a release flag.
type FlagModifier struct {
	Name     string `json:"name" yaml:"name"`
	Modifier int    `json:"modifier" yaml:"modifier"`
}

// ChangeKind names what part of the configuration changed.
type ChangeKind string

const (
	ChangeIndexers ChangeKind = "indexers"
	ChangeFlags    ChangeKind = "flags"
	ChangeBackends ChangeKind = "backends"
)

// ChangeEvent is delivered to OnChange listeners after a write commits.
type ChangeEvent struct {
	Kind     ChangeKind
	Protocol downloader.Protocol // set for backend changes
}

// Store is the SQLite-backed configuration store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners []func(ChangeEvent)
}

// Compile-time check that Store can feed the download router.
var _ downloader.BackendSource = (*Store)(nil)

// NewStore creates a configuration store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "settings").Logger(),
	}
}

// OnChange registers fn to run after every configuration write.
func (s *Store) OnChange(fn func(ChangeEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(ev ChangeEvent) {
	s.mu.RLock()
	listeners := append([]func(ChangeEvent){}, s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// ListIndexers returns all known indexers ordered by id.
func (s *Store) ListIndexers(ctx context.Context) ([]Indexer, error) {
	return s.queryIndexers(ctx, `SELECT id, name, protocol, priority, enabled, updated_at FROM indexers ORDER BY id`)
}

// EnabledIndexers returns the indexers the pipeline searches.
func (s *Store) EnabledIndexers(ctx context.Context) ([]Indexer, error) {
	return s.queryIndexers(ctx, `SELECT id, name, protocol, priority, enabled, updated_at FROM indexers WHERE enabled = 1 ORDER BY id`)
}

func (s *Store) queryIndexers(ctx context.Context, query string) ([]Indexer, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexers: %w", err)
	}
	defer rows.Close()

	var result []Indexer
	for rows.Next() {
		var (
			idx     Indexer
			enabled int
		)
		if err := rows.Scan(&idx.ID, &idx.Name, &idx.Protocol, &idx.Priority, &enabled, &idx.Updated); err != nil {
			return nil, err
		}
		idx.Enabled = enabled == 1
		result = append(result, idx)
	}
	return result, rows.Err()
}

// PriorityTable returns the priority of every known indexer.
func (s *Store) PriorityTable(ctx context.Context) (ranking.PriorityTable, error) {
	indexers, err := s.ListIndexers(ctx)
	if err != nil {
		return nil, err
	}
	table := make(ranking.PriorityTable, len(indexers))
	for _, idx := range indexers {
		table[idx.ID] = idx.Priority
	}
	return table, nil
}

// UpsertIndexer creates or replaces an indexer. A zero priority means the default.
func (s *Store) UpsertIndexer(ctx context.Context, idx Indexer) error {
	if idx.Priority == 0 {
		idx.Priority = ranking.DefaultIndexerPriority
	}
	if idx.Priority < ranking.MinIndexerPriority || idx.Priority > ranking.MaxIndexerPriority {
		return ErrInvalidPriority
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexers (id, name, protocol, priority, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, protocol = excluded.protocol, priority = excluded.priority,
			enabled = excluded.enabled, updated_at = excluded.updated_at`,
		idx.ID, strings.TrimSpace(idx.Name), idx.Protocol, idx.Priority, boolToInt(idx.Enabled), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save indexer %d: %w", idx.ID, err)
	}

	s.notify(ChangeEvent{Kind: ChangeIndexers})
	return nil
}

// SetIndexerEnabled toggles an indexer.
func (s *Store) SetIndexerEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE indexers SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update indexer %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIndexerNotFound
	}

	s.notify(ChangeEvent{Kind: ChangeIndexers})
	return nil
}

// ListFlagModifiers returns the configured flag modifiers ordered by name.
func (s *Store) ListFlagModifiers(ctx context.Context) ([]FlagModifier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, modifier FROM flag_modifiers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flag modifiers: %w", err)
	}
	defer rows.Close()

	var result []FlagModifier
	for rows.Next() {
		var fm FlagModifier
		if err := rows.Scan(&fm.Name, &fm.Modifier); err != nil {
			return nil, err
		}
		result = append(result, fm)
	}
	return result, rows.Err()
}

// FlagTable returns the flag modifiers in ranker form.
func (s *Store) FlagTable(ctx context.Context) (ranking.FlagTable, error) {
	mods, err := s.ListFlagModifiers(ctx)
	if err != nil {
		return nil, err
	}
	raw := make(map[string]int, len(mods))
	for _, m := range mods {
		raw[m.Name] = m.Modifier
	}
	return ranking.NewFlagTable(raw), nil
}

// SetFlagModifier stores a modifier under the normalized flag name.
func (s *Store) SetFlagModifier(ctx context.Context, name string, modifier int) error {
	key := ranking.NormalizeFlag(name)
	if key == "" {
		return ErrInvalidFlag
	}
	if modifier < -100 || modifier > 100 {
		return ErrInvalidModifier
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flag_modifiers (name, modifier, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET modifier = excluded.modifier, updated_at = excluded.updated_at`,
		key, modifier, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save flag modifier %q: %w", key, err)
	}

	s.notify(ChangeEvent{Kind: ChangeFlags})
	return nil
}

// DeleteFlagModifier removes a flag modifier. Deleting an unknown flag is a no-op.
func (s *Store) DeleteFlagModifier(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flag_modifiers WHERE name = ?`, ranking.NormalizeFlag(name)); err != nil {
		return fmt.Errorf("failed to delete flag modifier: %w", err)
	}
	s.notify(ChangeEvent{Kind: ChangeFlags})
	return nil
}

// Backend returns the backend configured for protocol, or nil when none is.
func (s *Store) Backend(ctx context.Context, protocol downloader.Protocol) (*downloader.Backend, error) {
	var (
		b          downloader.Backend
		clientType string
		verifySSL  int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT client_type, url, username, password, api_key, verify_ssl, category
		FROM download_backends WHERE protocol = ?`, string(protocol)).
		Scan(&clientType, &b.Config.URL, &b.Config.Username, &b.Config.Password, &b.Config.APIKey, &verifySSL, &b.Config.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s backend: %w", protocol, err)
	}
	b.Type = downloader.ClientType(clientType)
	b.Config.VerifySSL = verifySSL == 1
	return &b, nil
}

// SaveBackend stores the backend for protocol and notifies listeners so
// cached clients are rebuilt.
func (s *Store) SaveBackend(ctx context.Context, protocol downloader.Protocol, b downloader.Backend) error {
	if !protocol.Valid() {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidBackend, protocol)
	}
	if downloader.ProtocolForClient(b.Type) != protocol {
		return fmt.Errorf("%w: %s cannot serve %s", ErrInvalidBackend, b.Type, protocol)
	}
	if strings.TrimSpace(b.Config.URL) == "" {
		return fmt.Errorf("%w: URL is required", ErrInvalidBackend)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_backends (protocol, client_type, url, username, password, api_key, verify_ssl, category, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (protocol) DO UPDATE SET
			client_type = excluded.client_type, url = excluded.url, username = excluded.username,
			password = excluded.password, api_key = excluded.api_key, verify_ssl = excluded.verify_ssl,
			category = excluded.category, updated_at = excluded.updated_at`,
		string(protocol), string(b.Type), strings.TrimSpace(b.Config.URL), b.Config.Username, b.Config.Password,
		b.Config.APIKey, boolToInt(b.Config.VerifySSL), b.Config.Category, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save %s backend: %w", protocol, err)
	}

	s.logger.Info().Str("protocol", string(protocol)).Str("client", string(b.Type)).Msg("Download backend saved")
	s.notify(ChangeEvent{Kind: ChangeBackends, Protocol: protocol})
	return nil
}

// DeleteBackend removes the backend for protocol.
func (s *Store) DeleteBackend(ctx context.Context, protocol downloader.Protocol) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_backends WHERE protocol = ?`, string(protocol)); err != nil {
		return fmt.Errorf("failed to delete %s backend: %w", protocol, err)
	}
	s.notify(ChangeEvent{Kind: ChangeBackends, Protocol: protocol})
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
