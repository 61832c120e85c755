package settings

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/indexer"
	"github.com/shelfstream/shelfstream/internal/ranking"
)

// SeedFile is the YAML layout accepted by ImportSeedFile.
//
//	indexers:
//	  - id: 1
//	    name: MyAnonamouse
//	    priority: 20
//	    enabled: true
//	flags:
//	  freeleech: 25
//	backends:
//	  torrent:
//	    type: qbittorrent
//	    url: http://qbittorrent:8080
type SeedFile struct {
	Indexers []Indexer             `yaml:"indexers"`
	Flags    map[string]int        `yaml:"flags"`
	Backends map[string]SeedBackend `yaml:"backends"`
}

// SeedBackend is one backend entry of a seed file.
type SeedBackend struct {
	Type                    downloader.ClientType `yaml:"type"`
	downloader.ClientConfig `yaml:",inline"`
}

// ImportSeedFile applies a YAML seed file. Entries overwrite existing rows
// with the same key; nothing else is removed.
func (s *Store) ImportSeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return s.ApplySeed(ctx, &seed)
}

// ApplySeed writes the contents of a parsed seed file.
func (s *Store) ApplySeed(ctx context.Context, seed *SeedFile) error {
	for _, idx := range seed.Indexers {
		if err := s.UpsertIndexer(ctx, idx); err != nil {
			return fmt.Errorf("indexer %d: %w", idx.ID, err)
		}
	}
	for name, mod := range seed.Flags {
		if err := s.SetFlagModifier(ctx, name, mod); err != nil {
			return fmt.Errorf("flag %q: %w", name, err)
		}
	}
	for protocol, b := range seed.Backends {
		backend := downloader.Backend{Type: b.Type, Config: b.ClientConfig}
		if err := s.SaveBackend(ctx, downloader.Protocol(protocol), backend); err != nil {
			return fmt.Errorf("backend %s: %w", protocol, err)
		}
	}

	s.logger.Info().
		Int("indexers", len(seed.Indexers)).
		Int("flags", len(seed.Flags)).
		Int("backends", len(seed.Backends)).
		Msg("Seed configuration applied")
	return nil
}

// SyncIndexers adds indexers the gateway knows about but the store does
// not. New indexers get the default priority and start disabled; existing
// rows only have their name and protocol refreshed. Returns how many were added.
func (s *Store) SyncIndexers(ctx context.Context, lister indexer.Lister) (int, error) {
	remote, err := lister.ListIndexers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list gateway indexers: %w", err)
	}

	local, err := s.ListIndexers(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[int64]Indexer, len(local))
	for _, idx := range local {
		known[idx.ID] = idx
	}

	added := 0
	for _, r := range remote {
		existing, ok := known[r.ID]
		if !ok {
			existing = Indexer{ID: r.ID, Priority: ranking.DefaultIndexerPriority}
			added++
		}
		existing.Name = r.Name
		existing.Protocol = string(r.Protocol)
		if err := s.UpsertIndexer(ctx, existing); err != nil {
			return added, err
		}
	}

	s.logger.Info().Int("remote", len(remote)).Int("added", added).Msg("Indexers synced")
	return added, nil
}
