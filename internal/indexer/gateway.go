// Package indexer defines the search gateway contract the pipeline consumes.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shelfstream/shelfstream/internal/ranking"
)

var (
	// ErrNoIndexers is returned when a search names no indexers.
	ErrNoIndexers = errors.New("no indexers requested")
	// ErrNotConfigured is returned by Unconfigured.
	ErrNotConfigured = errors.New("no indexer gateway configured")
)

// SearchOptions narrows a gateway search.
type SearchOptions struct {
	EnabledIndexerIDs []int64
	MaxResults        int
	MinSeeders        *int // applies to peer-to-peer results only
	Category          *int
}

// Gateway returns raw candidates for a query. Implementations tolerate partial
// indexer failures and only fail when nothing could be searched.
type Gateway interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]ranking.CandidateRelease, error)
}

// Unconfigured stands in for a gateway until one is set up.
type Unconfigured struct{}

func (Unconfigured) Search(context.Context, string, SearchOptions) ([]ranking.CandidateRelease, error) {
	return nil, ErrNotConfigured
}

// Info describes an indexer known to the gateway.
type Info struct {
	ID       int64            `json:"id"`
	Name     string           `json:"name"`
	Protocol ranking.Protocol `json:"protocol"`
	Enabled  bool             `json:"enabled"`
}

// Lister lists the indexers a gateway can search.
type Lister interface {
	ListIndexers(ctx context.Context) ([]Info, error)
}

// Failure is one indexer that could not be searched.
type Failure struct {
	IndexerID   int64  `json:"indexerId"`
	IndexerName string `json:"indexerName"`
	Err         error  `json:"-"`
}

// GatewayError is returned when every requested indexer failed.
type GatewayError struct {
	Failures []Failure
}

func (e *GatewayError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		name := f.IndexerName
		if name == "" {
			name = fmt.Sprintf("indexer %d", f.IndexerID)
		}
		parts = append(parts, fmt.Sprintf("%s: %v", name, f.Err))
	}
	return "all indexers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *GatewayError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
