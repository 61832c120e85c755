package indexer

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGatewayError(t *testing.T) {
	timeout := errors.New("timeout")
	err := &GatewayError{Failures: []Failure{
		{IndexerID: 1, IndexerName: "MAM", Err: timeout},
		{IndexerID: 2, Err: errors.New("401")},
	}}

	msg := err.Error()
	if !strings.Contains(msg, "MAM: timeout") || !strings.Contains(msg, "indexer 2: 401") {
		t.Errorf("unexpected message %q", msg)
	}
	if !errors.Is(err, timeout) {
		t.Error("expected errors.Is to find the wrapped failure")
	}
}

func TestUnconfigured(t *testing.T) {
	var g Gateway = Unconfigured{}
	results, err := g.Search(context.Background(), "dune", SearchOptions{EnabledIndexerIDs: []int64{1}})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
}
