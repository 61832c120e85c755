package acquisition

import (
	"context"

	"github.com/rs/zerolog"
)

// LogHandoff records handoff signals in the log. It is used when no import
// step is attached; imports are then reported through the API.
type LogHandoff struct {
	logger zerolog.Logger
}

// NewLogHandoff creates a LogHandoff.
func NewLogHandoff(logger zerolog.Logger) *LogHandoff {
	return &LogHandoff{logger: logger.With().Str("component", "handoff").Logger()}
}

func (h *LogHandoff) ReadyForImport(_ context.Context, sig ReadySignal) error {
	h.logger.Info().
		Int64("requestId", sig.RequestID).
		Str("title", sig.Title).
		Str("author", sig.Author).
		Str("path", sig.Path).
		Msg("Download ready for import")
	return nil
}

func (h *LogHandoff) Failed(_ context.Context, sig FailureSignal) error {
	h.logger.Warn().Int64("requestId", sig.RequestID).Str("reason", sig.Message).Msg("Request failed")
	return nil
}
