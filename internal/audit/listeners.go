package audit

import (
	"context"
	"time"

	"github.com/kangjinkui/katokbot/internal/indexer"
)

// OnPublish records a successful reload together with its records.
func (s *Store) OnPublish(ctx context.Context, snap *indexer.Snapshot, res indexer.ReloadResult) error {
	return s.RecordReload(ctx, Entry{
		ReloadID:   res.ID,
		Status:     "success",
		Version:    res.Version,
		Records:    res.Records,
		Checksum:   res.Checksum,
		Source:     res.Source,
		DurationMs: res.Duration.Milliseconds(),
		FinishedAt: time.Now(),
	}, snap.Corpus.Records)
}

// OnFailure records a rejected reload. Audit errors are logged only.
func (s *Store) OnFailure(ctx context.Context, f indexer.ReloadFailure) {
	err := s.RecordReload(ctx, Entry{
		ReloadID:   f.ID,
		Status:     f.Status(),
		Records:    f.Records,
		Source:     f.Source,
		Stage:      f.Stage,
		Error:      f.Err.Error(),
		DurationMs: f.Duration.Milliseconds(),
		FinishedAt: time.Now(),
	}, nil)
	if err != nil {
		s.logger.Error("failed to audit reload failure", "reload_id", f.ID, "error", err)
	}
}
