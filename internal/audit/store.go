// Package audit keeps a Postgres history of reload attempts and a copy of
// every published corpus version.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS qa_reloads (
	reload_id   TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	version     BIGINT,
	records     INTEGER NOT NULL DEFAULT 0,
	checksum    TEXT,
	source      TEXT NOT NULL,
	stage       TEXT,
	error       TEXT,
	duration_ms BIGINT NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS qa_reload_records (
	reload_id TEXT NOT NULL REFERENCES qa_reloads (reload_id) ON DELETE CASCADE,
	version   BIGINT NOT NULL,
	record_id INTEGER NOT NULL,
	section   TEXT NOT NULL,
	question  TEXT NOT NULL,
	answer    TEXT NOT NULL,
	origin    TEXT NOT NULL,
	PRIMARY KEY (reload_id, record_id)
);`

// Entry is one row of qa_reloads. Version and Checksum are empty for failed
// reloads.
type Entry struct {
	ReloadID   string    `json:"reload_id"`
	Status     string    `json:"status"`
	Version    uint64    `json:"version,omitempty"`
	Records    int       `json:"records"`
	Checksum   string    `json:"checksum,omitempty"`
	Source     string    `json:"source"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "reload-audit"),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating audit tables: %w", err)
	}
	return nil
}

// RecordReload writes the entry and, for a published version, mirrors its
// records in the same transaction. Records are keyed by reload ID because
// version numbers restart with the process.
func (s *Store) RecordReload(ctx context.Context, e Entry, records []corpus.Record) error {
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO qa_reloads (reload_id, status, version, records, checksum, source, stage, error, duration_ms, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ReloadID, e.Status, nullableVersion(e.Version), e.Records, nullableString(e.Checksum),
			e.Source, nullableString(e.Stage), nullableString(e.Error), e.DurationMs, e.FinishedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("inserting reload %s: %w", e.ReloadID, err)
		}
		if e.Version == 0 {
			return nil
		}
		for _, r := range records {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO qa_reload_records (reload_id, version, record_id, section, question, answer, origin)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.ReloadID, e.Version, r.ID, r.Section, r.Question, r.Answer, r.Origin,
			)
			if err != nil {
				return fmt.Errorf("mirroring record %d of reload %s: %w", r.ID, e.ReloadID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("reload audited", "reload_id", e.ReloadID, "status", e.Status, "mirrored", len(records))
	return nil
}

// ListReloads returns the newest entries first.
func (s *Store) ListReloads(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT reload_id, status, version, records, checksum, source, stage, error, duration_ms, finished_at
		FROM qa_reloads ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reloads: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e                        Entry
			version                  sql.NullInt64
			checksum, stage, errText sql.NullString
		)
		if err := rows.Scan(&e.ReloadID, &e.Status, &version, &e.Records, &checksum, &e.Source,
			&stage, &errText, &e.DurationMs, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning reload row: %w", err)
		}
		e.Version = uint64(version.Int64)
		e.Checksum = checksum.String
		e.Stage = stage.String
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableVersion(v uint64) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}
