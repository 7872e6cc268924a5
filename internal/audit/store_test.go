package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/indexer"
	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
	"github.com/kangjinkui/katokbot/pkg/postgres"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(postgres.FromDB(db)), mock
}

func TestEnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS qa_reloads").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordReloadMirrorsRecords(t *testing.T) {
	store, mock := newMockStore(t)
	finished := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	records := []corpus.Record{
		{ID: 1, Section: "총무", Question: "식권 정산은 어떻게 하나요?", Answer: "매월 말 제출", Origin: "hanbang_qa.md"},
		{ID: 2, Section: "인사", Question: "휴가 신청", Answer: "포털에서 신청", Origin: "hanbang_qa.md"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO qa_reloads").
		WithArgs("r1", "success", int64(3), 2, "abc", "data/hanbang_qa.md", nil, nil, int64(12), finished).
		WillReturnResult(sqlmock.NewResult(1, 1))
	for _, r := range records {
		mock.ExpectExec("INSERT INTO qa_reload_records").
			WithArgs("r1", uint64(3), r.ID, r.Section, r.Question, r.Answer, r.Origin).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	err := store.RecordReload(context.Background(), Entry{
		ReloadID: "r1", Status: "success", Version: 3, Records: 2, Checksum: "abc",
		Source: "data/hanbang_qa.md", DurationMs: 12, FinishedAt: finished,
	}, records)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordReloadAfterRestartKeepsNewRecords(t *testing.T) {
	store, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)
	before := corpus.Record{ID: 1, Section: "직원", Question: "식권은 어디서 받나요?", Answer: "앱에서", Origin: "v1.md"}
	after := corpus.Record{ID: 1, Section: "직원", Question: "식권은 어디서 받나요?", Answer: "QR로 발급", Origin: "v2.md"}

	// Both processes publish version 1; each mirror row is tied to its reload.
	for _, tc := range []struct {
		id  string
		rec corpus.Record
	}{{"run1-r1", before}, {"run2-r1", after}} {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO qa_reloads").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO qa_reload_records \(reload_id, version, record_id, section, question, answer, origin\)\s+VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)$`).
			WithArgs(tc.id, uint64(1), 1, tc.rec.Section, tc.rec.Question, tc.rec.Answer, tc.rec.Origin).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := store.RecordReload(context.Background(), Entry{
			ReloadID: tc.id, Status: "success", Version: 1, Records: 1, Source: tc.rec.Origin,
		}, []corpus.Record{tc.rec})
		require.NoError(t, err)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordReloadRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO qa_reloads").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO qa_reload_records").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.RecordReload(context.Background(), Entry{ReloadID: "r2", Status: "success", Version: 4},
		[]corpus.Record{{ID: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOnFailureSkipsRecords(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO qa_reloads").
		WithArgs("r3", "format_error", nil, 0, nil, "bad.md", "load", sqlmock.AnyArg(), int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store.OnFailure(context.Background(), indexer.ReloadFailure{
		ID:       "r3",
		Source:   "bad.md",
		Stage:    "load",
		Duration: 5 * time.Millisecond,
		Err:      &corpus.FormatError{Source: "bad.md", Reason: "no records"},
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListReloads(t *testing.T) {
	store, mock := newMockStore(t)
	finished := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"reload_id", "status", "version", "records", "checksum", "source", "stage", "error", "duration_ms", "finished_at"}).
		AddRow("r2", "encoding_error", nil, 40, nil, "qa.md", "vector", "encoder down", int64(90), finished).
		AddRow("r1", "success", int64(1), 40, "abc", "qa.md", nil, nil, int64(30), finished.Add(-time.Hour))
	mock.ExpectQuery("SELECT reload_id, status").WithArgs(50).WillReturnRows(rows)

	entries, err := store.ListReloads(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "encoding_error", entries[0].Status)
	assert.Zero(t, entries[0].Version)
	assert.Equal(t, "vector", entries[0].Stage)
	assert.Equal(t, "encoder down", entries[0].Error)
	assert.EqualValues(t, 1, entries[1].Version)
	assert.Equal(t, "abc", entries[1].Checksum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailureStatusUsesErrorKind(t *testing.T) {
	f := indexer.ReloadFailure{Err: apperrors.ErrEncoding}
	assert.Equal(t, "encoding_error", f.Status())
}
