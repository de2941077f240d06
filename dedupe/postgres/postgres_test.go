package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/relaykit/relaykit/dedupe"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sx := sqlx.NewDb(db, "postgres")
	return New(sx), mock
}

func TestRecordIfAbsentRecords(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM dedupe_entries WHERE scope`).
		WithArgs("wh-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO dedupe_entries`).
		WithArgs("wh-1", "evt_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM dedupe_entries`).
		WithArgs("wh-1", dedupe.DefaultMaxPerScope).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	out, err := s.RecordIfAbsent(context.Background(), "wh-1", "evt_1", time.Minute)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if out != dedupe.Recorded {
		t.Fatalf("outcome = %s, want recorded", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRecordIfAbsentDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM dedupe_entries WHERE scope`).
		WithArgs("wh-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO dedupe_entries`).
		WithArgs("wh-1", "evt_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	out, err := s.RecordIfAbsent(context.Background(), "wh-1", "evt_1", time.Minute)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if out != dedupe.Duplicate {
		t.Fatalf("outcome = %s, want duplicate", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRecordIfAbsentPropagatesTTL(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, mock := newMockStore(t)
	s.now = func() time.Time { return base }

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM dedupe_entries WHERE scope`).
		WithArgs("wh-1", base).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO dedupe_entries`).
		WithArgs("wh-1", "evt_1", base, base.Add(90*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM dedupe_entries`).
		WithArgs("wh-1", dedupe.DefaultMaxPerScope).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if _, err := s.RecordIfAbsent(context.Background(), "wh-1", "evt_1", 90*time.Second); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestInsertErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM dedupe_entries WHERE scope`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO dedupe_entries`).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	if _, err := s.RecordIfAbsent(context.Background(), "wh-1", "evt_1", time.Minute); err == nil {
		t.Fatal("expected insert error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
