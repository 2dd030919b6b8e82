package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newScanLogRepo(t *testing.T) (*ScanLogRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewScanLogRepository(sqlx.NewDb(db, "sqlmock")), mock
}

var scanLogCols = []string{"log_id", "visitor_id", "qr_code", "status", "scanned_at", "full_name"}

// ---------------------------------------------------------------------------
// Append
// ---------------------------------------------------------------------------

func TestScanLogAppend_WithVisitor(t *testing.T) {
	repo, mock := newScanLogRepo(t)
	visitorID := int64(5)
	mock.ExpectExec("INSERT INTO scan_logs").
		WithArgs(visitorID, "tok", "Valid", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Append(context.Background(), &visitorID, "tok", "Valid", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScanLogAppend_UnknownToken(t *testing.T) {
	repo, mock := newScanLogRepo(t)
	mock.ExpectExec("INSERT INTO scan_logs").
		WithArgs(nil, "garbage", "Invalid", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Append(context.Background(), nil, "garbage", "Invalid", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScanLogAppend_Error(t *testing.T) {
	repo, mock := newScanLogRepo(t)
	mock.ExpectExec("INSERT INTO scan_logs").
		WillReturnError(errDB)

	if err := repo.Append(context.Background(), nil, "tok", "Valid", time.Now()); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestScanLogList_NoFilters(t *testing.T) {
	repo, mock := newScanLogRepo(t)
	name := "Maria Santos"
	rows := sqlmock.NewRows(scanLogCols).
		AddRow(int64(1), int64(5), "tok", "Valid", time.Now(), &name).
		AddRow(int64(2), nil, "garbage", "Invalid", time.Now(), nil)
	mock.ExpectQuery("SELECT sl.log_id.*FROM scan_logs sl.*LEFT JOIN visitors").
		WillReturnRows(rows)

	logs, err := repo.List(context.Background(), ScanLogFilters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len = %d, want 2", len(logs))
	}
	if logs[1].VisitorID != nil {
		t.Error("invalid scan row should carry a nil visitor id")
	}
}

func TestScanLogList_StatusFilter(t *testing.T) {
	repo, mock := newScanLogRepo(t)
	status := "Exited"
	mock.ExpectQuery("SELECT sl.log_id.*AND sl.status =").
		WithArgs(status, 100).
		WillReturnRows(sqlmock.NewRows(scanLogCols))

	if _, err := repo.List(context.Background(), ScanLogFilters{Status: &status}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// CountByStatus
// ---------------------------------------------------------------------------

func TestScanLogCountByStatus(t *testing.T) {
	repo, mock := newScanLogRepo(t)
	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("Valid", int64(10)).
		AddRow("Invalid", int64(3))
	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(rows)

	counts, err := repo.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts["Valid"] != 10 || counts["Invalid"] != 3 {
		t.Errorf("counts = %v", counts)
	}
}
