package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bouthilx/protopt/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newFromDB(db), mock
}

func TestCompareAndSetStatus_ConnectionError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE trials SET status").
		WillReturnError(errors.New("database is locked"))

	_, err := s.CompareAndSetStatus(context.Background(), "t1", models.StatusQueued, models.StatusRunning)
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("Expected StoreError, got %v", err)
	}
	if storeErr.Op != "update trial status" {
		t.Errorf("Unexpected op %q", storeErr.Op)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestCompareAndSetStatus_RowsAffected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE trials SET status").
		WithArgs("RUNNING", sqlmock.AnyArg(), "t1", "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := s.CompareAndSetStatus(context.Background(), "t1", models.StatusQueued, models.StatusRunning)
	if err != nil {
		t.Fatalf("CompareAndSetStatus failed: %v", err)
	}
	if !res.Acknowledged || res.ModifiedCount != 0 {
		t.Errorf("Expected acknowledged no-op, got %+v", res)
	}
}

func TestQuery_StoreError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, experiment, status").
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.Query(context.Background(), Where(Eq("experiment.name", "exp")), nil)
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("Expected StoreError, got %v", err)
	}
}

func TestCount_StoreError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.Count(context.Background(), Where(Eq("status", "QUEUED")))
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("Expected StoreError, got %v", err)
	}
}
