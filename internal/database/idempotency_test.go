package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint([]byte(`{"action":"communicate"}`))
	b := Fingerprint([]byte(`{"action":"communicate"}`))
	c := Fingerprint([]byte(`{"action":"create"}`))

	if a != b {
		t.Error("same body produced different fingerprints")
	}
	if a == c {
		t.Error("different bodies collided")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestWithIdempotencyEmptyKeyRunsPlainTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	ran := false
	resp, replayed, err := WithIdempotency(context.Background(), db, "", []byte(`{}`), func(tx *sql.Tx) ([]byte, error) {
		ran = true
		return []byte(`ok`), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran || replayed || string(resp) != "ok" {
		t.Errorf("ran=%v replayed=%v resp=%s", ran, replayed, resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithIdempotencyFirstCallerStoresResponse(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	body := []byte(`{"amount":5}`)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("key-1", Fingerprint(body)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE idempotency_keys SET status = 'done'").
		WithArgs("key-1", []byte(`{"balance":10}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, replayed, err := WithIdempotency(context.Background(), db, "key-1", body, func(tx *sql.Tx) ([]byte, error) {
		return []byte(`{"balance":10}`), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replayed {
		t.Error("first caller reported as replay")
	}
	if string(resp) != `{"balance":10}` {
		t.Errorf("resp = %s", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithIdempotencyReplaysStoredResponse(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	body := []byte(`{"amount":5}`)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("key-1", Fingerprint(body)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint, status, response FROM idempotency_keys").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status", "response"}).
			AddRow(Fingerprint(body), "done", []byte(`{"balance":10}`)))
	mock.ExpectCommit()

	resp, replayed, err := WithIdempotency(context.Background(), db, "key-1", body, func(tx *sql.Tx) ([]byte, error) {
		t.Fatal("fn ran on a replay")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !replayed {
		t.Error("replay not reported")
	}
	if string(resp) != `{"balance":10}` {
		t.Errorf("resp = %s", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithIdempotencyFingerprintConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint, status, response FROM idempotency_keys").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status", "response"}).
			AddRow(Fingerprint([]byte(`other body`)), "done", []byte(`{}`)))
	mock.ExpectRollback()

	_, _, err = WithIdempotency(context.Background(), db, "key-1", []byte(`{"amount":5}`), func(tx *sql.Tx) ([]byte, error) {
		t.Fatal("fn ran despite conflict")
		return nil, nil
	})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Errorf("err = %v, want ErrIdempotencyConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
