package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ox/substrate/internal/database"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewServer(Deps{DB: db}), mock
}

func purchaseFingerprint(path, body string) string {
	return database.Fingerprint([]byte("POST " + path + "\n" + body))
}

func TestPurchaseReplayDoesNotMintTwice(t *testing.T) {
	s, mock := newTestServer(t)

	path := "/sponsor/sp-1/credits/purchase"
	body := `{"amount":50}`

	// The key is already settled: no wallet statements may run.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("key-1", purchaseFingerprint(path, body)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint, status, response FROM idempotency_keys").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status", "response"}).
			AddRow(purchaseFingerprint(path, body), "done", []byte(`{"balance":50}`)))
	mock.ExpectCommit()

	r := httptest.NewRequest("POST", path, strings.NewReader(body))
	r.Header.Set("x-idempotency-key", "key-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"balance":50}` {
		t.Errorf("replay body = %s, want stored response verbatim", w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPurchaseFirstCallMintsAndStoresResponse(t *testing.T) {
	s, mock := newTestServer(t)

	path := "/sponsor/sp-1/credits/purchase"
	body := `{"amount":50}`

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("key-1", purchaseFingerprint(path, body)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO sponsor_wallets").
		WithArgs("sp-1", int64(50)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(50)))
	mock.ExpectExec("INSERT INTO credit_transactions").
		WithArgs("sp-1", int64(50), "key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_transactions").
		WithArgs(int64(50), "key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE idempotency_keys SET status = 'done'").
		WithArgs("key-1", []byte(`{"balance":50}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := httptest.NewRequest("POST", path, strings.NewReader(body))
	r.Header.Set("x-idempotency-key", "key-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPurchaseKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	s, mock := newTestServer(t)

	path := "/sponsor/sp-1/credits/purchase"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint, status, response FROM idempotency_keys").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status", "response"}).
			AddRow(purchaseFingerprint(path, `{"amount":50}`), "done", []byte(`{"balance":50}`)))
	mock.ExpectRollback()

	r := httptest.NewRequest("POST", path, strings.NewReader(`{"amount":99}`))
	r.Header.Set("x-idempotency-key", "key-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
