package store

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	return mock
}

func TestStartCall(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO calls`).
		WithArgs("conn-1", pgxmock.AnyArg(), started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := newWithQuerier(mock)
	if err := rec.StartCall(context.Background(), "conn-1", "+3161234", started); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
}

func TestStartCallNormalizesToUTC(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	loc := time.FixedZone("CET", 3600)
	local := time.Date(2024, 5, 1, 11, 0, 0, 0, loc)

	mock.ExpectExec(`INSERT INTO calls`).
		WithArgs("conn-1", pgxmock.AnyArg(), local.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := newWithQuerier(mock)
	if err := rec.StartCall(context.Background(), "conn-1", "", local); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
}

func TestEndCall(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	ended := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE calls`).
		WithArgs("conn-1", ended, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	rec := newWithQuerier(mock)
	if err := rec.EndCall(context.Background(), "conn-1", "caller hung up", ended); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
}

func TestAppendUtterance(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	at := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO utterances`).
		WithArgs("conn-1", "caller", "hello there", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := newWithQuerier(mock)
	if err := rec.AppendUtterance(context.Background(), "conn-1", "caller", "hello there", at); err != nil {
		t.Fatalf("AppendUtterance: %v", err)
	}
}

func TestExecErrorIsWrapped(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	boom := errors.New("connection refused")

	mock.ExpectExec(`INSERT INTO calls`).
		WithArgs("conn-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)

	rec := newWithQuerier(mock)
	err := rec.StartCall(context.Background(), "conn-1", "", time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestNopRecorder(t *testing.T) {
	t.Parallel()
	var rec Recorder = NopRecorder{}
	if err := rec.StartCall(context.Background(), "x", "", time.Now()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := rec.AppendUtterance(context.Background(), "x", "assistant", "hi", time.Now()); err != nil {
		t.Fatalf("AppendUtterance: %v", err)
	}
	if err := rec.EndCall(context.Background(), "x", "", time.Now()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	rec.Close()
}
