package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

var entryColumns = []string{
	"idempotency_key", "handler_name", "status", "payload", "result", "created_at", "updated_at", "expires_at",
}

func TestGenerateKey(t *testing.T) {
	payload := []byte(`{"patient_name":"sachin"}`)

	a := GenerateKey("scanner", payload)
	if a != GenerateKey("scanner", payload) {
		t.Error("expected a deterministic key")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
	if a == GenerateKey("mobile", payload) {
		t.Error("expected the source to change the key")
	}
	if GenerateKey("ab", []byte("c")) == GenerateKey("a", []byte("bc")) {
		t.Error("expected the separator to keep source and payload apart")
	}
}

func TestProcessNewMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	payload := json.RawMessage(`{"date":"12/5/24"}`)
	result := json.RawMessage(`{"extraction_id":"ext-1"}`)

	mock.ExpectQuery(`SELECT idempotency_key`).
		WithArgs("k1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO inbox`).
		WithArgs("k1", "normalizer", StatusStarted, payload, pgxmock.AnyArg(), "5m0s").
		WillReturnRows(mock.NewRows([]string{"idempotency_key"}).AddRow("k1"))
	mock.ExpectExec(`UPDATE inbox\s+SET status = \$1, result = \$2`).
		WithArgs(StatusFinished, result, "k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	inbox := NewInbox(mock, DefaultInboxConfig(), nil)
	calls := 0
	res, err := inbox.Process(context.Background(), "k1", "normalizer", payload, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		calls++
		return result, nil
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.IsNew || res.WasRecovered || string(res.Result) != string(result) {
		t.Errorf("unexpected result %+v", res)
	}
	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d", calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProcessFinishedIsDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	now := time.Now()
	stored := json.RawMessage(`{"extraction_id":"ext-1"}`)
	mock.ExpectQuery(`SELECT idempotency_key`).
		WithArgs("k1").
		WillReturnRows(mock.NewRows(entryColumns).
			AddRow("k1", "normalizer", "FINISHED", json.RawMessage(`{}`), stored, now, now, (*time.Time)(nil)))

	inbox := NewInbox(mock, DefaultInboxConfig(), nil)
	res, err := inbox.Process(context.Background(), "k1", "normalizer", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Error("handler must not run for a finished key")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.IsNew || string(res.Result) != string(stored) {
		t.Errorf("expected stored result, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProcessInProgress(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT idempotency_key`).
		WithArgs("k1").
		WillReturnRows(mock.NewRows(entryColumns).
			AddRow("k1", "normalizer", "STARTED", json.RawMessage(`{}`), json.RawMessage(`null`), now, now, (*time.Time)(nil)))

	inbox := NewInbox(mock, DefaultInboxConfig(), nil)
	inbox.now = func() time.Time { return now.Add(time.Minute) }

	_, err = inbox.Process(context.Background(), "k1", "normalizer", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrMessageInProgress) {
		t.Errorf("expected ErrMessageInProgress, got %v", err)
	}
}

func TestProcessTerminalFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	payload := json.RawMessage(`not json`)
	mock.ExpectQuery(`SELECT idempotency_key`).
		WithArgs("k2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO inbox`).
		WithArgs("k2", "normalizer", StatusStarted, payload, pgxmock.AnyArg(), "5m0s").
		WillReturnRows(mock.NewRows([]string{"idempotency_key"}).AddRow("k2"))
	mock.ExpectExec(`UPDATE inbox`).
		WithArgs(StatusFailed, pgxmock.AnyArg(), "k2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	inbox := NewInbox(mock, DefaultInboxConfig(), nil)
	_, err = inbox.Process(context.Background(), "k2", "normalizer", payload, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("decode extraction: %w", ErrTerminal)
	})
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("expected terminal error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProcessLostRace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT idempotency_key`).
		WithArgs("k3").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO inbox`).
		WithArgs("k3", "normalizer", StatusStarted, json.RawMessage(`{}`), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"idempotency_key"}))

	inbox := NewInbox(mock, DefaultInboxConfig(), nil)
	_, err = inbox.Process(context.Background(), "k3", "normalizer", json.RawMessage(`{}`), func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Error("handler must not run when another consumer claimed the key")
		return nil, nil
	})
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("expected ErrDuplicateMessage, got %v", err)
	}
}

func TestProcessReclaimsAbandonedKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	started := time.Now().Add(-10 * time.Minute)
	result := json.RawMessage(`{"extraction_id":"ext-4"}`)
	mock.ExpectQuery(`SELECT idempotency_key`).
		WithArgs("k4").
		WillReturnRows(mock.NewRows(entryColumns).
			AddRow("k4", "normalizer", "STARTED", json.RawMessage(`{}`), json.RawMessage(`null`), started, started, (*time.Time)(nil)))
	mock.ExpectQuery(`INSERT INTO inbox`).
		WithArgs("k4", "normalizer", StatusStarted, json.RawMessage(`{}`), pgxmock.AnyArg(), "5m0s").
		WillReturnRows(mock.NewRows([]string{"idempotency_key"}).AddRow("k4"))
	mock.ExpectExec(`UPDATE inbox`).
		WithArgs(StatusFinished, result, "k4").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	inbox := NewInbox(mock, DefaultInboxConfig(), nil)
	res, err := inbox.Process(context.Background(), "k4", "normalizer", json.RawMessage(`{}`), func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return result, nil
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.IsNew || !res.WasRecovered {
		t.Errorf("expected a recovered run, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProcessPreviouslyFailed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT idempotency_key`).
		WithArgs("k5").
		WillReturnRows(mock.NewRows(entryColumns).
			AddRow("k5", "normalizer", "FAILED", json.RawMessage(`{}`), json.RawMessage(`{"error":"bad"}`), now, now, (*time.Time)(nil)))

	inbox := NewInbox(mock, DefaultInboxConfig(), nil)
	_, err = inbox.Process(context.Background(), "k5", "normalizer", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Error("handler must not run for a failed key")
		return nil, nil
	})
	if !errors.Is(err, ErrPreviouslyFailed) {
		t.Errorf("expected ErrPreviouslyFailed, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT\s+COUNT`).
		WillReturnRows(mock.NewRows([]string{"total", "started", "finished", "recoverable", "failed"}).
			AddRow(int64(10), int64(1), int64(7), int64(1), int64(1)))

	stats, err := NewInbox(mock, InboxConfig{}, nil).GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.TotalEntries != 10 || stats.Finished != 7 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
