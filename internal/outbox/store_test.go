package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPgStore_ClaimLocksBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "event_id", "payload", "created_at", "attempts"}).
		AddRow(int64(1), "e1", []byte(`{}`), time.Now(), 0).
		AddRow(int64(2), "e2", []byte(`{}`), time.Now(), 3)

	mock.ExpectBegin()
	// The claim select must gate each row on its aggregate predecessors so a
	// backing-off row cannot be overtaken by a later row of the same pair.
	mock.ExpectQuery(`SELECT 1 FROM outbox p`).
		WithArgs(10).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE outbox").
		WithArgs(int64(1), "w1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox").
		WithArgs(int64(2), "w1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewPgStore(db, time.Second)
	batch, err := s.Claim(context.Background(), "w1", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "e1", batch[0].EventID)
	require.Equal(t, 3, batch[1].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_ClaimGatesOnAggregatePredecessors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`NOT EXISTS`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "payload", "created_at", "attempts"}))
	mock.ExpectCommit()

	s := NewPgStore(db, time.Second)
	batch, err := s.Claim(context.Background(), "w1", 5, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, batch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_MarkFailedSetsRetryGate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE outbox").
		WithArgs(int64(7), "stream unavailable", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPgStore(db, time.Second)
	require.NoError(t, s.MarkFailed(context.Background(), 7, "stream unavailable", 12*time.Second))
	require.NoError(t, mock.ExpectationsWereMet())
}
