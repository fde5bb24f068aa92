package idempotency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"binarymm/internal/domain"
	"binarymm/internal/logging"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReserve_FirstTimeReturnsReserved(t *testing.T) {
	s, err := New(openTestDB(t), time.Hour, logging.NewNop())
	require.NoError(t, err)

	outcome, rec, err := s.Reserve(context.Background(), "key-1", "hash-a")
	require.NoError(t, err)
	require.Equal(t, Reserved, outcome)
	require.Equal(t, domain.IdemInFlight, rec.Status)
}

func TestReserve_SameKeySamePayloadIsDuplicate(t *testing.T) {
	s, err := New(openTestDB(t), time.Hour, logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = s.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)

	outcome, _, err := s.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)
}

func TestReserve_SameKeyDifferentPayloadIsConflict(t *testing.T) {
	s, err := New(openTestDB(t), time.Hour, logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = s.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)

	outcome, _, err := s.Reserve(ctx, "key-1", "hash-b")
	require.NoError(t, err)
	require.Equal(t, Conflict, outcome)
}

func TestComplete_TransitionsStatus(t *testing.T) {
	s, err := New(openTestDB(t), time.Hour, logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = s.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, "key-1", "order-123 filled"))

	rec, found, err := s.Get(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.IdemCompleted, rec.Status)
	require.Equal(t, "order-123 filled", rec.ResultSummary)
}

func TestFail_TransitionsStatus(t *testing.T) {
	s, err := New(openTestDB(t), time.Hour, logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = s.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, "key-1", "rejected by exchange"))

	rec, _, err := s.Get(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, domain.IdemFailed, rec.Status)
}

func TestTransition_UnknownKeyErrors(t *testing.T) {
	s, err := New(openTestDB(t), time.Hour, logging.NewNop())
	require.NoError(t, err)

	err = s.Complete(context.Background(), "missing", "x")
	require.Error(t, err)
}

func TestGet_AbsentReturnsNotFound(t *testing.T) {
	s, err := New(openTestDB(t), time.Hour, logging.NewNop())
	require.NoError(t, err)

	_, found, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestPurgeExpired_RemovesOnlyTerminalExpiredRecords(t *testing.T) {
	s, err := New(openTestDB(t), time.Millisecond, logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = s.Reserve(ctx, "done", "h1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "done", "ok"))

	_, _, err = s.Reserve(ctx, "still-inflight", "h2")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "only the terminal record should be purged, in-flight is never purged by TTL")

	_, found, err := s.Get(ctx, "done")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = s.Get(ctx, "still-inflight")
	require.NoError(t, err)
	require.True(t, found)
}
