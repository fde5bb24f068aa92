// Package idempotency deduplicates in-flight and completed order requests
// by client-supplied key. Reservations are atomic: a second reserve with
// the same key and a matching payload hash is a no-op (Duplicate); a
// mismatching hash is rejected (Conflict). Records persist across restarts
// in sqlite via the same pure-Go driver internal/checkpoint uses.
package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"binarymm/internal/core"
	"binarymm/internal/domain"
)

// Outcome is the result of a Reserve call.
type Outcome string

const (
	Reserved  Outcome = "RESERVED"  // first reservation for this key
	Duplicate Outcome = "DUPLICATE" // same key, same payload hash: idempotent no-op
	Conflict  Outcome = "CONFLICT"  // same key, different payload hash: rejected
)

// Store is the durable idempotency dedup table.
type Store struct {
	db     *sql.DB
	logger core.ILogger
	ttl    time.Duration

	mu sync.Mutex // serializes the reserve-or-check compound operation
}

// New wraps an already-open sqlite handle. Schema is created if absent.
func New(db *sql.DB, ttl time.Duration, logger core.ILogger) (*Store, error) {
	s := &Store{db: db, logger: logger.WithField("component", "idempotency_store"), ttl: ttl}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("idempotency: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			payload_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			result_summary TEXT NOT NULL DEFAULT '',
			ttl_expiry INTEGER NOT NULL
		)
	`)
	return err
}

// Reserve atomically reserves key for payloadHash, or reports why it could
// not: Duplicate (idempotent replay) or Conflict (distinct payload reusing
// a key). On Reserved, the caller owns the record until Complete/Fail.
func (s *Store) Reserve(ctx context.Context, key, payloadHash string) (Outcome, *domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found, err := s.lookup(ctx, key)
	if err != nil {
		return "", nil, err
	}

	if found {
		if existing.PayloadHash != payloadHash {
			return Conflict, existing, nil
		}
		return Duplicate, existing, nil
	}

	rec := &domain.IdempotencyRecord{
		Key:         key,
		PayloadHash: payloadHash,
		Status:      domain.IdemInFlight,
		TTLExpiry:   time.Now().Add(s.ttl),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency (key, payload_hash, status, result_summary, ttl_expiry)
		VALUES (?, ?, ?, '', ?)
	`, rec.Key, rec.PayloadHash, string(rec.Status), rec.TTLExpiry.Unix())
	if err != nil {
		return "", nil, fmt.Errorf("idempotency: insert: %w", err)
	}

	return Reserved, rec, nil
}

// Complete transitions an in-flight record to Completed with a result summary.
func (s *Store) Complete(ctx context.Context, key, resultSummary string) error {
	return s.transition(ctx, key, domain.IdemCompleted, resultSummary)
}

// Fail transitions an in-flight record to Failed with a result summary.
func (s *Store) Fail(ctx context.Context, key, resultSummary string) error {
	return s.transition(ctx, key, domain.IdemFailed, resultSummary)
}

func (s *Store) transition(ctx context.Context, key string, status domain.IdempotencyStatus, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency SET status = ?, result_summary = ? WHERE key = ?
	`, string(status), summary, key)
	if err != nil {
		return fmt.Errorf("idempotency: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("idempotency: no record for key %q", key)
	}
	return nil
}

// Get returns the current record for key, if any.
func (s *Store) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, bool, error) {
	return s.lookup(ctx, key)
}

func (s *Store) lookup(ctx context.Context, key string) (*domain.IdempotencyRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, payload_hash, status, result_summary, ttl_expiry FROM idempotency WHERE key = ?
	`, key)

	var rec domain.IdempotencyRecord
	var status string
	var ttlUnix int64
	err := row.Scan(&rec.Key, &rec.PayloadHash, &status, &rec.ResultSummary, &ttlUnix)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: lookup: %w", err)
	}
	rec.Status = domain.IdempotencyStatus(status)
	rec.TTLExpiry = time.Unix(ttlUnix, 0)
	return &rec, true, nil
}

// PurgeExpired deletes every terminal record whose TTL has elapsed. Meant
// to run periodically as a standalone sweep, independent of any request
// path.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency WHERE status != ? AND ttl_expiry < ?
	`, string(domain.IdemInFlight), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	return res.RowsAffected()
}

// RunPurgeSweep ticks PurgeExpired on interval until ctx is canceled,
// mirroring quotecache.Cache's own background sweep loop. The interval
// argument keeps it from being a bootstrap.Runner itself; a thin adapter
// in cmd/coordinator runs it alongside the Coordinator and Scheduler.
func (s *Store) RunPurgeSweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("idempotency purge sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				s.logger.Debug("purged expired idempotency records", "count", n)
			}
		}
	}
}
