package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertObservationSQL = `INSERT INTO observations (
        slot,
        source,
        rate,
        seq,
        received_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (slot, seq) DO NOTHING;`

	listObservationsBetweenSQL = `SELECT
        id,
        slot,
        source,
        rate,
        seq,
        received_at,
        created_at
    FROM observations
    WHERE received_at >= $1
      AND received_at < $2
    ORDER BY received_at, id;`

	insertIntentSQL = `INSERT INTO rebalance_intents (
        id,
        direction,
        amount,
        delta_bps,
        seq_a,
        seq_b,
        issued_at,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (id) DO NOTHING;`

	completeIntentSQL = `UPDATE rebalance_intents
    SET status = $2, tx_hash = $3, error = $4, completed_at = $5
    WHERE id = $1;`

	listRecentIntentsSQL = `SELECT
        id,
        direction,
        amount,
        delta_bps,
        seq_a,
        seq_b,
        issued_at,
        status,
        tx_hash,
        error,
        completed_at,
        created_at
    FROM rebalance_intents
    ORDER BY issued_at DESC
    LIMIT $1;`

	deleteObservationsBeforeSQL = `DELETE FROM observations WHERE received_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ObservationStore persists accepted observations.
type ObservationStore interface {
	InsertObservation(ctx context.Context, rec ObservationRecord) error
	ListObservationsBetween(ctx context.Context, from, to time.Time) ([]ObservationRecord, error)
	DeleteObservationsBefore(ctx context.Context, olderThan time.Time) error
}

// IntentStore persists intents and their outcomes.
type IntentStore interface {
	InsertIntent(ctx context.Context, rec IntentRecord) error
	CompleteIntent(ctx context.Context, id, status string, txHash, errMsg *string, completedAt time.Time) error
	ListRecentIntents(ctx context.Context, limit int) ([]IntentRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to observations and intents.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock lives on one pooled connection, held until unlock is called.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort: the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertObservation records an accepted observation; duplicates of (slot, seq) are ignored.
func (s *Store) InsertObservation(ctx context.Context, rec ObservationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertObservationSQL,
		rec.Slot,
		rec.Source,
		rec.Rate.Dec(),
		int64(rec.Seq),
		rec.ReceivedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert observation: %w", execErr)
	}
	return nil
}

// ListObservationsBetween lists observations received within [from, to).
func (s *Store) ListObservationsBetween(ctx context.Context, from, to time.Time) ([]ObservationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ObservationRecord, 0)
	for rows.Next() {
		rec, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// DeleteObservationsBefore prunes old observations.
func (s *Store) DeleteObservationsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteObservationsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete observations before: %w", execErr)
	}
	return nil
}

// InsertIntent records a freshly emitted intent.
func (s *Store) InsertIntent(ctx context.Context, rec IntentRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	status := rec.Status
	if status == "" {
		status = IntentPending
	}

	_, execErr := pool.Exec(ctx, insertIntentSQL,
		rec.ID,
		rec.Direction,
		rec.Amount.Dec(),
		int64(rec.DeltaBps),
		int64(rec.SeqA),
		int64(rec.SeqB),
		rec.IssuedAt,
		status,
	)
	if execErr != nil {
		return fmt.Errorf("insert intent: %w", execErr)
	}
	return nil
}

// CompleteIntent stores the outcome of an intent.
func (s *Store) CompleteIntent(ctx context.Context, id, status string, txHash, errMsg *string, completedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var tx interface{}
	if txHash != nil {
		tx = *txHash
	}
	var msg interface{}
	if errMsg != nil {
		msg = *errMsg
	}

	cmdTag, execErr := pool.Exec(ctx, completeIntentSQL, id, status, tx, msg, completedAt)
	if execErr != nil {
		return fmt.Errorf("complete intent: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentIntents lists the most recent intents ordered by descending issue time.
func (s *Store) ListRecentIntents(ctx context.Context, limit int) ([]IntentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentIntentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent intents: %w", queryErr)
	}
	defer rows.Close()

	records := make([]IntentRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanIntent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func parseNumeric(v string) (uint256.Int, error) {
	out, err := uint256.FromDecimal(v)
	if err != nil {
		return uint256.Int{}, err
	}
	return *out, nil
}

func scanObservation(rows pgx.Rows) (ObservationRecord, error) {
	var (
		rec     ObservationRecord
		rateStr string
		seq     int64
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Slot,
		&rec.Source,
		&rateStr,
		&seq,
		&rec.ReceivedAt,
		&rec.CreatedAt,
	); err != nil {
		return ObservationRecord{}, err
	}

	rate, err := parseNumeric(rateStr)
	if err != nil {
		return ObservationRecord{}, fmt.Errorf("parse rate: %w", err)
	}
	rec.Rate = rate
	rec.Seq = uint64(seq)
	return rec, nil
}

func scanIntent(rows pgx.Rows) (IntentRecord, error) {
	var (
		rec         IntentRecord
		amountStr   string
		deltaBps    int64
		seqA, seqB  int64
		txHash      sql.NullString
		errMsg      sql.NullString
		completedAt sql.NullTime
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Direction,
		&amountStr,
		&deltaBps,
		&seqA,
		&seqB,
		&rec.IssuedAt,
		&rec.Status,
		&txHash,
		&errMsg,
		&completedAt,
		&rec.CreatedAt,
	); err != nil {
		return IntentRecord{}, err
	}

	amount, err := parseNumeric(amountStr)
	if err != nil {
		return IntentRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	rec.Amount = amount
	rec.DeltaBps = uint64(deltaBps)
	rec.SeqA = uint64(seqA)
	rec.SeqB = uint64(seqB)

	if txHash.Valid {
		v := txHash.String
		rec.TxHash = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		rec.Error = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		rec.CompletedAt = &v
	}
	return rec, nil
}

var (
	_ ObservationStore = (*Store)(nil)
	_ IntentStore      = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
