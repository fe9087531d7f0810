package versionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedule_versions (
	id                TEXT PRIMARY KEY,
	schedule_id       TEXT NOT NULL,
	version_number    INTEGER NOT NULL,
	parent_version_id TEXT,
	data              JSONB NOT NULL,
	checksum          TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	created_by        TEXT,
	source            TEXT NOT NULL,
	comment           TEXT,
	tag               TEXT,
	metrics           JSONB,
	UNIQUE (schedule_id, version_number)
);
CREATE INDEX IF NOT EXISTS schedule_versions_checksum_idx
	ON schedule_versions (schedule_id, checksum);

CREATE TABLE IF NOT EXISTS schedule_locks (
	id               TEXT PRIMARY KEY,
	schedule_id      TEXT NOT NULL,
	version_id       TEXT,
	lock_type        TEXT NOT NULL,
	locked_by        TEXT NOT NULL,
	session_id       TEXT,
	purpose          TEXT,
	expected_version INTEGER NOT NULL,
	acquired_at      TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS schedule_locks_schedule_idx
	ON schedule_locks (schedule_id, expires_at);

CREATE TABLE IF NOT EXISTS version_rollbacks (
	id                TEXT PRIMARY KEY,
	schedule_id       TEXT NOT NULL,
	from_version_id   TEXT,
	to_version_id     TEXT NOT NULL,
	result_version_id TEXT NOT NULL,
	reason            TEXT,
	rollback_type     TEXT NOT NULL,
	performed_by      TEXT,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS version_rollbacks_schedule_idx
	ON version_rollbacks (schedule_id, created_at);
`

const lockColumns = `
	id, schedule_id, version_id, lock_type, locked_by, session_id, purpose,
	expected_version, acquired_at, expires_at
`

const selectColumns = `
	id, schedule_id, version_number, parent_version_id, data, checksum,
	created_at, created_by, source, comment, tag, metrics
`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore persists versions in schedule_versions, locks in
// schedule_locks and the rollback audit trail in version_rollbacks.
type PostgresStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// OpenPostgres connects with the lib/pq driver, checks the connection and
// applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := NewPostgresStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection pool and applies the schema.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate version store: %w", err)
	}
	return &PostgresStore{db: db, now: time.Now, newID: NewVersionID}, nil
}

// Create inserts the next version inside a transaction. A concurrent writer
// that took the same version number surfaces as ErrConcurrency.
func (s *PostgresStore) Create(ctx context.Context, v *types.ScheduleVersion) (*types.ScheduleVersion, error) {
	if err := validate(v); err != nil {
		return nil, err
	}

	checksum, err := Checksum(v.Data)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule data: %w", err)
	}
	// lib/pq sends []byte as bytea, so JSONB values go over as text.
	var metrics sql.NullString
	if v.Metrics != nil {
		raw, err := json.Marshal(v.Metrics)
		if err != nil {
			return nil, fmt.Errorf("marshal metrics: %w", err)
		}
		metrics = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		latestID     sql.NullString
		latestNumber int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, version_number FROM schedule_versions
		 WHERE schedule_id = $1 ORDER BY version_number DESC LIMIT 1`,
		v.ScheduleID,
	).Scan(&latestID, &latestNumber)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query latest version: %w", err)
	}

	stored := v.Clone()
	stored.ID = s.newID()
	stored.VersionNumber = latestNumber + 1
	stored.Checksum = checksum
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}

	if stored.ParentVersionID == "" {
		stored.ParentVersionID = latestID.String
	} else {
		var parentSchedule string
		err := tx.QueryRowContext(ctx,
			`SELECT schedule_id FROM schedule_versions WHERE id = $1`, stored.ParentVersionID,
		).Scan(&parentSchedule)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && parentSchedule != stored.ScheduleID) {
			return nil, fmt.Errorf("%w: parent %s", ErrVersionNotFound, stored.ParentVersionID)
		}
		if err != nil {
			return nil, fmt.Errorf("query parent version: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedule_versions (
			id, schedule_id, version_number, parent_version_id, data, checksum,
			created_at, created_by, source, comment, tag, metrics
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		stored.ID,
		stored.ScheduleID,
		stored.VersionNumber,
		nullString(stored.ParentVersionID),
		string(data),
		stored.Checksum,
		stored.CreatedAt,
		nullString(stored.CreatedBy),
		string(stored.Source),
		nullString(stored.Comment),
		nullString(stored.Tag),
		metrics,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: schedule %s version %d", ErrConcurrency, stored.ScheduleID, stored.VersionNumber)
		}
		return nil, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: schedule %s version %d", ErrConcurrency, stored.ScheduleID, stored.VersionNumber)
		}
		return nil, fmt.Errorf("commit version: %w", err)
	}

	log.Debug("Schedule version created",
		"scheduleID", stored.ScheduleID, "versionID", stored.ID,
		"number", stored.VersionNumber, "source", stored.Source)
	return stored, nil
}

// Get returns a version by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*types.ScheduleVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM schedule_versions WHERE id = $1`, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, id)
	}
	return v, err
}

// Latest returns the highest-numbered version of a schedule.
func (s *PostgresStore) Latest(ctx context.Context, scheduleID string) (*types.ScheduleVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM schedule_versions
		 WHERE schedule_id = $1 ORDER BY version_number DESC LIMIT 1`, scheduleID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schedule %s has no versions", ErrVersionNotFound, scheduleID)
	}
	return v, err
}

// History returns up to limit versions, newest first.
func (s *PostgresStore) History(ctx context.Context, scheduleID string, limit int) ([]*types.ScheduleVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM schedule_versions
		 WHERE schedule_id = $1 ORDER BY version_number DESC LIMIT $2`,
		scheduleID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*types.ScheduleVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FindByChecksum returns the newest version of a schedule with the given checksum.
func (s *PostgresStore) FindByChecksum(ctx context.Context, scheduleID, checksum string) (*types.ScheduleVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM schedule_versions
		 WHERE schedule_id = $1 AND checksum = $2
		 ORDER BY version_number DESC LIMIT 1`, scheduleID, checksum)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checksum %s", ErrVersionNotFound, checksum)
	}
	return v, err
}

// AcquireLock takes a schedule lock. Concurrent acquirers of the same
// schedule are serialized with a transaction-scoped advisory lock.
func (s *PostgresStore) AcquireLock(ctx context.Context, lock *types.ScheduleLock) (*types.ScheduleLock, error) {
	now := s.now().UTC()
	if err := validateLock(lock, now); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lock.ScheduleID); err != nil {
		return nil, fmt.Errorf("serialize lock: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM schedule_locks
		 WHERE schedule_id = $1 AND expires_at > $2`, lock.ScheduleID, now)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	held, err := scanLocks(rows)
	if err != nil {
		return nil, err
	}
	for _, h := range held {
		if lock.Type.ConflictsWith(h.Type) {
			return nil, conflictError(lock.Type, h)
		}
	}

	var latest int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM schedule_versions WHERE schedule_id = $1`,
		lock.ScheduleID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("query latest version: %w", err)
	}

	stored := newLock(lock, now, latest)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedule_locks (`+lockColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		stored.ID,
		stored.ScheduleID,
		nullString(stored.VersionID),
		string(stored.Type),
		stored.LockedBy,
		nullString(stored.SessionID),
		nullString(stored.Purpose),
		stored.ExpectedVersion,
		stored.AcquiredAt,
		stored.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lock: %w", err)
	}

	log.Debug("Schedule lock acquired",
		"scheduleID", stored.ScheduleID, "lockID", stored.ID,
		"type", stored.Type, "owner", stored.LockedBy)
	return stored, nil
}

// ReleaseLock deletes a lock.
func (s *PostgresStore) ReleaseLock(ctx context.Context, lockID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_locks WHERE id = $1`, lockID)
	if err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
	}
	return nil
}

// ActiveLocks returns the unexpired locks of a schedule, oldest first.
func (s *PostgresStore) ActiveLocks(ctx context.Context, scheduleID string) ([]*types.ScheduleLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM schedule_locks
		 WHERE schedule_id = $1 AND expires_at > $2`, scheduleID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	locks, err := scanLocks(rows)
	if err != nil {
		return nil, err
	}
	sortLocks(locks)
	return locks, nil
}

// ExpireLocks deletes every lock that has expired at now.
func (s *PostgresStore) ExpireLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire locks: %w", err)
	}
	return int(n), nil
}

// RecordRollback appends a rollback audit record.
func (s *PostgresStore) RecordRollback(ctx context.Context, r *types.VersionRollback) (*types.VersionRollback, error) {
	stored, err := newRollback(r, s.now().UTC())
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO version_rollbacks (
			id, schedule_id, from_version_id, to_version_id, result_version_id,
			reason, rollback_type, performed_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		stored.ID,
		stored.ScheduleID,
		nullString(stored.FromVersionID),
		stored.ToVersionID,
		stored.ResultVersionID,
		nullString(stored.Reason),
		stored.Type,
		nullString(stored.PerformedBy),
		stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert rollback: %w", err)
	}
	return stored, nil
}

// Rollbacks returns the rollback records of a schedule, newest first.
func (s *PostgresStore) Rollbacks(ctx context.Context, scheduleID string) ([]*types.VersionRollback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, from_version_id, to_version_id, result_version_id,
			reason, rollback_type, performed_by, created_at
		 FROM version_rollbacks WHERE schedule_id = $1
		 ORDER BY created_at DESC, id DESC`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("query rollbacks: %w", err)
	}
	defer rows.Close()

	var out []*types.VersionRollback
	for rows.Next() {
		var (
			r                         types.VersionRollback
			from, reason, performedBy sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ScheduleID, &from, &r.ToVersionID, &r.ResultVersionID,
			&reason, &r.Type, &performedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rollback: %w", err)
		}
		r.FromVersionID = from.String
		r.Reason = reason.String
		r.PerformedBy = performedBy.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*types.ScheduleVersion, error) {
	var (
		v                               types.ScheduleVersion
		parent, createdBy, comment, tag sql.NullString
		source                          string
		data, metrics                   []byte
	)
	err := row.Scan(
		&v.ID,
		&v.ScheduleID,
		&v.VersionNumber,
		&parent,
		&data,
		&v.Checksum,
		&v.CreatedAt,
		&createdBy,
		&source,
		&comment,
		&tag,
		&metrics,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan version: %w", err)
	}

	v.ParentVersionID = parent.String
	v.CreatedBy = createdBy.String
	v.Comment = comment.String
	v.Tag = tag.String
	v.Source = types.VersionSource(source)

	v.Data = &types.ScheduleData{}
	if err := json.Unmarshal(data, v.Data); err != nil {
		return nil, fmt.Errorf("decode version data: %w", err)
	}
	if len(metrics) > 0 {
		v.Metrics = &types.Metrics{}
		if err := json.Unmarshal(metrics, v.Metrics); err != nil {
			return nil, fmt.Errorf("decode version metrics: %w", err)
		}
	}
	return &v, nil
}

// scanLocks reads every row and closes rows.
func scanLocks(rows *sql.Rows) ([]*types.ScheduleLock, error) {
	defer rows.Close()

	var out []*types.ScheduleLock
	for rows.Next() {
		var (
			l                           types.ScheduleLock
			lockType                    string
			versionID, session, purpose sql.NullString
		)
		err := rows.Scan(&l.ID, &l.ScheduleID, &versionID, &lockType, &l.LockedBy,
			&session, &purpose, &l.ExpectedVersion, &l.AcquiredAt, &l.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.Type = types.LockType(lockType)
		l.VersionID = versionID.String
		l.SessionID = session.String
		l.Purpose = purpose.String
		out = append(out, &l)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
