package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"escrow-service/internal/domain"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteLedger is an embedded ledger for single-node deployments and
// tests. SQLite has one writer at a time, which also gives per-key
// linearizability for free.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite creates or opens the ledger database at path and applies the
// schema. Safe to call repeatedly on the same path.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}

	log.WithField("path", path).Info("SQLite ledger opened")
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *SQLiteLedger) Get(ctx context.Context, id string) (*domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT id, content_ref, owner, status, status_detail, metadata, grantees, created_at, verified_at
	          FROM records
	          WHERE id = ?`

	var (
		rec        domain.Record
		status     string
		metadata   []byte
		grantees   []byte
		createdAt  int64
		verifiedAt sql.NullInt64
	)
	err := l.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.ContentRef,
		&rec.Owner,
		&status,
		&rec.StatusDetail,
		&metadata,
		&grantees,
		&createdAt,
		&verifiedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		log.WithError(err).WithField("record_id", id).Error("Failed to get record")
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	rec.Status = domain.Status(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if verifiedAt.Valid {
		t := time.Unix(0, verifiedAt.Int64).UTC()
		rec.VerifiedAt = &t
	}
	if rec.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if rec.Grantees, err = decodeGrantees(grantees); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *SQLiteLedger) CompareAndSet(ctx context.Context, expected domain.Status, rec domain.Record, entries ...domain.AuditEntry) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	grantees, err := encodeGrantees(rec.Grantees)
	if err != nil {
		return nil, err
	}
	var verifiedAt sql.NullInt64
	if rec.VerifiedAt != nil {
		verifiedAt = sql.NullInt64{Int64: rec.VerifiedAt.UnixNano(), Valid: true}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("compare and set: begin tx: %w", err)
	}
	defer tx.Rollback()

	var result sql.Result
	if expected == domain.StatusNone {
		result, err = tx.ExecContext(ctx, `
			INSERT INTO records (id, content_ref, owner, status, status_detail, metadata, grantees, created_at, verified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			rec.ID, rec.ContentRef, rec.Owner, string(rec.Status), rec.StatusDetail,
			metadata, grantees, rec.CreatedAt.UnixNano(), verifiedAt,
		)
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE records
			SET status = ?, status_detail = ?, metadata = ?, grantees = ?, verified_at = ?
			WHERE id = ? AND status = ?`,
			string(rec.Status), rec.StatusDetail, metadata, grantees, verifiedAt,
			rec.ID, string(expected),
		)
	}
	if err != nil {
		log.WithError(err).WithField("record_id", rec.ID).Error("Failed to write record")
		return nil, fmt.Errorf("compare and set: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("could not determine rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if expected == domain.StatusNone {
			return nil, domain.ErrStatusConflict
		}
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, rec.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return nil, domain.ErrRecordNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("compare and set: %w", err)
		}
		return nil, domain.ErrStatusConflict
	}

	committed := make([]domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		stored, err := insertSQLiteAudit(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		committed = append(committed, stored)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("compare and set: commit: %w", err)
	}
	return committed, nil
}

func (l *SQLiteLedger) AppendAudit(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("append audit: begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, err = insertSQLiteAudit(ctx, tx, entry)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("append audit: commit: %w", err)
	}
	return entry, nil
}

func insertSQLiteAudit(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) (domain.AuditEntry, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries (id, record_id, actor, action, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.RecordID, e.Actor, string(e.Action), e.Detail, e.Timestamp.UnixNano(),
	)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"record_id": e.RecordID,
			"action":    e.Action,
		}).Error("Failed to append audit entry")
		return e, fmt.Errorf("append audit: %w", err)
	}
	e.Seq, err = result.LastInsertId()
	if err != nil {
		return e, fmt.Errorf("append audit: %w", err)
	}
	return e, nil
}

func (l *SQLiteLedger) QueryAudit(ctx context.Context, recordID string) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, id, record_id, actor, action, detail, occurred_at
		FROM audit_entries
		WHERE record_id = ?
		ORDER BY seq ASC`, recordID)
	if err != nil {
		log.WithError(err).WithField("record_id", recordID).Error("Failed to query audit trail")
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e          domain.AuditEntry
			action     string
			occurredAt int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.RecordID, &e.Actor, &action, &e.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.Action = domain.Action(action)
		e.Timestamp = time.Unix(0, occurredAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over audit rows: %w", err)
	}
	return entries, nil
}

