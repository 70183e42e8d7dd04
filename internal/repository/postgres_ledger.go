package repository

import (
	"context"
	"database/sql"
	"fmt"

	"escrow-service/internal/domain"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

type postgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *postgresLedger {
	return &postgresLedger{db: db}
}

func (l *postgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *postgresLedger) Get(ctx context.Context, id string) (*domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, content_ref, owner, status, status_detail,
			metadata, grantees, created_at, verified_at
		FROM records
		WHERE id = $1
	`

	var (
		rec        domain.Record
		status     string
		metadata   []byte
		grantees   []string
		verifiedAt sql.NullTime
	)
	err := l.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.ContentRef,
		&rec.Owner,
		&status,
		&rec.StatusDetail,
		&metadata,
		pq.Array(&grantees),
		&rec.CreatedAt,
		&verifiedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrRecordNotFound
		}
		log.WithError(err).WithField("record_id", id).Error("Failed to get record")
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	rec.Status = domain.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if verifiedAt.Valid {
		t := verifiedAt.Time.UTC()
		rec.VerifiedAt = &t
	}
	if rec.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	rec.Grantees = normalizeGrantees(grantees)
	return &rec, nil
}

func (l *postgresLedger) CompareAndSet(ctx context.Context, expected domain.Status, rec domain.Record, entries ...domain.AuditEntry) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	grantees := pq.Array(normalizeGrantees(rec.Grantees))

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("compare and set: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockRecord(ctx, tx, rec.ID); err != nil {
		return nil, fmt.Errorf("compare and set: %w", err)
	}

	var result sql.Result
	if expected == domain.StatusNone {
		log.WithFields(log.Fields{
			"record_id": rec.ID,
			"owner":     rec.Owner,
		}).Info("Creating record on ledger")

		result, err = tx.ExecContext(ctx, `
			INSERT INTO records (
				id, content_ref, owner, status, status_detail,
				metadata, grantees, created_at, verified_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`,
			rec.ID,
			rec.ContentRef,
			rec.Owner,
			string(rec.Status),
			rec.StatusDetail,
			metadata,
			grantees,
			rec.CreatedAt,
			rec.VerifiedAt,
		)
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE records SET
				status = $1,
				status_detail = $2,
				metadata = $3,
				grantees = $4,
				verified_at = $5
			WHERE id = $6
			  AND status = $7
		`,
			string(rec.Status),
			rec.StatusDetail,
			metadata,
			grantees,
			rec.VerifiedAt,
			rec.ID,
			string(expected),
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
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("compare and set: %w", err)
		}
		if !exists {
			return nil, domain.ErrRecordNotFound
		}
		return nil, domain.ErrStatusConflict
	}

	committed := make([]domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		stored, err := insertPostgresAudit(ctx, tx, e)
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

// lockRecord serializes writers of one record until tx ends. Audit seq
// values come from a sequence at insert time, so without it a later
// insert could commit before an earlier one and QueryAudit would expose
// a gap.
func lockRecord(ctx context.Context, tx *sql.Tx, recordID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, recordID); err != nil {
		log.WithError(err).WithField("record_id", recordID).Error("Failed to lock record")
		return fmt.Errorf("lock record: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertPostgresAudit(ctx context.Context, q queryRower, e domain.AuditEntry) (domain.AuditEntry, error) {
	err := q.QueryRowContext(ctx, `
		INSERT INTO audit_entries (id, record_id, actor, action, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`,
		e.ID,
		e.RecordID,
		e.Actor,
		string(e.Action),
		e.Detail,
		e.Timestamp,
	).Scan(&e.Seq)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"record_id": e.RecordID,
			"action":    e.Action,
		}).Error("Failed to append audit entry")
		return e, fmt.Errorf("append audit: %w", err)
	}
	return e, nil
}

func (l *postgresLedger) AppendAudit(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return entry, fmt.Errorf("append audit: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockRecord(ctx, tx, entry.RecordID); err != nil {
		return entry, fmt.Errorf("append audit: %w", err)
	}
	stored, err := insertPostgresAudit(ctx, tx, entry)
	if err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, fmt.Errorf("append audit: commit: %w", err)
	}
	return stored, nil
}

func (l *postgresLedger) QueryAudit(ctx context.Context, recordID string) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT seq, id, record_id, actor, action, detail, occurred_at
		FROM audit_entries
		WHERE record_id = $1
		ORDER BY seq ASC
	`

	rows, err := l.db.QueryContext(ctx, query, recordID)
	if err != nil {
		log.WithError(err).WithField("record_id", recordID).Error("Failed to query audit trail")
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var action string
		if err := rows.Scan(&e.Seq, &e.ID, &e.RecordID, &e.Actor, &action, &e.Detail, &e.Timestamp); err != nil {
			log.WithError(err).Error("Failed to scan audit row")
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.Action = domain.Action(action)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		log.WithError(err).Error("Error iterating over audit rows")
		return nil, fmt.Errorf("error iterating over audit rows: %w", err)
	}
	return entries, nil
}
