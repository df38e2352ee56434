package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a procedure row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a procedure row was saved by someone else
// after the caller read it.
var ErrConflict = errors.New("procedure was modified concurrently")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ListProcedures(ctx context.Context, filter ProcedureFilter) ([]ProcedureSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, engagement_id, title, procedure_type, mode, status, review_version, is_locked, updated_by_name, updated_at
		FROM procedures
		WHERE ($1='' OR engagement_id=$1)
		  AND ($2='' OR procedure_type=$2)
		  AND ($3='' OR status=$3)
		ORDER BY updated_at DESC
		LIMIT $4
	`, filter.EngagementID, filter.ProcedureType, filter.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list procedures: %w", err)
	}
	defer rows.Close()

	items := make([]ProcedureSummary, 0)
	for rows.Next() {
		var item ProcedureSummary
		if err := rows.Scan(
			&item.ID,
			&item.EngagementID,
			&item.Title,
			&item.ProcedureType,
			&item.Mode,
			&item.Status,
			&item.ReviewVersion,
			&item.IsLocked,
			&item.UpdatedBy,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan procedure: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate procedures: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProcedure(ctx context.Context, procedureID string) (Procedure, error) {
	var item Procedure
	err := s.db.QueryRowContext(ctx, `
		SELECT id, engagement_id, title, procedure_type, mode, status, review_version, is_locked, payload, updated_by_name, revision, created_at, updated_at
		FROM procedures
		WHERE id=$1
	`, procedureID).Scan(
		&item.ID,
		&item.EngagementID,
		&item.Title,
		&item.ProcedureType,
		&item.Mode,
		&item.Status,
		&item.ReviewVersion,
		&item.IsLocked,
		&item.Payload,
		&item.UpdatedBy,
		&item.Revision,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Procedure{}, ErrNotFound
	}
	if err != nil {
		return Procedure{}, fmt.Errorf("get procedure: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertProcedure(ctx context.Context, item Procedure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO procedures (id, engagement_id, title, procedure_type, mode, status, review_version, is_locked, payload, updated_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
	`, item.ID, item.EngagementID, item.Title, item.ProcedureType, item.Mode, item.Status, item.ReviewVersion, item.IsLocked, string(item.Payload), item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert procedure: %w", err)
	}
	return nil
}

// UpdateProcedure overwrites the row with item when the stored revision still
// equals item.Revision, and bumps the revision. It returns ErrNotFound when the
// row has been deleted meanwhile and ErrConflict when it was saved by another
// writer.
func (s *PostgresStore) UpdateProcedure(ctx context.Context, item Procedure) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE procedures
		SET engagement_id=$2, title=$3, procedure_type=$4, mode=$5, status=$6, review_version=$7,
		    is_locked=$8, payload=$9::jsonb, updated_by_name=$10, revision=revision+1, updated_at=NOW()
		WHERE id=$1 AND revision=$11
	`, item.ID, item.EngagementID, item.Title, item.ProcedureType, item.Mode, item.Status, item.ReviewVersion, item.IsLocked, string(item.Payload), item.UpdatedBy, item.Revision)
	if err != nil {
		return fmt.Errorf("update procedure: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update procedure rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM procedures WHERE id=$1)`, item.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check procedure: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PostgresStore) DeleteProcedure(ctx context.Context, procedureID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM procedures WHERE id=$1`, procedureID)
	if err != nil {
		return fmt.Errorf("delete procedure: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete procedure rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertReviewEvent(ctx context.Context, event ReviewEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_events (procedure_id, action, actor_id, actor_name, value, review_version, commit_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ProcedureID, event.Action, event.ActorID, event.ActorName, event.Value, event.ReviewVersion, event.CommitHash)
	if err != nil {
		return fmt.Errorf("insert review event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviewEvents(ctx context.Context, procedureID string, limit int) ([]ReviewEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, procedure_id, action, actor_id, actor_name, value, review_version, commit_hash, created_at
		FROM review_events
		WHERE procedure_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, procedureID, limit)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewEvent, 0)
	for rows.Next() {
		var item ReviewEvent
		if err := rows.Scan(
			&item.ID,
			&item.ProcedureID,
			&item.Action,
			&item.ActorID,
			&item.ActorName,
			&item.Value,
			&item.ReviewVersion,
			&item.CommitHash,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan review event: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertExportArchive(ctx context.Context, item ExportArchive) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_archives (procedure_id, review_version, format, object_key, size_bytes, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ProcedureID, item.ReviewVersion, item.Format, item.ObjectKey, item.SizeBytes, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert export archive: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExportArchives(ctx context.Context, procedureID string) ([]ExportArchive, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, procedure_id, review_version, format, object_key, size_bytes, created_by_name, created_at
		FROM export_archives
		WHERE procedure_id=$1
		ORDER BY created_at DESC, id DESC
	`, procedureID)
	if err != nil {
		return nil, fmt.Errorf("list export archives: %w", err)
	}
	defer rows.Close()

	items := make([]ExportArchive, 0)
	for rows.Next() {
		var item ExportArchive
		if err := rows.Scan(&item.ID, &item.ProcedureID, &item.ReviewVersion, &item.Format, &item.ObjectKey, &item.SizeBytes, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan export archive: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export archives: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
