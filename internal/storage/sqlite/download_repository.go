package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/storage"
)

const downloadColumns = `id, url, destination, status, priority, engine, failure_count, total_size,
	last_error, queued_at, created_at, updated_at, completed_at`

type DownloadRepository struct {
	db         *sql.DB
	instanceID string
}

var _ storage.DownloadRepository = (*DownloadRepository)(nil)

func NewDownloadRepository(dbConn *sql.DB, instanceID string) *DownloadRepository {
	return &DownloadRepository{db: dbConn, instanceID: instanceID}
}

// Add inserts a new download and its segments.
func (r *DownloadRepository) Add(ctx context.Context, d *download.Download) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO downloads (`+downloadColumns+`, instance_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.URL, d.Destination, string(d.Status), int(d.Priority), d.Engine, d.FailureCount, d.TotalSize,
			d.LastError, formatTime(d.QueuedAt), formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
			formatTime(d.CompletedAt), r.instanceID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert download: %w", err)
		}

		return writeSegments(ctx, tx, d)
	})
}

// Update stores the current state of d, inserting it when it is not known yet.
func (r *DownloadRepository) Update(ctx context.Context, d *download.Download) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO downloads (`+downloadColumns+`, instance_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				priority = excluded.priority,
				engine = excluded.engine,
				failure_count = excluded.failure_count,
				total_size = excluded.total_size,
				last_error = excluded.last_error,
				queued_at = excluded.queued_at,
				updated_at = excluded.updated_at,
				completed_at = excluded.completed_at,
				instance_id = excluded.instance_id`,
			d.ID, d.URL, d.Destination, string(d.Status), int(d.Priority), d.Engine, d.FailureCount, d.TotalSize,
			d.LastError, formatTime(d.QueuedAt), formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
			formatTime(d.CompletedAt), r.instanceID,
		)
		if err != nil {
			return fmt.Errorf("failed to update download: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE download_id = ?`, d.ID); err != nil {
			return fmt.Errorf("failed to clear segments: %w", err)
		}

		return writeSegments(ctx, tx, d)
	})
}

func (r *DownloadRepository) GetByID(ctx context.Context, id string) (*download.Download, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download %s: %w", id, download.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	if d.Segments, err = r.segments(ctx, id); err != nil {
		return nil, err
	}

	return d, nil
}

// List returns every stored download, oldest first.
func (r *DownloadRepository) List(ctx context.Context) ([]*download.Download, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var downloads []*download.Download

	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range downloads {
		if d.Segments, err = r.segments(ctx, d.ID); err != nil {
			return nil, err
		}
	}

	return downloads, nil
}

func (r *DownloadRepository) segments(ctx context.Context, downloadID string) ([]*download.Segment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, idx, start_offset, end_offset, status, temp_path, engine
		FROM segments WHERE download_id = ? ORDER BY idx`, downloadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []*download.Segment

	for rows.Next() {
		var (
			s        download.Segment
			status   string
			tempPath sql.NullString
			engine   sql.NullString
		)

		if err := rows.Scan(&s.ID, &s.Index, &s.Start, &s.End, &status, &tempPath, &engine); err != nil {
			return nil, err
		}

		s.DownloadID = downloadID
		s.Status = download.Status(status)
		s.TempPath = tempPath.String
		s.Engine = engine.String

		segments = append(segments, &s)
	}

	return segments, rows.Err()
}

func writeSegments(ctx context.Context, tx *sql.Tx, d *download.Download) error {
	for _, s := range d.Segments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (id, download_id, idx, start_offset, end_offset, status, temp_path, engine)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, d.ID, s.Index, s.Start, s.End, string(s.Status), s.TempPath, s.Engine,
		)
		if err != nil {
			return fmt.Errorf("failed to insert segment %d: %w", s.Index, err)
		}
	}

	return nil
}

func (r *DownloadRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(s scanner) (*download.Download, error) {
	var (
		d                                      download.Download
		status                                 string
		priority                               int
		engine, lastError                      sql.NullString
		queuedAt, createdAt, updated, complete sql.NullString
	)

	err := s.Scan(&d.ID, &d.URL, &d.Destination, &status, &priority, &engine, &d.FailureCount, &d.TotalSize,
		&lastError, &queuedAt, &createdAt, &updated, &complete)
	if err != nil {
		return nil, err
	}

	d.Status = download.Status(status)
	d.Priority = download.Priority(priority)
	d.Engine = engine.String
	d.LastError = lastError.String
	d.QueuedAt = parseTime(queuedAt)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updated)
	d.CompletedAt = parseTime(complete)

	return &d, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}

	return t
}
