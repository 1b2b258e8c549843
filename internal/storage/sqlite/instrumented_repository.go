package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/storage"
	"github.com/italolelis/dlmanager/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, instanceID string, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn, instanceID),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) Add(ctx context.Context, d *download.Download) error {
	return r.telemetry.InstrumentDBOperation(ctx, "add_download", func(ctx context.Context) error {
		return r.repo.Add(ctx, d)
	})
}

func (r *InstrumentedDownloadRepository) Update(ctx context.Context, d *download.Download) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download", func(ctx context.Context) error {
		return r.repo.Update(ctx, d)
	})
}

func (r *InstrumentedDownloadRepository) GetByID(ctx context.Context, id string) (*download.Download, error) {
	var result *download.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetByID(ctx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) List(ctx context.Context) ([]*download.Download, error) {
	var result []*download.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.List(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
