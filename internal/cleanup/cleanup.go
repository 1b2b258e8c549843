package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/dlmanager/internal/logctx"
)

// InUse reports whether the segment directory of a download is still needed.
type InUse func(downloadID string) bool

// DeleteOrphanedSegments removes the per-download segment directories under
// tempDir that no tracked download needs and that were not touched for longer
// than keepDuration. It returns the number of directories removed.
func DeleteOrphanedSegments(ctx context.Context, tempDir string, keepDuration time.Duration, inUse InUse) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read temp dir: %w", err)
	}

	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id := entry.Name()
		if inUse != nil && inUse(id) {
			continue
		}

		dir := filepath.Join(tempDir, id)

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			logger.ErrorContext(ctx, "failed to stat segment directory", "dir", dir, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			logger.ErrorContext(ctx, "failed to delete orphaned segments", "dir", dir, "err", err)

			return removed, err
		}

		removed++

		logger.InfoContext(ctx, "deleted orphaned segments", "download_id", id, "age", now.Sub(info.ModTime()).Round(time.Second).String())
	}

	return removed, nil
}
