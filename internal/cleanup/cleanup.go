// Package cleanup removes partial download directories whose transfers are
// no longer tracked by the resume registry.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/openrcs/ftengine/internal/logctx"
	"github.com/openrcs/ftengine/internal/storage"
)

// DeleteOrphanedPartials deletes per-transfer directories under dir that are
// older than keepDuration and have no resume record. Directories backed by a
// record stay untouched no matter their age; those transfers can still be
// resumed.
func DeleteOrphanedPartials(ctx context.Context, records []*storage.ResumeRecord, dir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	tracked := make(map[string]struct{}, len(records))
	for _, rec := range records {
		tracked[rec.TransferID] = struct{}{}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if _, ok := tracked[entry.Name()]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Error("failed to stat partial directory", "dir", entry.Name(), "err", err)

			continue
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Error("failed to delete orphaned partial", "dir", path, "err", err)

			return err
		}

		logger.Info("deleted orphaned partial download", "dir", path)
	}

	return nil
}
