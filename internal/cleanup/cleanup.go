package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/video_acquirer/internal/downloader"
	"github.com/italolelis/video_acquirer/internal/logctx"
)

// DeleteStalePartials removes unfinished downloads under dir that were last
// written more than keepDuration ago. They are left behind when the process
// dies mid-transfer. It returns the number of removed files.
func DeleteStalePartials(ctx context.Context, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	removed := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipDir
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), downloader.PartSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil // already deleted
			}

			return err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete stale partial file", "file", path, "err", err)

			return err
		}

		removed++

		logger.Info("Deleted stale partial file", "file", path)

		return nil
	})

	return removed, err
}
