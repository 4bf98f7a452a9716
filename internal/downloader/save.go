package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/video_acquirer/internal/downloader/progress"
	"github.com/italolelis/video_acquirer/internal/logctx"
)

const (
	dirPerm          = 0o755
	progressInterval = int64(100 * 1024 * 1024) // 100MB

	// PartSuffix marks files that are still being written.
	PartSuffix = ".part"
)

// ErrEmptyFile is returned when a stream finished without producing any bytes.
var ErrEmptyFile = errors.New("downloaded file is empty")

// Save streams r into dest. Bytes go to dest+PartSuffix first and are
// renamed into place only when the copy succeeded and produced a non-empty
// file, so dest either does not exist or is complete.
func Save(ctx context.Context, r io.Reader, dest string, totalBytes int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("target", dest)

	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create target directory: %w", err)
	}

	part := dest + PartSuffix

	out, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("failed to create target file: %w", err)
	}

	written, err := copyWithProgress(ctx, out, r, dest, totalBytes)
	if err == nil {
		err = out.Sync()
	}

	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close target file: %w", closeErr)
	}

	if err == nil && written == 0 {
		err = ErrEmptyFile
	}

	if err != nil {
		if rmErr := os.Remove(part); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn("failed to remove partial file", "part", part, "err", rmErr)
		}

		return written, err
	}

	if err := os.Rename(part, dest); err != nil {
		return written, fmt.Errorf("failed to move file into place: %w", err)
	}

	logger.Info("saved file", "size", humanize.Bytes(uint64(written)))

	return written, nil
}

// Promote renames an already complete file into place at dest, removing
// src when it turns out to be empty.
func Promote(src, dest string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("failed to stat downloaded file: %w", err)
	}

	if info.Size() == 0 {
		_ = os.Remove(src)

		return 0, ErrEmptyFile
	}

	if src != dest {
		if err := os.Rename(src, dest); err != nil {
			return 0, fmt.Errorf("failed to move file into place: %w", err)
		}
	}

	return info.Size(), nil
}

func copyWithProgress(ctx context.Context, out io.Writer, r io.Reader, name string, totalBytes int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if totalBytes > 0 {
		logger.Info("downloading file", "file_path", name, "file_size", humanize.Bytes(uint64(totalBytes)))
	} else {
		logger.Info("downloading file", "file_path", name)
	}

	progressCb := func(read, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"file_path", name,
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "file_path", name, "downloaded", humanize.Bytes(uint64(read)))
		}
	}

	pr := progress.NewReader(&contextReader{ctx: ctx, r: r}, totalBytes, progressInterval, progressCb)

	written, err := io.Copy(out, pr)
	if err != nil {
		return written, fmt.Errorf("failed to copy file: %w", err)
	}

	return written, nil
}

// contextReader stops a copy at the next read once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
