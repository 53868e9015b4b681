package download

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/util/buffers"
)

// rename is replaced in tests to simulate a destination that refuses it.
var rename = os.Rename

// moveIntoPlace renames temp to dest, retrying a few times, then falls back
// to copy and delete. On failure it returns temp: the data is complete
// there and the caller may use it as is.
func moveIntoPlace(temp, dest string, retries int, delay time.Duration, logger *logging.Logger) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return temp, fmt.Errorf("failed to create destination directory: %w", err)
	}

	var renameErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if renameErr = rename(temp, dest); renameErr == nil {
			return dest, nil
		}
		logger.Debug().Err(renameErr).Int("attempt", attempt).Msg("Rename into place failed")
		if attempt < retries {
			time.Sleep(delay)
		}
	}

	logger.Warn().Err(renameErr).Msg("Rename failed, copying instead")
	if err := copyThenDelete(temp, dest); err != nil {
		return temp, fmt.Errorf("failed to move %s into place: %w", temp, errors.Join(renameErr, err))
	}
	return dest, nil
}

func copyThenDelete(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open staging file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dest)
		}
	}()

	buf := buffers.GetCopyBuffer()
	defer buffers.Put(buf)
	if _, err = io.CopyBuffer(out, in, *buf); err != nil {
		return fmt.Errorf("failed to copy into destination: %w", err)
	}
	if err = out.Sync(); err != nil {
		return fmt.Errorf("failed to sync destination: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("failed to close destination: %w", err)
	}

	// The destination is complete; a leftover staging file is only litter.
	in.Close()
	os.Remove(src)
	return nil
}
