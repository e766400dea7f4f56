package maintenance

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/sessiond/internal/legacy"
)

// ArchiveStats is the outcome of one legacy archival run.
type ArchiveStats struct {
	Archived int `json:"archived"`
	Skipped  int `json:"skipped"`
}

// ArchiveLegacy gzips every legacy session file into archiveDir. The
// originals are never deleted; removing them is the operator's explicit
// decision once the migration has been validated. Files already present
// in the archive are skipped, so the run is idempotent.
func ArchiveLegacy(legacyStore *legacy.Store, archiveDir string, logger *slog.Logger) (*ArchiveStats, error) {
	files, err := legacyStore.ListFiles()
	if err != nil {
		return nil, err
	}
	stats := &ArchiveStats{}
	if len(files) == 0 {
		return stats, nil
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", archiveDir, err)
	}

	for _, file := range files {
		dest := filepath.Join(archiveDir, filepath.Base(file)+".gz")
		if _, err := os.Stat(dest); err == nil {
			stats.Skipped++
			continue
		}
		if err := gzipFile(file, dest); err != nil {
			return stats, err
		}
		logger.Info("legacy file archived", "file", file, "archive", dest)
		stats.Archived++
	}
	return stats, nil
}

func gzipFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	staged := dest + ".tmp"
	out, err := os.OpenFile(staged, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", staged, err)
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finish %s: %w", staged, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", staged, err)
	}
	if err := os.Rename(staged, dest); err != nil {
		return fmt.Errorf("promote %s: %w", staged, err)
	}
	return nil
}
