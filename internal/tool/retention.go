package tool

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const retentionAge = 7 * 24 * time.Hour

// StartRetention sweeps the spill directory hourly, deleting files
// whose embedded timestamp is older than seven days. It returns a stop
// function.
func StartRetention(logger *slog.Logger, dir string) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tool")

	c := cron.New()
	_, err := c.AddFunc("0 * * * *", func() {
		if n := sweepSpillDir(logger, dir, time.Now()); n > 0 {
			logger.Info("removed expired tool output", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// sweepSpillDir removes expired spill files and returns how many were
// deleted. The retention clock is the unix timestamp embedded in the
// filename, not the file mtime, so copies and restores do not extend
// retention.
func sweepSpillDir(logger *slog.Logger, dir string, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stamp, _, ok := strings.Cut(entry.Name(), "-")
		if !ok {
			continue
		}
		unix, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.Unix(unix, 0)) < retentionAge {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			logger.Warn("failed to remove expired tool output", "file", entry.Name(), "error", err)
			continue
		}
		deleted++
	}
	return deleted
}
