// Package init sets process-wide defaults before any other packages initialize.
// Import this package with a blank identifier as the first import so the
// defaults are in place before package-level loggers are created.
package init

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	// GVFS_LOG_LEVEL overrides the default info level
	level := zerolog.InfoLevel
	if v := os.Getenv("GVFS_LOG_LEVEL"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			level = l
		}
	}
	zerolog.SetGlobalLevel(level)
}
