// Package logger configures the global zerolog logger.
package logger

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init wires the global logger. Console output goes to stderr so log lines
// never mix with track listings on stdout; when file is set, entries are
// appended there as JSON instead. verbose lowers the level to debug and
// stamps each entry with its call site.
func Init(verbose bool, file string) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.TimeOnly
	zerolog.CallerMarshalFunc = shortCaller

	var logger zerolog.Logger
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open log file %s", file)
		}
		logger = zerolog.New(f).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.TimeOnly,
		}).With().Timestamp().Logger()
	}
	if verbose {
		logger = logger.With().Caller().Logger()
	}

	zerolog.DefaultContextLogger = &logger
	zlog.Logger = logger
	return nil
}

// shortCaller trims call sites to package/file.go:line.
func shortCaller(_ uintptr, file string, line int) string {
	parts := strings.Split(file, string(filepath.Separator))
	if len(parts) > 1 {
		file = filepath.Join(parts[len(parts)-2:]...)
	} else {
		file = filepath.Base(file)
	}
	return file + ":" + strconv.Itoa(line)
}
