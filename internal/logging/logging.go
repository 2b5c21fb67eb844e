// Package logging configures the process-wide zerolog logger: a
// console+file multi-writer at startup, matching the teacher's inline
// setup in cmd/server/main.go.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init points the global zerolog logger at both stderr (human-readable
// console format) and an append-only log file, and sets the global level
// parsed from levelName ("debug", "info", "warn", "error"; defaults to
// info on an unrecognized value). Returns the opened log file so the
// caller can defer its Close.
func Init(logPath, levelName string) (*os.File, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(levelName)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	multi := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
		logFile,
	)
	log.Logger = log.Output(multi)

	return logFile, nil
}
