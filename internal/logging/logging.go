/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process.
func Setup(environment, level string) zerolog.Logger {
	return SetupWithWriter(environment, level, nil)
}

// SetupWithWriter configures zerolog and tees JSON lines to capture (the log
// buffer) when it is non-nil. Development logs to a console writer, other
// environments log JSON to stdout.
func SetupWithWriter(environment, level string, capture io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.DurationFieldUnit = time.Millisecond

	lvl := zerolog.InfoLevel
	if environment == "development" {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}

	var out io.Writer = os.Stdout
	if environment == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	if capture != nil {
		out = zerolog.MultiLevelWriter(out, capture)
	}

	logger := zerolog.New(out).With().Timestamp().Logger().Level(lvl)
	log.Logger = logger
	return logger
}
