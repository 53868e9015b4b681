// Package logging wraps zerolog for the CLI and for hosts embedding the
// engine.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mode selects the output format.
type Mode string

const (
	// ModeCLI writes human-readable console lines.
	ModeCLI Mode = "cli"
	// ModeJSON writes one zerolog JSON object per line.
	ModeJSON Mode = "json"
)

const timeFormat = "15:04:05"

// Logger is a zerolog.Logger that remembers its mode so its output can be
// redirected, for example through a progress display.
type Logger struct {
	zlog zerolog.Logger
	mode Mode
}

func build(mode Mode, w io.Writer) zerolog.Logger {
	if mode != ModeJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// NewLogger returns a logger writing to stderr, where it does not mix with
// the data commands print on stdout. An unknown mode means ModeCLI.
func NewLogger(mode Mode) *Logger {
	return &Logger{zlog: build(mode, os.Stderr), mode: mode}
}

// NewDefaultCLILogger is NewLogger(ModeCLI).
func NewDefaultCLILogger() *Logger {
	return NewLogger(ModeCLI)
}

// NewNopLogger discards everything. Constructors that are handed a nil
// logger use it.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop(), mode: ModeCLI}
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }

// ForTransfer returns a child logger tagged with the transfer id, locator and
// transfer mode.
func (l *Logger) ForTransfer(transferID, locator, mode string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("transfer", transferID).
			Str("locator", locator).
			Str("mode", mode).
			Logger(),
		mode: l.mode,
	}
}

// SetOutput sends later output to w. Child loggers created earlier keep
// their writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.zlog = build(l.mode, w)
}

// SetGlobalLevel sets the minimum level for every logger.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat})
}
