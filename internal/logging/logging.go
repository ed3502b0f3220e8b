// Package logging configures the global zerolog logger used by the
// natstunnel command and its tests.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var stderr = struct{ io.Writer }{os.Stderr}

type tTesting interface {
	Log(args ...interface{})
	Logf(format string, args ...interface{})
	Helper()
	Cleanup(f func())
}

// Configure sets the global log level and output format. Format is
// "console" for human-readable output or "json". Logs go to stderr, since
// stdout may be carrying tunnel data.
func Configure(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	switch format {
	case "json":
		configureLogging(stderr)
	case "console", "":
		configureLogging(consoleWriter())
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// ConfigureTestLogging allows logs to be associated with individual tests
func ConfigureTestLogging(t tTesting) {
	oldLogger := log.Logger
	oldContextLogger := zerolog.DefaultContextLogger
	configureLogging(consoleWriter(zerolog.ConsoleTestWriter(t)))
	t.Cleanup(func() {
		log.Logger = oldLogger
		zerolog.DefaultContextLogger = oldContextLogger
	})
}

func consoleWriter(loggingOptions ...func(w *zerolog.ConsoleWriter)) io.Writer {
	isTerminal := isatty.IsTerminal(os.Stderr.Fd())

	defaultLogging := func(w *zerolog.ConsoleWriter) {
		w.Out = stderr
		w.NoColor = !isTerminal
		w.TimeFormat = "15:04:05.999 |"
		w.PartsOrder = []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.CallerFieldName,
			zerolog.MessageFieldName,
		}
	}

	loggingOptions = append([]func(w *zerolog.ConsoleWriter){defaultLogging}, loggingOptions...)
	return zerolog.NewConsoleWriter(loggingOptions...)
}

func configureLogging(w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		short := file
		separatorCount := 2
		countedSeparators := 0
		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				countedSeparators++
				if countedSeparators >= separatorCount {
					short = file[i+1:]
					break
				}
			}
		}
		return short + ":" + strconv.Itoa(line)
	}

	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
	// Library code logs through log.Ctx, which falls back to this logger for
	// contexts that carry none.
	zerolog.DefaultContextLogger = &log.Logger
}
