package logx

import (
	"io"
	"os"

	"github.com/promptchain/server/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var DefaultLoggerOpts = &LoggerOpts{
	Environment: core.Development,
}

type LoggerOpts struct {
	Environment core.Environment
	// Level overrides the environment default when it parses as a zerolog level.
	Level string
	// Output defaults to stdout. The MCP stdio server logs to stderr.
	Output io.Writer
}

func safe(otps ...LoggerOpts) *LoggerOpts {
	if len(otps) == 0 {
		return DefaultLoggerOpts
	}
	return &otps[0]
}

func Init(otps ...LoggerOpts) {
	opts := safe(otps...)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	console := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = out })

	level := zerolog.DebugLevel
	switch opts.Environment {
	case core.Production:
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		level = zerolog.InfoLevel
	case core.Testing:
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		level = zerolog.WarnLevel
	default:
		log.Logger = zerolog.New(console).With().Timestamp().Caller().Logger()
	}

	if opts.Level != "" {
		if l, err := zerolog.ParseLevel(opts.Level); err == nil {
			level = l
		}
	}
	log.Logger = log.Logger.Level(level)
}

// Run returns a logger carrying the identifiers of one pipeline run.
func Run(runID, userID string) *zerolog.Logger {
	ctx := log.Logger.With().Str("run_id", runID)
	if userID != "" {
		ctx = ctx.Str("user_id", userID)
	}
	l := ctx.Logger()
	return &l
}

func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Panic() *zerolog.Event {
	return log.Panic()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
