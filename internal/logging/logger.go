package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New constructs the service logger. Development environments get a console
// writer; everything else emits JSON lines.
func New(appEnv, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, appEnv, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, appEnv, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if isDev(appEnv) && level == "" {
		lvl = zerolog.DebugLevel
	}

	out := w
	if isDev(appEnv) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "image-gateway").
		Logger()
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	}
	return false
}
