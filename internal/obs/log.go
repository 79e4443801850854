package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if v {
		base = base.Level(zerolog.DebugLevel)
	} else {
		base = base.Level(zerolog.InfoLevel)
	}
}

// SetOutput redirects logs to w. Pretty switches to the human console format.
func SetOutput(w io.Writer, pretty bool) {
	mu.Lock()
	defer mu.Unlock()
	lvl := base.GetLevel()
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	base = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

type Fields map[string]any

func logWith(level zerolog.Level, msg string, f Fields) {
	mu.RLock()
	l := base
	mu.RUnlock()
	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	if len(f) > 0 {
		ev = ev.Fields(map[string]any(f))
	}
	ev.Msg(msg)
}

func Info(msg string, f Fields)  { logWith(zerolog.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(zerolog.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(zerolog.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(zerolog.DebugLevel, msg, f) }
