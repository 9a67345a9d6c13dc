// Package logging configures zerolog with a non-blocking async writer
// and daily file rotation, the same shape the teacher repo uses, with
// the env var renamed for this module and the log directory resolved
// under the XDG state home.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const envLogLevel = "REALTIME_LOG_LEVEL"

var (
	once   sync.Once
	logger zerolog.Logger
)

// Get returns the process-wide logger, building it on first use.
func Get() zerolog.Logger {
	once.Do(func() {
		logger = build()
	})
	return logger
}

// GetLogLevel resolves the configured level from REALTIME_LOG_LEVEL,
// defaulting to info when unset or unparseable.
func GetLogLevel() zerolog.Level {
	raw := os.Getenv(envLogLevel)
	if raw == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func build() zerolog.Logger {
	level := GetLogLevel()

	stateHome, err := realtimeStateHome()
	if err != nil {
		// fall back to stderr only; nothing else to do with the error here
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	logDir := filepath.Join(stateHome, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}

	rotating := newDailyRotatingLogWriter(logDir)
	async := newAsyncWriter(rotating, 1024)

	writer := zerolog.MultiLevelWriter(async, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// dailyRotatingLogWriter opens a new file named realtime-YYYY-MM-DD.log
// whenever the UTC date changes, without buffering writes across the
// rotation boundary.
type dailyRotatingLogWriter struct {
	mu      sync.Mutex
	dir     string
	day     string
	current *os.File
}

func newDailyRotatingLogWriter(dir string) *dailyRotatingLogWriter {
	return &dailyRotatingLogWriter{dir: dir}
}

func (w *dailyRotatingLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := time.Now().UTC().Format("2006-01-02")
	if day != w.day || w.current == nil {
		if w.current != nil {
			w.current.Close()
		}
		path := filepath.Join(w.dir, fmt.Sprintf("realtime-%s.log", day))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		w.current = f
		w.day = day
	}
	return w.current.Write(p)
}

// asyncWriter decouples log producers from file I/O latency: writes are
// queued on a buffered channel and drained by a single goroutine so a
// slow disk never blocks the caller. A full queue drops the line rather
// than blocking, trading durability for the non-blocking guarantee the
// realtime event loop needs.
type asyncWriter struct {
	dest  io.Writer
	lines chan []byte
}

func newAsyncWriter(dest io.Writer, queueLen int) *asyncWriter {
	w := &asyncWriter{dest: dest, lines: make(chan []byte, queueLen)}
	go w.drain()
	return w
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case w.lines <- cp:
	default:
		// queue full: drop rather than block the caller
	}
	return len(p), nil
}

func (w *asyncWriter) drain() {
	for line := range w.lines {
		w.dest.Write(line)
	}
}
