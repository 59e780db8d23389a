// Package logging is the one piece of process-wide state in this module: a
// debug log sink, kept behind a small init/teardown interface so nothing
// else has to thread a logger through every call (see spec §9, "Global
// state").
package logging

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

var (
	mu      sync.Mutex
	sink    atomic.Pointer[slog.Logger]
)

func init() {
	sink.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

// Init installs l as the process-wide sink. Safe to call more than once;
// the most recent call wins.
func Init(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sink.Store(l)
}

// Teardown restores the default stderr sink. Mostly useful in tests that
// install a capturing logger for one case.
func Teardown() {
	mu.Lock()
	defer mu.Unlock()
	sink.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

// Get returns the current process-wide sink.
func Get() *slog.Logger {
	return sink.Load()
}

// With returns a child logger with the given attributes, grounded on the
// current sink.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
