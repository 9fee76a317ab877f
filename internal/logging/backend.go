// Package logging routes the subsystem loggers to stderr and an optional
// rotated log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags.
const (
	SubsysFence     = "FNCE"
	SubsysReconcile = "RCNL"
	SubsysHistory   = "HIST"
	SubsysSend      = "SEND"
	SubsysFanOut    = "FOUT"
	SubsysPipe      = "WSCK"
	SubsysStore     = "STOR"
)

const maxLogFiles = 10

// Backend hands out one logger per subsystem. Levels come from a debug
// level string of the form "info" or "debug,SEND=trace,WSCK=warn".
type Backend struct {
	out          io.Writer
	logRotator   *rotator.Rotator
	bknd         *slog.Backend
	defaultLevel slog.Level
	levels       map[string]slog.Level

	mu      sync.Mutex
	loggers map[string]slog.Logger
}

// New creates a backend writing to out and, when logFile is set, to a
// rotated file.
func New(out io.Writer, logFile, debugLevel string) (*Backend, error) {
	b := &Backend{
		out:          out,
		defaultLevel: slog.LevelInfo,
		levels:       make(map[string]slog.Level),
		loggers:      make(map[string]slog.Logger),
	}
	for _, v := range strings.Split(debugLevel, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		fields := strings.Split(v, "=")
		switch len(fields) {
		case 1:
			level, ok := slog.LevelFromString(fields[0])
			if !ok {
				return nil, fmt.Errorf("logging: unknown level %q", fields[0])
			}
			b.defaultLevel = level
		case 2:
			level, ok := slog.LevelFromString(fields[1])
			if !ok {
				return nil, fmt.Errorf("logging: unknown level %q for %s", fields[1], fields[0])
			}
			b.levels[fields[0]] = level
		default:
			return nil, fmt.Errorf("logging: unable to parse %q as subsys=level", v)
		}
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
			return nil, fmt.Errorf("logging: create log directory: %w", err)
		}
		r, err := rotator.New(logFile, 1024, false, maxLogFiles)
		if err != nil {
			return nil, fmt.Errorf("logging: create file rotator: %w", err)
		}
		b.logRotator = r
	}
	b.bknd = slog.NewBackend(b)
	return b, nil
}

func (b *Backend) Write(p []byte) (int, error) {
	if b.out != nil {
		b.out.Write(p)
	}
	if b.logRotator != nil {
		b.logRotator.Write(p)
	}
	return len(p), nil
}

// Logger returns the logger for subsys, creating it on first use.
func (b *Backend) Logger(subsys string) slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.loggers[subsys]; ok {
		return l
	}
	l := b.bknd.Logger(subsys)
	if level, ok := b.levels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(b.defaultLevel)
	}
	b.loggers[subsys] = l
	return l
}

// Close flushes and closes the log file, if any.
func (b *Backend) Close() error {
	if b.logRotator == nil {
		return nil
	}
	return b.logRotator.Close()
}
