package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Capture collects slog records so tests can assert on what was logged.
// Install with CaptureForTest, restore with Restore.
type Capture struct {
	mu        sync.Mutex
	records   []slog.Record
	prev      *slog.Logger
	prevLevel slog.Level
}

// CaptureForTest swaps the global default logger for a capturing one and
// drops the level to Debug so nothing is filtered. Callers must Restore
// (typically via defer or t.Cleanup).
func CaptureForTest() *Capture {
	c := &Capture{
		prev:      slog.Default(),
		prevLevel: level.Level(),
	}
	slog.SetDefault(slog.New(captureHandler{c}))
	SetLevel(slog.LevelDebug)
	return c
}

// Restore reinstates the logger and level that were active before capture.
func (c *Capture) Restore() {
	slog.SetDefault(c.prev)
	level.Set(c.prevLevel)
}

// Has reports whether a record at the given level contains msgSubstring.
func (c *Capture) Has(l slog.Level, msgSubstring string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.Level == l && strings.Contains(r.Message, msgSubstring) {
			return true
		}
	}
	return false
}

// Count returns how many records were captured at the given level.
func (c *Capture) Count(l slog.Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if r.Level == l {
			n++
		}
	}
	return n
}

type captureHandler struct {
	c *Capture
}

func (h captureHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.records = append(h.c.records, r)
	return nil
}

func (h captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h captureHandler) WithGroup(string) slog.Handler { return h }
