package logging

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText renders the level by name so JSON consumers see "info" rather than 1.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel converts a level name to a Level. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatCard      Category = "card"
	CatSession   Category = "session"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single structured log record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Stats summarizes the contents of the log buffer.
type Stats struct {
	Total      int              `json:"total"`
	Capacity   int              `json:"capacity"`
	Dropped    uint64           `json:"dropped"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Logger keeps the most recent entries in a fixed-size ring buffer and
// mirrors everything at or above its level to the standard logger.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	dropped  uint64
	minLevel Level
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// New creates a logger holding at most size entries.
func New(size int, minLevel Level) *Logger {
	if size <= 0 {
		size = 1000
	}
	return &Logger{
		entries:  make([]Entry, size),
		minLevel: minLevel,
	}
}

// Init replaces the process-wide logger.
func Init(size int, minLevel Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = New(size, minLevel)
}

// Get returns the process-wide logger, creating a default one on first use.
func Get() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(1000, LevelInfo)
	}
	return global
}

// Log records an entry. Entries below the logger's level are kept in the
// buffer but not echoed to stderr.
func (l *Logger) Log(level Level, category Category, message string, data map[string]any) {
	entry := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: category,
		Message:  message,
		Data:     data,
	}

	l.mu.Lock()
	if l.full {
		l.dropped++
	}
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	minLevel := l.minLevel
	l.mu.Unlock()

	if level >= minLevel {
		log.Printf("[%s] %s: %s%s", level, category, message, formatData(data))
	}
}

// GetEntries returns up to limit entries, newest first, optionally filtered
// by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.next
	if l.full {
		count = len(l.entries)
	}

	result := make([]Entry, 0, min(limit, count))
	for i := 0; i < count && len(result) < limit; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		e := l.entries[idx]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Stats reports buffer occupancy and per-level / per-category counts.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.next
	if l.full {
		count = len(l.entries)
	}
	s := Stats{
		Total:      count,
		Capacity:   len(l.entries),
		Dropped:    l.dropped,
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for i := 0; i < count; i++ {
		e := l.entries[i]
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops all buffered entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
	l.dropped = 0
}

func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, data[k])
	}
	return b.String()
}

func Debug(category Category, message string, data map[string]any) {
	Get().Log(LevelDebug, category, message, data)
}

func Info(category Category, message string, data map[string]any) {
	Get().Log(LevelInfo, category, message, data)
}

func Warn(category Category, message string, data map[string]any) {
	Get().Log(LevelWarn, category, message, data)
}

func Error(category Category, message string, data map[string]any) {
	Get().Log(LevelError, category, message, data)
}
