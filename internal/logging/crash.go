package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

const (
	// MaxCrashLogs is the maximum number of crash logs to keep
	MaxCrashLogs = 20
	// CrashLogMaxAge is the maximum age of crash logs before cleanup
	CrashLogMaxAge = 30 * 24 * time.Hour
)

const (
	crashPrefix = "crash_"
	crashSuffix = ".log"
)

// CrashLogInfo contains metadata about a crash log file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// CrashLogDir returns the directory for crash logs based on the platform.
func CrashLogDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "MIFARE-Agent")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = home
		}
		return filepath.Join(base, "MIFARE-Agent", "logs")
	default:
		return filepath.Join(home, ".local", "share", "mifare-agent", "logs")
	}
}

// WriteCrashLog writes a crash report to a timestamped file in CrashLogDir
// and returns its path. Old reports are pruned in the background.
func WriteCrashLog(panicValue any, stack []byte) (string, error) {
	dir := CrashLogDir()
	path, err := writeCrashLogTo(dir, time.Now(), panicValue, stack)
	if err != nil {
		return "", err
	}
	go cleanupCrashLogsInDir(dir)
	return path, nil
}

func writeCrashLogTo(dir string, now time.Time, panicValue any, stack []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	name := crashPrefix + now.Format("2006-01-02_15-04-05") + crashSuffix
	path := filepath.Join(dir, name)

	var b strings.Builder
	b.WriteString("MIFARE Agent Crash Report\n")
	b.WriteString("=========================\n")
	fmt.Fprintf(&b, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "OS/Arch: %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Panic Value:\n%v\n\n", panicValue)
	fmt.Fprintf(&b, "Stack Trace:\n%s\n\n", stack)
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(&b, "Build Info:\n%s\n", info)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}
	return path, nil
}

// RecoverAndLog recovers from a panic, records it, and optionally re-panics.
// Use as: defer logging.RecoverAndLog("watcher", false)
func RecoverAndLog(context string, rePanic bool) {
	if r := recover(); r != nil {
		HandlePanic(context, r, debug.Stack())
		if rePanic {
			panic(r)
		}
	}
}

// HandlePanic reports an already-recovered panic to Sentry, the in-memory
// log, a crash file and stderr. It returns the crash file path, or "" if
// the file could not be written.
func HandlePanic(context string, r any, stack []byte) string {
	CapturePanic(r, stack, context)

	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", context, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})

	crashFile, err := WriteCrashLog(r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}

	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, r, stack)
	return crashFile
}

// GetCrashLogs returns up to limit crash logs, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	return listCrashLogs(CrashLogDir(), limit)
}

func listCrashLogs(dir string, limit int) ([]CrashLogInfo, error) {
	entries, err := crashEntries(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	for i := len(entries) - 1; i >= 0 && len(logs) < limit; i-- {
		info, err := entries[i].Info()
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    entries[i].Name(),
			Path:    filepath.Join(dir, entries[i].Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog reads the contents of a crash log file by name.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename {
		return "", fmt.Errorf("invalid filename")
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// crashEntries lists crash_*.log files in dir sorted oldest first. The
// timestamp in the name makes lexical order chronological.
func crashEntries(dir string) ([]os.DirEntry, error) {
	all, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []os.DirEntry
	for _, e := range all {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), crashPrefix) && strings.HasSuffix(e.Name(), crashSuffix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// cleanupCrashLogsInDir keeps at most MaxCrashLogs reports and removes any
// older than CrashLogMaxAge.
func cleanupCrashLogsInDir(dir string) {
	entries, err := crashEntries(dir)
	if err != nil {
		return
	}

	now := time.Now()
	for i, e := range entries {
		remove := len(entries)-i > MaxCrashLogs
		if info, err := e.Info(); err == nil && now.Sub(info.ModTime()) > CrashLogMaxAge {
			remove = true
		}
		if remove {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
