package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// SentryOptions controls crash reporting. Reporting is opt-in: it runs only
// when Enabled is set (from settings or config) and a DSN is available.
type SentryOptions struct {
	Enabled     bool
	DSN         string
	Environment string
	Release     string
}

// InitSentry initializes Sentry. MIFARE_AGENT_SENTRY=1/0 forces reporting
// on or off and MIFARE_AGENT_SENTRY_DSN overrides the DSN.
// Returns true if Sentry was successfully initialized.
func InitSentry(opts SentryOptions) bool {
	switch os.Getenv("MIFARE_AGENT_SENTRY") {
	case "1":
		opts.Enabled = true
	case "0":
		opts.Enabled = false
	}
	if dsn := os.Getenv("MIFARE_AGENT_SENTRY_DSN"); dsn != "" {
		opts.DSN = dsn
	}
	if !opts.Enabled || opts.DSN == "" {
		return false
	}
	if opts.Environment == "" {
		opts.Environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Release:          "mifare-agent@" + opts.Release,
		Environment:      opts.Environment,
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled = true
	return true
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry flushes buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic sends a recovered panic to Sentry along with the stack trace.
func CapturePanic(panicValue any, stack []byte, context string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		switch v := panicValue.(type) {
		case error:
			sentry.CaptureException(v)
		default:
			sentry.CaptureMessage(fmt.Sprintf("%v", v))
		}
	})

	// the process may be about to die
	sentry.Flush(2 * time.Second)
}

// CaptureError sends an operation-level error to Sentry.
func CaptureError(err error, context string, data map[string]any) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", context)
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
