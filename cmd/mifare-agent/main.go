// Command mifare-agent is a local MIFARE Classic reader service. By default
// it serves the card on the selected PC/SC reader over HTTP and WebSocket;
// the dump, write, clear and readers commands work on the card directly.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/SimplyPrint/mifare-agent/internal/api"
	"github.com/SimplyPrint/mifare-agent/internal/config"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/settings"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches to a command. A leading flag means "serve".
func run(args []string, stdout io.Writer) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	if len(args) > 0 && args[0] == "--version" {
		command = "version"
	}

	switch command {
	case "serve":
		return runServe(args)
	case "dump":
		return runDump(args, stdout)
	case "write":
		return runWrite(args, stdout)
	case "clear":
		return runClear(args, stdout)
	case "readers":
		return runReaders(args, stdout)
	case "version":
		printVersion(stdout)
		return nil
	case "help":
		printUsage(stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "mifare-agent %s\n", api.Version)
	fmt.Fprintf(w, "Build time: %s\n", api.BuildTime)
	fmt.Fprintf(w, "Git commit: %s\n", api.GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `MIFARE Agent - Local MIFARE Classic card reader service

Usage:
  mifare-agent [serve] [--no-tray] [--config file]
  mifare-agent dump [--format text|json|cbor] [--out file] [--compress]
  mifare-agent write <data> [--hex]
  mifare-agent clear --confirm
  mifare-agent readers
  mifare-agent version

Every command accepts --config, --settings, --reader and --reader-index.

Environment variables:
  MIFARE_AGENT_HOST      Host to bind to (default: 127.0.0.1)
  MIFARE_AGENT_PORT      Port to listen on (default: 32145)
  MIFARE_AGENT_READER    Reader name or substring to use
  MIFARE_AGENT_POLL_MS   Card presence poll interval in milliseconds
`)
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath   string
	settingsPath string
	reader       string
	readerIndex  int
}

func newFlagSet(name string, common *commonFlags) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVar(&common.configPath, "config", "", "path to config.yaml (default: "+config.DefaultPath()+")")
	flagSet.StringVar(&common.settingsPath, "settings", "", "path to settings.json (default: per-user config directory)")
	flagSet.StringVar(&common.reader, "reader", "", "reader name or case-insensitive substring")
	flagSet.IntVar(&common.readerIndex, "reader-index", -1, "reader index from 'mifare-agent readers'")
	return flagSet
}

// setup loads configuration, applies flag overrides and starts logging and
// crash reporting.
func setup(common commonFlags) (*config.Config, error) {
	cfg, err := config.Load(common.configPath)
	if err != nil {
		return nil, err
	}
	if common.settingsPath != "" {
		settings.SetPath(common.settingsPath)
	}
	if common.reader != "" {
		cfg.Reader = common.reader
	}
	if common.readerIndex >= 0 {
		cfg.ReaderIndex = common.readerIndex
	}
	if cfg.Reader == "" {
		cfg.Reader = settings.Get().PreferredReader
	}

	logging.Init(cfg.LogBuffer, logging.ParseLevel(cfg.LogLevel))

	if logging.InitSentry(logging.SentryOptions{
		Enabled:     cfg.Sentry.Enabled || settings.IsCrashReportingEnabled(),
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     api.Version,
	}) {
		logging.Info(logging.CatSystem, "Crash reporting enabled", nil)
	}
	return cfg, nil
}

func flushSentry() {
	logging.FlushSentry(2 * time.Second)
}
