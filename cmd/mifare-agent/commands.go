package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/SimplyPrint/mifare-agent/internal/config"
	"github.com/SimplyPrint/mifare-agent/internal/dump"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/mifare"
	"github.com/SimplyPrint/mifare-agent/internal/pcsc"
	"github.com/SimplyPrint/mifare-agent/internal/session"
)

// factory is swapped by tests.
var factory pcsc.ContextFactory = pcsc.DefaultContextFactory{}

// openSession probes the configured reader and returns a manager holding
// the card found there, already dumped once.
func openSession(cfg *config.Config) (*session.Manager, *mifare.CardSnapshot, error) {
	readers, err := pcsc.ListReaders(factory)
	if err != nil {
		return nil, nil, err
	}
	reader, err := pcsc.SelectReader(readers, cfg.Reader, cfg.ReaderIndex)
	if err != nil {
		return nil, nil, err
	}
	tag, err := pcsc.Probe(factory, reader.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", reader.Name, err)
	}

	manager := session.NewManager()
	snap, err := manager.Discover(tag)
	if err != nil {
		return manager, nil, err
	}
	return manager, snap, nil
}

// defaultFormat is text for a terminal and JSON for pipes and files.
func defaultFormat(interactive bool) dump.Format {
	if interactive {
		return dump.FormatText
	}
	return dump.FormatJSON
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runDump(args []string, stdout io.Writer) error {
	var common commonFlags
	var formatName, outPath string
	var compress bool
	flagSet := newFlagSet("dump", &common)
	flagSet.StringVarP(&formatName, "format", "f", "", "output format: text, json or cbor (default: text on a terminal, json otherwise)")
	flagSet.StringVarP(&outPath, "out", "o", "", "write to file instead of stdout")
	flagSet.BoolVar(&compress, "compress", false, "zstd-compress json or cbor output")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	format := defaultFormat(outPath == "" && isTerminal(stdout))
	if formatName != "" {
		f, err := dump.ParseFormat(formatName)
		if err != nil {
			return err
		}
		format = f
	}
	if compress && format == dump.FormatText {
		return fmt.Errorf("--compress needs json or cbor output")
	}

	cfg, err := setup(common)
	if err != nil {
		return err
	}
	defer flushSentry()

	_, snap, err := openSession(cfg)
	if err != nil {
		return err
	}
	return writeDump(stdout, outPath, snap, format, compress)
}

// writeDump encodes snap to outPath, or to stdout when outPath is empty.
func writeDump(stdout io.Writer, outPath string, snap *mifare.CardSnapshot, format dump.Format, compress bool) error {
	var buf bytes.Buffer
	target := io.Writer(&buf)
	if format == dump.FormatText && outPath == "" {
		// styles are resolved against the real output
		target = stdout
	}
	if err := dump.Write(target, snap, format); err != nil {
		return err
	}
	if target == stdout {
		return nil
	}

	data := buf.Bytes()
	if compress {
		data = dump.Compress(data)
	}
	if outPath == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return fmt.Errorf("writing dump: %w", err)
	}
	logging.Info(logging.CatCard, "Dump written", map[string]any{
		"path":   outPath,
		"format": string(format),
		"bytes":  len(data),
	})
	return nil
}

func runWrite(args []string, stdout io.Writer) error {
	var common commonFlags
	var isHex bool
	flagSet := newFlagSet("write", &common)
	flagSet.BoolVar(&isHex, "hex", false, "treat data as hex (whitespace allowed)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("write takes exactly one data argument")
	}
	data := flagSet.Arg(0)

	// catch FORMAT_ERROR and EMPTY_DATA before touching the reader
	enc := mifare.EncodingText
	if isHex {
		enc = mifare.EncodingHex
	}
	if _, err := mifare.DecodePayload(data, enc); err != nil {
		return err
	}

	cfg, err := setup(common)
	if err != nil {
		return err
	}
	defer flushSentry()

	manager, _, err := openSession(cfg)
	if err != nil {
		return err
	}
	out, err := manager.WriteData(data, isHex)
	if err != nil {
		return err
	}
	printWriteOutcome(stdout, out)
	return nil
}

func printWriteOutcome(w io.Writer, out *mifare.WriteOutcome) {
	fmt.Fprintf(w, "Wrote %d of %d bytes to %d blocks\n", out.BytesWritten, out.BytesRequested, out.BlocksWritten)
	if out.Truncated > 0 {
		fmt.Fprintf(w, "Truncated %d bytes that did not fit\n", out.Truncated)
	}
	for _, b := range out.Blocks {
		if !b.Verified {
			sec, rel := mifare.SectorOf(b.Block)
			fmt.Fprintf(w, "Block %d (sector %d, block %d) did not verify\n", b.Block, sec.Index, rel)
		}
	}
}

func runClear(args []string, stdout io.Writer) error {
	var common commonFlags
	var confirm bool
	flagSet := newFlagSet("clear", &common)
	flagSet.BoolVar(&confirm, "confirm", false, "confirm zero-filling every data block")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("clear erases the card; pass --confirm to proceed")
	}

	cfg, err := setup(common)
	if err != nil {
		return err
	}
	defer flushSentry()

	manager, _, err := openSession(cfg)
	if err != nil {
		return err
	}
	out, err := manager.ClearCard()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Cleared %d blocks in %d sectors", out.BlocksCleared, len(out.Sectors))
	if out.BlocksFailed > 0 {
		fmt.Fprintf(stdout, " (%d blocks failed)", out.BlocksFailed)
	}
	fmt.Fprintln(stdout)
	return nil
}

func runReaders(args []string, stdout io.Writer) error {
	var common commonFlags
	flagSet := newFlagSet("readers", &common)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if _, err := setup(common); err != nil {
		return err
	}

	readers, err := pcsc.ListReaders(factory)
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		return pcsc.ErrNoReaders
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tCARD")
	for _, r := range readers {
		card := "-"
		if r.CardPresent {
			card = "present"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Index, r.Name, card)
	}
	return tw.Flush()
}
