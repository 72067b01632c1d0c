// Package dump renders card snapshots for files and terminals.
//
// JSON matches what the API serves. CBOR uses Core Deterministic Encoding
// so two dumps of an unchanged card are byte-identical, and carries the raw
// block bytes the JSON form omits. Either binary form can be zstd-compressed.
package dump

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/SimplyPrint/mifare-agent/internal/mifare"
)

// Format selects a snapshot encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// Formats lists the accepted format names.
var Formats = []Format{FormatText, FormatJSON, FormatCBOR}

// ParseFormat resolves a format name, case-insensitively.
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown dump format %q (want text, json or cbor)", name)
}

// Write encodes snap to w.
func Write(w io.Writer, snap *mifare.CardSnapshot, f Format) error {
	if snap == nil {
		return fmt.Errorf("no snapshot to write")
	}
	switch f {
	case FormatText:
		return WriteText(w, snap)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case FormatCBOR:
		data, err := Marshal(snap)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported dump format %q", f)
	}
}

// Read decodes a JSON or CBOR snapshot, compressed or not. Text dumps are
// one-way.
func Read(r io.Reader, f Format) (*mifare.CardSnapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data, err = Decompress(data)
	if err != nil {
		return nil, err
	}

	var snap mifare.CardSnapshot
	switch f {
	case FormatJSON:
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decoding json dump: %w", err)
		}
	case FormatCBOR:
		if err := Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decoding cbor dump: %w", err)
		}
	default:
		return nil, fmt.Errorf("cannot read %s dumps", f)
	}
	return &snap, nil
}
