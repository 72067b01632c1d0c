package mifare

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// BlockStatus is the per-block result of a dump.
type BlockStatus string

const (
	StatusOK        BlockStatus = "OK"
	StatusAuthError BlockStatus = "AUTH_ERROR"
	StatusReadError BlockStatus = "READ_ERROR"
)

// placeholder text shown in place of data for failed blocks
const (
	authErrorText = "AUTH ERROR"
	readErrorText = "READ ERROR"
)

// BlockRecord is one block of a card dump.
type BlockRecord struct {
	Sector    int         `json:"sector"`
	Block     int         `json:"block"`
	AbsBlock  int         `json:"absBlock"`
	Hex       string      `json:"hex"`
	Text      string      `json:"text"`
	Status    BlockStatus `json:"status"`
	IsTrailer bool        `json:"isTrailer"`
	Data      []byte      `json:"-" cbor:"data,omitempty"`
}

// CardSnapshot is a complete dump of one card, in ascending (sector, block)
// order. It is never modified after publication.
type CardSnapshot struct {
	ID                string        `json:"id,omitempty"`
	UID               string        `json:"uid"`
	FullUID           string        `json:"fullUid"`
	Type              string        `json:"type"`
	Size              int           `json:"size"`
	SectorCount       int           `json:"sectorCount"`
	Blocks            []BlockRecord `json:"blocks"`
	SuccessfulSectors int           `json:"successfulSectors"`
	ReadAt            time.Time     `json:"readAt"`
	Digest            string        `json:"digest"`
}

// ReadCard dumps every block of the card. The tag must already be connected.
//
// Sector and block failures are recorded in the snapshot and never stop the
// scan; the only error ReadCard returns is a transport failure.
func ReadCard(tag Tag) (*CardSnapshot, error) {
	uid := NormalizeUID(tag.ID())
	snap := &CardSnapshot{
		UID:         uid,
		FullUID:     uid,
		Type:        tag.Type(),
		Size:        tag.Size(),
		SectorCount: tag.SectorCount(),
		ReadAt:      time.Now().UTC(),
	}

	logging.Debug(logging.CatCard, "Dumping card", map[string]any{
		"uid":     uid,
		"type":    snap.Type,
		"size":    snap.Size,
		"sectors": snap.SectorCount,
	})

	for _, sec := range Layout(snap.SectorCount) {
		auth, err := Authenticate(tag, sec.Index, ReadPriority)
		if err != nil {
			return nil, err
		}

		if !auth.OK {
			logging.Debug(logging.CatCard, "Sector not authenticated", map[string]any{
				"sector": sec.Index,
			})
			for rel := 0; rel < sec.BlockCount; rel++ {
				snap.Blocks = append(snap.Blocks, failedRecord(sec, rel, StatusAuthError))
			}
			continue
		}

		snap.SuccessfulSectors++
		for rel := 0; rel < sec.BlockCount; rel++ {
			abs := sec.AbsoluteBlock(rel)
			data, err := readBlock(tag, abs)
			if err != nil {
				if IsTransport(err) {
					return nil, ioError(err, "reading block %d", abs)
				}
				logging.Debug(logging.CatCard, "Block read failed", map[string]any{
					"block": abs,
					"error": err.Error(),
				})
				snap.Blocks = append(snap.Blocks, failedRecord(sec, rel, StatusReadError))
				continue
			}
			snap.Blocks = append(snap.Blocks, BlockRecord{
				Sector:    sec.Index,
				Block:     rel,
				AbsBlock:  abs,
				Hex:       strings.ToUpper(hex.EncodeToString(data)),
				Text:      asciiPreview(data),
				Status:    StatusOK,
				IsTrailer: sec.IsTrailer(rel),
				Data:      data,
			})
		}
	}

	snap.Digest = snapshotDigest(snap.Blocks)

	logging.Info(logging.CatCard, "Card dumped", map[string]any{
		"uid":               uid,
		"blocks":            len(snap.Blocks),
		"successfulSectors": snap.SuccessfulSectors,
	})
	return snap, nil
}

// readBlock reads one block and returns a private copy of exactly
// BlockSize bytes.
func readBlock(tag Tag, abs int) ([]byte, error) {
	data, err := tag.ReadBlock(abs)
	if err != nil {
		return nil, err
	}
	if len(data) < BlockSize {
		return nil, fmt.Errorf("short read from block %d: %d bytes", abs, len(data))
	}
	return append([]byte(nil), data[:BlockSize]...), nil
}

func failedRecord(sec Sector, rel int, status BlockStatus) BlockRecord {
	text := readErrorText
	if status == StatusAuthError {
		text = authErrorText
	}
	return BlockRecord{
		Sector:    sec.Index,
		Block:     rel,
		AbsBlock:  sec.AbsoluteBlock(rel),
		Hex:       text,
		Text:      text,
		Status:    status,
		IsTrailer: sec.IsTrailer(rel),
	}
}

// asciiPreview maps printable ASCII to itself and everything else to '.'.
func asciiPreview(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b >= 32 && b <= 126 {
			out[i] = b
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

// snapshotDigest fingerprints the block contents so consumers can tell
// whether two dumps of the same card differ.
func snapshotDigest(blocks []BlockRecord) string {
	h := blake3.New()
	for _, b := range blocks {
		h.Write([]byte{byte(b.AbsBlock >> 8), byte(b.AbsBlock)})
		h.Write([]byte(b.Status))
		h.Write(b.Data)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
