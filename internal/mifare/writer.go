package mifare

import (
	"bytes"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// Encoding says how a WriteRequest's Data string maps to bytes.
type Encoding string

const (
	EncodingText Encoding = "text"
	EncodingHex  Encoding = "hex"
)

// WriteRequest is a payload as received from a caller.
type WriteRequest struct {
	Data     string   `json:"data"`
	Encoding Encoding `json:"encoding"`
}

// BlockVerification records the readback check for one written block.
type BlockVerification struct {
	Block    int  `json:"block"`
	Verified bool `json:"verified"`
}

// WriteOutcome summarizes a payload write. BytesWritten may be less than
// BytesRequested when the payload was truncated or sectors were skipped.
type WriteOutcome struct {
	BytesRequested int                 `json:"bytesRequested"`
	BytesWritten   int                 `json:"bytesWritten"`
	BlocksWritten  int                 `json:"blocksWritten"`
	Truncated      int                 `json:"truncated"`
	Blocks         []BlockVerification `json:"blocks"`
}

// ClearOutcome summarizes a zero-fill of the card's data area.
type ClearOutcome struct {
	BlocksCleared int   `json:"blocksCleared"`
	BlocksFailed  int   `json:"blocksFailed"`
	Sectors       []int `json:"sectors"`
}

var hexPayload = regexp.MustCompile(`^[0-9A-F]+$`)

// Decode converts the request to raw bytes. See DecodePayload.
func (r WriteRequest) Decode() ([]byte, error) {
	return DecodePayload(r.Data, r.Encoding)
}

// DecodePayload turns caller input into payload bytes. Hex input may
// contain whitespace and lowercase digits; text is taken as UTF-8.
func DecodePayload(data string, enc Encoding) ([]byte, error) {
	var out []byte
	if enc == EncodingHex {
		clean := strings.ToUpper(strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, data))
		if !hexPayload.MatchString(clean) {
			return nil, NewError(CodeFormat, nil, "invalid hex characters; use only 0-9, A-F")
		}
		if len(clean)%2 != 0 {
			return nil, NewError(CodeFormat, nil, "invalid hex string length; must be an even number of characters")
		}
		decoded, err := hex.DecodeString(clean)
		if err != nil {
			return nil, NewError(CodeFormat, err, "invalid hex format")
		}
		out = decoded
	} else {
		out = []byte(data)
	}

	if len(out) == 0 {
		return nil, NewError(CodeEmptyData, nil, "no data to write")
	}
	return out, nil
}

// WritePayload spreads payload across the data blocks of sectors 1 and up,
// verifying each block by reading it back. The tag must be connected.
//
// The payload is silently truncated to PayloadCeiling. Sectors that refuse
// every write-priority key are skipped. A verification mismatch is recorded
// but does not stop the write. The call fails with WRITE_FAILURE only if no
// byte at all could be placed.
func WritePayload(tag Tag, payload []byte) (*WriteOutcome, error) {
	sectorCount := tag.SectorCount()
	data := payload
	if ceiling := PayloadCeiling(sectorCount); len(data) > ceiling {
		logging.Info(logging.CatCard, "Payload truncated", map[string]any{
			"requested": len(payload),
			"ceiling":   ceiling,
		})
		data = data[:ceiling]
	}

	out := &WriteOutcome{
		BytesRequested: len(payload),
		Truncated:      len(payload) - len(data),
		Blocks:         []BlockVerification{},
	}

	offset := 0
	for s := 1; s < sectorCount && offset < len(data); s++ {
		auth, err := Authenticate(tag, s, WritePriority)
		if err != nil {
			return out, err
		}
		if !auth.OK {
			logging.Debug(logging.CatCard, "Skipping sector, no write key accepted", map[string]any{
				"sector": s,
			})
			continue
		}

		sec := SectorAt(s)
		for rel := 0; rel < sec.DataBlockCount() && offset < len(data); rel++ {
			abs := sec.AbsoluteBlock(rel)
			buf := make([]byte, BlockSize)
			n := copy(buf, data[offset:])

			verified, err := writeAndVerify(tag, abs, buf)
			if err != nil {
				if IsTransport(err) {
					return out, ioError(err, "writing block %d", abs)
				}
				// the chunk is retried at the next data block
				logging.Debug(logging.CatCard, "Block write failed", map[string]any{
					"block": abs,
					"error": err.Error(),
				})
				continue
			}

			offset += n
			out.BytesWritten += n
			out.BlocksWritten++
			out.Blocks = append(out.Blocks, BlockVerification{Block: abs, Verified: verified})
		}
	}

	if out.BytesWritten == 0 {
		return out, NewError(CodeWriteFailure, nil, "could not write any data; card may be locked or authentication failed")
	}
	if out.BytesWritten < len(data) {
		logging.Warn(logging.CatCard, "Partial write", map[string]any{
			"written":   out.BytesWritten,
			"requested": len(data),
		})
	}
	return out, nil
}

// ClearCard zero-fills every data block of sectors 1 and up. The tag must be
// connected. It fails with WRITE_FAILURE if no block could be cleared.
func ClearCard(tag Tag) (*ClearOutcome, error) {
	zero := make([]byte, BlockSize)
	out := &ClearOutcome{Sectors: []int{}}

	for s := 1; s < tag.SectorCount(); s++ {
		sec := SectorAt(s)
		auth, err := Authenticate(tag, s, WritePriority)
		if err != nil {
			return out, err
		}
		if !auth.OK {
			out.BlocksFailed += sec.DataBlockCount()
			continue
		}

		for rel := 0; rel < sec.DataBlockCount(); rel++ {
			abs := sec.AbsoluteBlock(rel)
			verified, err := writeAndVerify(tag, abs, zero)
			if err != nil && IsTransport(err) {
				return out, ioError(err, "clearing block %d", abs)
			}
			if err != nil || !verified {
				out.BlocksFailed++
				continue
			}
			out.BlocksCleared++
		}
		out.Sectors = append(out.Sectors, s)
	}

	if out.BlocksCleared == 0 {
		return out, NewError(CodeWriteFailure, nil, "could not clear any blocks; card may be locked or use different keys")
	}
	return out, nil
}

// writeAndVerify writes buf to block abs and reads it back. An error means
// the block cannot be counted as written; a false result means it was
// written but the readback differed.
func writeAndVerify(tag Tag, abs int, buf []byte) (bool, error) {
	if err := tag.WriteBlock(abs, buf); err != nil {
		return false, err
	}
	got, err := tag.ReadBlock(abs)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(got, buf) {
		logging.Warn(logging.CatCard, "Verification failed", map[string]any{
			"block":    abs,
			"expected": hex.EncodeToString(buf),
			"got":      hex.EncodeToString(got),
		})
		return false, nil
	}
	return true, nil
}
