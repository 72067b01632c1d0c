package mifare

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the length of a MIFARE Classic sector key (48 bits).
const KeySize = 6

// Key is a 6-byte Key A or Key B value.
type Key [KeySize]byte

// String renders the key as uppercase hex, e.g. "FFFFFFFFFFFF".
func (k Key) String() string {
	return strings.ToUpper(hex.EncodeToString(k[:]))
}

// MarshalText lets keys appear as hex strings in JSON and CBOR output.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKey parses a 12-character hex string into a Key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) != KeySize {
		return k, fmt.Errorf("invalid key %q (must be 12 hex characters)", s)
	}
	copy(k[:], b)
	return k, nil
}

// Well-known keys.
var (
	KeyTransport = Key{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF} // factory default
	KeyMAD       = Key{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5} // MAD sector key A
	KeyNFCForum  = Key{0xD3, 0xF7, 0xD3, 0xF7, 0xD3, 0xF7} // NFC Forum public key A
	KeyZero      = Key{}
)

// KeyPolicy is an ordered candidate key list; earlier keys are tried first.
type KeyPolicy []Key

var (
	// ReadPriority favors factory-fresh cards.
	ReadPriority = KeyPolicy{KeyTransport, KeyMAD, KeyNFCForum, KeyZero}

	// WritePriority favors NFC Forum formatted cards, whose data sectors
	// typically only grant write access to the D3F7 key.
	WritePriority = KeyPolicy{KeyNFCForum, KeyTransport, KeyMAD, KeyZero}
)

// KeySlot selects Key A or Key B. The values are the PC/SC general
// authenticate key-type bytes.
type KeySlot byte

const (
	KeyA KeySlot = 0x60
	KeyB KeySlot = 0x61
)

func (s KeySlot) String() string {
	switch s {
	case KeyA:
		return "A"
	case KeyB:
		return "B"
	default:
		return fmt.Sprintf("KeySlot(0x%02X)", byte(s))
	}
}

// MarshalText renders the slot as "A" or "B".
func (s KeySlot) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
