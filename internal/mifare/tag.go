package mifare

import (
	"encoding/hex"
	"strings"
)

// Tag is a handle to one MIFARE Classic card on the reader.
//
// Connect and Close bracket a session; every other call is only valid in
// between. Authentication state persists until the next authenticate call
// or Close. A false return from an authenticate call means the key did not
// match; an error wrapping ErrTransport means the channel is gone.
type Tag interface {
	Connect() error
	Close() error

	AuthenticateSectorWithKeyA(sector int, key Key) (bool, error)
	AuthenticateSectorWithKeyB(sector int, key Key) (bool, error)

	// ReadBlock returns the 16 bytes at an absolute block address.
	ReadBlock(block int) ([]byte, error)
	// WriteBlock writes exactly 16 bytes to an absolute block address.
	WriteBlock(block int, data []byte) error

	ID() []byte
	Type() string
	Size() int
	SectorCount() int
}

// NormalizeUID renders a raw tag ID as uppercase hex, keeping at most the
// first 7 bytes (the longest single-size Classic UID).
func NormalizeUID(id []byte) string {
	if len(id) >= 7 {
		id = id[:7]
	}
	return strings.ToUpper(hex.EncodeToString(id))
}
