// Package mifaretest provides an in-memory MIFARE Classic card for tests.
package mifaretest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/SimplyPrint/mifare-agent/internal/mifare"
)

// DefaultTrailer is a factory sector trailer: transport keys with
// FF 07 80 69 access bits.
var DefaultTrailer = []byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0x07, 0x80, 0x69,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// unknownKey is a key that appears in no candidate list.
var unknownKey = mifare.Key{0x13, 0x37, 0xC0, 0xFF, 0xEE, 0x42}

// Attempt records one authentication call.
type Attempt struct {
	Sector int
	Slot   mifare.KeySlot
	Key    mifare.Key
}

type sectorKeys struct {
	a, b mifare.Key
}

// Card simulates a Classic card. The zero value is unusable; use New1K,
// New4K or New.
type Card struct {
	mu sync.Mutex

	id      []byte
	typ     string
	size    int
	sectors int

	blocks   map[int][]byte
	keys     map[int]sectorKeys
	authErr  map[int]bool
	readErr  map[int]bool
	writeErr map[int]bool
	corrupt  map[int]bool

	connected   bool
	authSector  int
	transportAt int
	ops         int
	connectErr  error
	Connects    int
	Closes      int
	Attempts    []Attempt
	Writes      []int
}

// New returns a blank card with every sector keyed to the transport key.
func New(id []byte, typ string, size, sectors int) *Card {
	c := &Card{
		id:          append([]byte(nil), id...),
		typ:         typ,
		size:        size,
		sectors:     sectors,
		blocks:      make(map[int][]byte),
		keys:        make(map[int]sectorKeys),
		authErr:     make(map[int]bool),
		readErr:     make(map[int]bool),
		writeErr:    make(map[int]bool),
		corrupt:     make(map[int]bool),
		authSector:  -1,
		transportAt: -1,
	}
	for _, sec := range mifare.Layout(sectors) {
		c.keys[sec.Index] = sectorKeys{a: mifare.KeyTransport, b: mifare.KeyTransport}
		for rel := 0; rel < sec.BlockCount; rel++ {
			abs := sec.AbsoluteBlock(rel)
			if sec.IsTrailer(rel) {
				c.blocks[abs] = append([]byte(nil), DefaultTrailer...)
			} else {
				c.blocks[abs] = make([]byte, mifare.BlockSize)
			}
		}
	}
	c.blocks[0] = append(append([]byte(nil), c.id...), make([]byte, mifare.BlockSize)...)[:mifare.BlockSize]
	return c
}

// New1K returns a 16-sector card with a 4-byte UID.
func New1K() *Card {
	return New([]byte{0x93, 0x2B, 0xAE, 0x0E}, "MIFARE Classic 1K", 1024, 16)
}

// New4K returns a 40-sector card with a 7-byte UID.
func New4K() *Card {
	return New([]byte{0x04, 0x63, 0x5D, 0x6B, 0xC2, 0x2A, 0x81}, "MIFARE Classic 4K", 4096, 40)
}

// WithKeys sets the Key A and Key B accepted by sector.
func (c *Card) WithKeys(sector int, a, b mifare.Key) *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[sector] = sectorKeys{a: a, b: b}
	return c
}

// Lock makes sector refuse every candidate key under both slots.
func (c *Card) Lock(sector int) *Card {
	return c.WithKeys(sector, unknownKey, unknownKey)
}

// WithAuthError makes every authentication attempt on sector fail with a
// non-transport error.
func (c *Card) WithAuthError(sector int) *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authErr[sector] = true
	return c
}

// WithReadError makes reads of block fail.
func (c *Card) WithReadError(block int) *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr[block] = true
	return c
}

// WithWriteError makes writes to block fail.
func (c *Card) WithWriteError(block int) *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr[block] = true
	return c
}

// WithCorruptWrite makes writes to block store different bytes than sent.
func (c *Card) WithCorruptWrite(block int) *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrupt[block] = true
	return c
}

// WithConnectError makes Connect fail with err.
func (c *Card) WithConnectError(err error) *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
	return c
}

// FailTransportAfter makes every card operation after the first n fail
// with mifare.ErrTransport, as if the card left the field.
func (c *Card) FailTransportAfter(n int) *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transportAt = n
	return c
}

// SetBlock overwrites a block directly.
func (c *Card) SetBlock(block int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, mifare.BlockSize)
	copy(buf, data)
	c.blocks[block] = buf
}

// Block returns a copy of a block's contents.
func (c *Card) Block(block int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.blocks[block]...)
}

// Connected reports whether a session is currently open.
func (c *Card) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Ops is the number of card operations performed, excluding Connect/Close.
func (c *Card) Ops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops
}

func (c *Card) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.Connects++
	c.connected = true
	c.authSector = -1
	return nil
}

func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closes++
	c.connected = false
	c.authSector = -1
	return nil
}

// step counts an operation and reports the channel state. Callers hold mu.
func (c *Card) step() error {
	if !c.connected {
		return fmt.Errorf("tag not connected: %w", mifare.ErrTransport)
	}
	c.ops++
	if c.transportAt >= 0 && c.ops > c.transportAt {
		c.connected = false
		return fmt.Errorf("card removed: %w", mifare.ErrTransport)
	}
	return nil
}

func (c *Card) authenticate(sector int, key mifare.Key, slot mifare.KeySlot) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.step(); err != nil {
		return false, err
	}
	c.Attempts = append(c.Attempts, Attempt{Sector: sector, Slot: slot, Key: key})
	c.authSector = -1

	if sector < 0 || sector >= c.sectors {
		return false, fmt.Errorf("sector %d out of range", sector)
	}
	if c.authErr[sector] {
		return false, errors.New("authentication command rejected")
	}
	want := c.keys[sector].a
	if slot == mifare.KeyB {
		want = c.keys[sector].b
	}
	if key != want {
		return false, nil
	}
	c.authSector = sector
	return true, nil
}

func (c *Card) AuthenticateSectorWithKeyA(sector int, key mifare.Key) (bool, error) {
	return c.authenticate(sector, key, mifare.KeyA)
}

func (c *Card) AuthenticateSectorWithKeyB(sector int, key mifare.Key) (bool, error) {
	return c.authenticate(sector, key, mifare.KeyB)
}

func (c *Card) checkAccess(block int) error {
	sec, _ := mifare.SectorOf(block)
	if sec.Index >= c.sectors {
		return fmt.Errorf("block %d out of range", block)
	}
	if sec.Index != c.authSector {
		return fmt.Errorf("block %d: sector %d not authenticated", block, sec.Index)
	}
	return nil
}

func (c *Card) ReadBlock(block int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.step(); err != nil {
		return nil, err
	}
	if err := c.checkAccess(block); err != nil {
		return nil, err
	}
	if c.readErr[block] {
		return nil, fmt.Errorf("read failed for block %d", block)
	}
	return append([]byte(nil), c.blocks[block]...), nil
}

func (c *Card) WriteBlock(block int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.step(); err != nil {
		return err
	}
	if err := c.checkAccess(block); err != nil {
		return err
	}
	if len(data) != mifare.BlockSize {
		return fmt.Errorf("data must be exactly %d bytes, got %d", mifare.BlockSize, len(data))
	}
	if c.writeErr[block] {
		return fmt.Errorf("write failed for block %d", block)
	}
	buf := append([]byte(nil), data...)
	if c.corrupt[block] {
		buf[0] ^= 0xFF
	}
	c.blocks[block] = buf
	c.Writes = append(c.Writes, block)
	return nil
}

func (c *Card) ID() []byte       { return append([]byte(nil), c.id...) }
func (c *Card) Type() string     { return c.typ }
func (c *Card) Size() int        { return c.size }
func (c *Card) SectorCount() int { return c.sectors }
