package pcsc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/mifare-agent/internal/mifare"
)

// MockFactory hands out the same mock context on every call
type MockFactory struct {
	ctx *MockSmartCardContext
	err error
}

func (f *MockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	shouldError bool
	errorMsg    string
	releases    int
}

// MockSmartCard simulates a MIFARE Classic card behind a PC/SC reader,
// answering the part 3 pseudo-APDUs
type MockSmartCard struct {
	mu           sync.Mutex
	reader       string
	atr          []byte
	uid          []byte
	classic      bool
	blocks       map[int][]byte
	keys         map[int][2]mifare.Key
	loadedKey    []byte
	authSector   int
	responses    map[string][]byte // command hex -> response
	commands     []string
	shouldError  bool
	disconnected bool
	connects     int
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"ACS ACR122U PICC Interface",
			"ACS ACR1252 Dual Reader PICC",
		},
		cards: make(map[string]*MockSmartCard),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readers = readers
	return m
}

// WithCard places a mock card on a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	card.reader = readerName
	m.cards[readerName] = card
	return m
}

// RemoveCard takes the card off a reader
func (m *MockSmartCardContext) RemoveCard(readerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cards, readerName)
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldError = true
	m.errorMsg = msg
	return m
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	return append([]string(nil), m.readers...), nil
}

func (m *MockSmartCardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	card.mu.Lock()
	card.disconnected = false
	card.authSector = -1
	card.loadedKey = nil
	card.connects++
	card.mu.Unlock()
	return card, nil
}

func (m *MockSmartCardContext) CardPresent(reader string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return false, errors.New(m.errorMsg)
	}
	_, ok := m.cards[reader]
	return ok, nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

// NewMockCard creates a mock card with realistic ATRs. Recognised kinds are
// "1K", "4K", "Mini", "1K misreported" (a Classic card behind a reader that
// reports a Type 2 card name) and "Ultralight".
func NewMockCard(kind string) *MockSmartCard {
	card := &MockSmartCard{
		blocks:     make(map[int][]byte),
		keys:       make(map[int][2]mifare.Key),
		responses:  make(map[string][]byte),
		authSector: -1,
		classic:    true,
	}

	sectors := 16
	switch kind {
	case "1K":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca000000306030001000000006a")
		card.uid, _ = hex.DecodeString("932bae0e")
	case "4K":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060300020000000069")
		card.uid, _ = hex.DecodeString("04635d6bc22a81")
		sectors = 40
	case "Mini":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca000000306030026000000004d")
		card.uid, _ = hex.DecodeString("5397e01a")
		sectors = 5
	case "1K misreported":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060300030000000068")
		card.uid, _ = hex.DecodeString("932bae0e")
	case "Ultralight":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060300030000000068")
		card.uid, _ = hex.DecodeString("ff0f39c8d60000")
		card.classic = false
	}

	for _, sec := range mifare.Layout(sectors) {
		card.keys[sec.Index] = [2]mifare.Key{mifare.KeyTransport, mifare.KeyTransport}
		for rel := 0; rel < sec.BlockCount; rel++ {
			card.blocks[sec.AbsoluteBlock(rel)] = make([]byte, mifare.BlockSize)
		}
	}
	copy(card.blocks[0], card.uid)
	return card
}

// WithKeys sets the Key A and Key B a sector accepts
func (c *MockSmartCard) WithKeys(sector int, a, b mifare.Key) *MockSmartCard {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[sector] = [2]mifare.Key{a, b}
	return c
}

// WithResponse overrides the response to an exact command
func (c *MockSmartCard) WithResponse(cmdHex string, rsp []byte) *MockSmartCard {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[cmdHex] = rsp
	return c
}

// Fail makes every following Transmit fail, as if the card was pulled
func (c *MockSmartCard) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldError = true
}

// Commands returns the hex of every APDU received
func (c *MockSmartCard) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func (c *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil, errors.New("card disconnected")
	}
	if c.shouldError {
		return nil, scard.ErrRemovedCard
	}

	cmdHex := hex.EncodeToString(cmd)
	c.commands = append(c.commands, cmdHex)
	if rsp, ok := c.responses[cmdHex]; ok {
		return rsp, nil
	}

	ok := []byte{0x90, 0x00}
	switch {
	case bytes.Equal(cmd, []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}):
		return append(append([]byte(nil), c.uid...), ok...), nil

	case len(cmd) == 11 && bytes.HasPrefix(cmd, []byte{0xFF, 0x82, 0x00, 0x00, 0x06}):
		c.loadedKey = append([]byte(nil), cmd[5:]...)
		return ok, nil

	case len(cmd) == 10 && bytes.HasPrefix(cmd, []byte{0xFF, 0x86, 0x00, 0x00, 0x05, 0x01, 0x00}):
		if !c.classic {
			return []byte{0x6A, 0x81}, nil
		}
		sec, _ := mifare.SectorOf(int(cmd[7]))
		keys, known := c.keys[sec.Index]
		slot := 0
		if cmd[8] == 0x61 {
			slot = 1
		}
		c.authSector = -1
		if !known || c.loadedKey == nil || !bytes.Equal(c.loadedKey, keys[slot][:]) {
			return []byte{0x63, 0x00}, nil
		}
		c.authSector = sec.Index
		return ok, nil

	case len(cmd) == 5 && bytes.HasPrefix(cmd, []byte{0xFF, 0xB0, 0x00}):
		blk := int(cmd[3])
		if sec, _ := mifare.SectorOf(blk); sec.Index != c.authSector {
			return []byte{0x69, 0x82}, nil
		}
		data, exists := c.blocks[blk]
		if !exists {
			return []byte{0x6A, 0x82}, nil
		}
		return append(append([]byte(nil), data...), ok...), nil

	case len(cmd) == 21 && bytes.HasPrefix(cmd, []byte{0xFF, 0xD6, 0x00}):
		blk := int(cmd[3])
		if sec, _ := mifare.SectorOf(blk); sec.Index != c.authSector {
			return []byte{0x69, 0x82}, nil
		}
		c.blocks[blk] = append([]byte(nil), cmd[5:]...)
		return ok, nil
	}

	return []byte{0x6A, 0x81}, nil
}

func (c *MockSmartCard) Status() (SmartCardStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return SmartCardStatus{}, errors.New("card disconnected")
	}
	return SmartCardStatus{Reader: c.reader, Atr: c.atr}, nil
}

func (c *MockSmartCard) Disconnect(d scard.Disposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}
