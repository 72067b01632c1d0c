// Package pcsc talks to MIFARE Classic cards through PC/SC readers using
// the pseudo-APDUs defined in PC/SC part 3.
package pcsc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/mifare"
)

var (
	// ErrNotClassic is returned by Probe for cards that are not MIFARE Classic.
	ErrNotClassic = errors.New("card is not MIFARE Classic")
	// ErrCardChanged means a different card was found when reconnecting.
	ErrCardChanged = errors.New("card on reader has changed")
)

// StatusError is a response whose status word was not 90 00.
type StatusError struct {
	SW1, SW2 byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command failed with status: %02X %02X", e.SW1, e.SW2)
}

type cardModel struct {
	name    string
	size    int
	sectors int
}

// PC/SC part 3 card name bytes.
var cardModels = map[uint16]cardModel{
	0x0001: {"MIFARE Classic 1K", 1024, 16},
	0x0002: {"MIFARE Classic 4K", 4096, 40},
	0x0026: {"MIFARE Mini", 320, 5},
}

var pcscRID = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

const iso14443PartThree = 0x03

// Tag is a MIFARE Classic card on a PC/SC reader. It implements mifare.Tag.
// Identity is captured by Probe; Connect opens a fresh PC/SC context and card
// handle that Close releases.
type Tag struct {
	factory ContextFactory
	reader  string
	uid     []byte
	atr     []byte
	model   cardModel

	mu   sync.Mutex
	ctx  SmartCardContext
	card SmartCard
}

var _ mifare.Tag = (*Tag)(nil)

// Probe identifies the card on reader. The connection is released before
// returning.
func Probe(factory ContextFactory, reader string) (*Tag, error) {
	t := &Tag{factory: factory, reader: reader}
	if err := t.open(); err != nil {
		return nil, err
	}
	defer t.Close()

	status, err := t.card.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get card status: %w", err)
	}
	t.atr = append([]byte(nil), status.Atr...)

	uid, err := t.readUID()
	if err != nil {
		return nil, err
	}
	t.uid = uid

	model, ok := t.detectModel()
	if !ok {
		logging.Debug(logging.CatCard, "Card is not MIFARE Classic", map[string]any{
			"reader": reader,
			"atr":    hex.EncodeToString(t.atr),
		})
		return nil, ErrNotClassic
	}
	t.model = model

	logging.Debug(logging.CatCard, "Card type detection complete", map[string]any{
		"reader":  reader,
		"uid":     mifare.NormalizeUID(t.uid),
		"atr":     hex.EncodeToString(t.atr),
		"type":    model.name,
		"sectors": model.sectors,
	})
	return t, nil
}

// detectModel reads the card name from a PC/SC part 3 ATR. Some readers
// (e.g. ACR1252U) report a Type 2 name for Classic cards, so an
// ISO 14443-3A card with an unknown name is probed with a sector 0
// authentication before giving up.
func (t *Tag) detectModel() (cardModel, bool) {
	atr := t.atr
	if len(atr) < 15 || atr[0] != 0x3B || !bytes.Equal(atr[7:12], pcscRID) {
		return cardModel{}, false
	}
	name := uint16(atr[13])<<8 | uint16(atr[14])
	if m, ok := cardModels[name]; ok {
		return m, true
	}
	if atr[12] != iso14443PartThree {
		return cardModel{}, false
	}

	ok, err := t.authenticate(0, mifare.KeyTransport, mifare.KeyA)
	if err != nil || !ok {
		return cardModel{}, false
	}
	logging.Debug(logging.CatCard, "MIFARE Classic detected via authentication probe", nil)
	return cardModels[0x0001], true
}

func (t *Tag) open() error {
	ctx, err := t.factory.EstablishContext()
	if err != nil {
		return err
	}
	card, err := ctx.Connect(t.reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return fmt.Errorf("failed to connect to reader: %w", err)
	}
	t.mu.Lock()
	t.ctx, t.card = ctx, card
	t.mu.Unlock()
	return nil
}

// Connect opens a session with the card and checks that it is still the
// card that was probed.
func (t *Tag) Connect() error {
	if err := t.open(); err != nil {
		return err
	}
	uid, err := t.readUID()
	if err != nil {
		t.Close()
		return err
	}
	if !bytes.Equal(uid, t.uid) {
		t.Close()
		return fmt.Errorf("%w: expected %s, found %s", ErrCardChanged,
			mifare.NormalizeUID(t.uid), mifare.NormalizeUID(uid))
	}
	return nil
}

// Close releases the card handle and the PC/SC context. It is safe to call
// on a closed tag.
func (t *Tag) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	if t.card != nil {
		if err := t.card.Disconnect(scard.LeaveCard); err != nil {
			firstErr = err
		}
		t.card = nil
	}
	if t.ctx != nil {
		if err := t.ctx.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.ctx = nil
	}
	return firstErr
}

// transmit sends an APDU and strips the status word. Channel failures are
// wrapped with mifare.ErrTransport; a non-9000 status is a *StatusError.
func (t *Tag) transmit(cmd []byte) ([]byte, error) {
	t.mu.Lock()
	card := t.card
	t.mu.Unlock()
	if card == nil {
		return nil, fmt.Errorf("tag not connected: %w", mifare.ErrTransport)
	}

	rsp, err := card.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mifare.ErrTransport, err)
	}
	if len(rsp) < 2 {
		return nil, fmt.Errorf("%w: invalid response length: %d", mifare.ErrTransport, len(rsp))
	}
	sw1, sw2 := rsp[len(rsp)-2], rsp[len(rsp)-1]
	if sw1 != 0x90 || sw2 != 0x00 {
		return nil, &StatusError{SW1: sw1, SW2: sw2}
	}
	return rsp[:len(rsp)-2], nil
}

func (t *Tag) readUID() ([]byte, error) {
	uid, err := t.transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		return nil, fmt.Errorf("failed to get UID: %w", err)
	}
	if len(uid) == 0 {
		return nil, fmt.Errorf("failed to get UID: empty response")
	}
	return append([]byte(nil), uid...), nil
}

// authenticate loads key into the reader's volatile slot 0 and runs a
// general authenticate against the sector trailer.
func (t *Tag) authenticate(sector int, key mifare.Key, slot mifare.KeySlot) (bool, error) {
	loadKey := append([]byte{0xFF, 0x82, 0x00, 0x00, 0x06}, key[:]...)
	if _, err := t.transmit(loadKey); err != nil {
		return false, fmt.Errorf("load key: %w", err)
	}

	trailer := mifare.SectorAt(sector).TrailerBlock()
	auth := []byte{0xFF, 0x86, 0x00, 0x00, 0x05, 0x01, 0x00, byte(trailer), byte(slot), 0x00}
	_, err := t.transmit(auth)
	var se *StatusError
	if errors.As(err, &se) && se.SW1 == 0x63 {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authenticate sector %d: %w", sector, err)
	}
	return true, nil
}

func (t *Tag) AuthenticateSectorWithKeyA(sector int, key mifare.Key) (bool, error) {
	return t.authenticate(sector, key, mifare.KeyA)
}

func (t *Tag) AuthenticateSectorWithKeyB(sector int, key mifare.Key) (bool, error) {
	return t.authenticate(sector, key, mifare.KeyB)
}

func (t *Tag) ReadBlock(block int) ([]byte, error) {
	if block < 0 || block > 0xFF {
		return nil, fmt.Errorf("invalid block number: %d (must be 0-255)", block)
	}
	data, err := t.transmit([]byte{0xFF, 0xB0, 0x00, byte(block), mifare.BlockSize})
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", block, err)
	}
	if len(data) < mifare.BlockSize {
		return nil, fmt.Errorf("short read from block %d: %d bytes", block, len(data))
	}
	return append([]byte(nil), data[:mifare.BlockSize]...), nil
}

func (t *Tag) WriteBlock(block int, data []byte) error {
	if block < 0 || block > 0xFF {
		return fmt.Errorf("invalid block number: %d (must be 0-255)", block)
	}
	if len(data) != mifare.BlockSize {
		return fmt.Errorf("data must be exactly %d bytes, got %d", mifare.BlockSize, len(data))
	}
	cmd := append([]byte{0xFF, 0xD6, 0x00, byte(block), mifare.BlockSize}, data...)
	if _, err := t.transmit(cmd); err != nil {
		return fmt.Errorf("failed to write block %d: %w", block, err)
	}
	return nil
}

func (t *Tag) ID() []byte       { return append([]byte(nil), t.uid...) }
func (t *Tag) Type() string     { return t.model.name }
func (t *Tag) Size() int        { return t.model.size }
func (t *Tag) SectorCount() int { return t.model.sectors }

// Reader is the name of the reader the card was found on.
func (t *Tag) Reader() string { return t.reader }

// ATR returns the card's answer-to-reset as uppercase hex.
func (t *Tag) ATR() string { return strings.ToUpper(hex.EncodeToString(t.atr)) }
