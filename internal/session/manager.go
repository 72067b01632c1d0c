// Package session owns the card currently on the reader and the consumer
// that card state is published to.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/mifare"
)

// ErrNoTag is wrapped by NO_TAG errors.
var ErrNoTag = errors.New("no tag present")

// Event is what a Sink receives after every scan: a snapshot, or the
// reason there is none.
type Event struct {
	Snapshot *mifare.CardSnapshot `json:"snapshot,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Sink consumes card events.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Manager tracks the current tag and sink. It does not serialize card
// operations; callers must not run two operations at once.
type Manager struct {
	mu    sync.Mutex
	tag   mifare.Tag
	sink  Sink
	ready bool
}

// NewManager returns a manager with no tag and no sink.
func NewManager() *Manager {
	return &Manager{}
}

// SetSink replaces the sink events are published to.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = s
}

// ClearSink drops the current sink. Later events are discarded.
func (m *Manager) ClearSink() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = nil
}

// Tag returns the current tag, or nil.
func (m *Manager) Tag() mifare.Tag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tag
}

// Ready reports whether StartScan has been called.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Run connects tag, calls fn and closes the tag again, whatever fn returns.
func Run(tag mifare.Tag, fn func(mifare.Tag) error) error {
	if err := tag.Connect(); err != nil {
		return mifare.NewError(mifare.CodeConnect, err, "failed to connect to tag")
	}
	defer func() {
		if err := tag.Close(); err != nil {
			logging.Warn(logging.CatSession, "Failed to close tag", map[string]any{
				"error": err.Error(),
			})
		}
	}()
	return fn(tag)
}

// StartScan acknowledges that the consumer is ready for card events. It
// touches no card and publishes nothing, so repeated calls are harmless.
func (m *Manager) StartScan() {
	m.mu.Lock()
	already := m.ready
	m.ready = true
	m.mu.Unlock()

	if !already {
		logging.Info(logging.CatSession, "Scanning started", nil)
	}
}

// Discover makes tag the current tag, dumps it and publishes the result.
func (m *Manager) Discover(tag mifare.Tag) (*mifare.CardSnapshot, error) {
	m.mu.Lock()
	m.tag = tag
	m.mu.Unlock()

	logging.Info(logging.CatSession, "Tag discovered", map[string]any{
		"uid":  mifare.NormalizeUID(tag.ID()),
		"type": tag.Type(),
	})
	return m.scan(tag)
}

// Rescan dumps the current tag again and publishes the result.
func (m *Manager) Rescan() (*mifare.CardSnapshot, error) {
	tag := m.Tag()
	if tag == nil {
		return nil, noTag()
	}
	return m.scan(tag)
}

// Forget drops the current tag, typically because it left the field.
func (m *Manager) Forget() {
	m.mu.Lock()
	had := m.tag != nil
	m.tag = nil
	m.mu.Unlock()

	if had {
		logging.Info(logging.CatSession, "Tag removed", nil)
	}
}

// WriteData decodes data and writes it to the current tag. When any byte
// was written the card is dumped again and the new state published; a
// failure of that second pass does not change the write result.
func (m *Manager) WriteData(data string, isHex bool) (*mifare.WriteOutcome, error) {
	tag := m.Tag()
	if tag == nil {
		return nil, noTag()
	}

	enc := mifare.EncodingText
	if isHex {
		enc = mifare.EncodingHex
	}
	payload, err := mifare.DecodePayload(data, enc)
	if err != nil {
		return nil, err
	}

	var out *mifare.WriteOutcome
	err = Run(tag, func(t mifare.Tag) error {
		var werr error
		out, werr = mifare.WritePayload(t, payload)
		return werr
	})
	if err != nil {
		logging.Warn(logging.CatSession, "Write failed", map[string]any{
			"code":  string(mifare.CodeOf(err)),
			"error": err.Error(),
		})
		return out, err
	}

	logging.Info(logging.CatSession, "Write complete", map[string]any{
		"bytesRequested": out.BytesRequested,
		"bytesWritten":   out.BytesWritten,
		"blocks":         out.BlocksWritten,
	})
	m.republish(tag)
	return out, nil
}

// ClearCard zero-fills the data area of the current tag and republishes.
func (m *Manager) ClearCard() (*mifare.ClearOutcome, error) {
	tag := m.Tag()
	if tag == nil {
		return nil, noTag()
	}

	var out *mifare.ClearOutcome
	err := Run(tag, func(t mifare.Tag) error {
		var cerr error
		out, cerr = mifare.ClearCard(t)
		return cerr
	})
	if err != nil {
		return out, err
	}

	logging.Info(logging.CatSession, "Card cleared", map[string]any{
		"blocksCleared": out.BlocksCleared,
		"blocksFailed":  out.BlocksFailed,
	})
	m.republish(tag)
	return out, nil
}

func (m *Manager) republish(tag mifare.Tag) {
	if _, err := m.scan(tag); err != nil {
		logging.Warn(logging.CatSession, "Re-read after write failed", map[string]any{
			"error": err.Error(),
		})
	}
}

func (m *Manager) scan(tag mifare.Tag) (*mifare.CardSnapshot, error) {
	var snap *mifare.CardSnapshot
	err := Run(tag, func(t mifare.Tag) error {
		var rerr error
		snap, rerr = mifare.ReadCard(t)
		return rerr
	})
	if err != nil {
		m.publish(Event{Error: "Read error: " + mifare.MessageOf(err)})
		return nil, err
	}

	snap.ID = uuid.NewString()
	m.publish(Event{Snapshot: snap})
	return snap, nil
}

func (m *Manager) publish(e Event) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	if sink == nil {
		logging.Debug(logging.CatSession, "No sink, event dropped", nil)
		return
	}
	sink.Publish(e)
}

func noTag() error {
	return mifare.NewError(mifare.CodeNoTag, ErrNoTag, "no tag present; place a card on the reader")
}
