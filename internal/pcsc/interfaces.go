package pcsc

import (
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// SmartCardContext represents a PC/SC context for listing readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (SmartCard, error)
	// CardPresent reports whether a card sits on reader, without blocking.
	CardPresent(reader string) (bool, error)
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	Disconnect(d scard.Disposition) error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader string
	Atr    []byte
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	return &scardContext{ctx: ctx}, nil
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}
	return readers, err
}

func (c *scardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, mode, proto)
	if err != nil {
		return nil, err
	}
	return &scardCard{card: card}, nil
}

func (c *scardContext) CardPresent(reader string) (bool, error) {
	rs := []scard.ReaderState{
		{
			Reader:       reader,
			CurrentState: scard.StateUnaware,
		},
	}
	// A zero timeout returns the current state immediately.
	if err := c.ctx.GetStatusChange(rs, 0); err != nil && !errors.Is(err, scard.ErrTimeout) {
		return false, err
	}
	return rs[0].EventState&scard.StatePresent != 0, nil
}

func (c *scardContext) Release() error {
	return c.ctx.Release()
}

type scardCard struct {
	card *scard.Card
}

func (c *scardCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *scardCard) Status() (SmartCardStatus, error) {
	st, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{Reader: st.Reader, Atr: st.Atr}, nil
}

func (c *scardCard) Disconnect(d scard.Disposition) error {
	return c.card.Disconnect(d)
}
