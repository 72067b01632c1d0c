package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/mifare-agent/internal/pcsc"
	"github.com/SimplyPrint/mifare-agent/internal/session"
	"github.com/SimplyPrint/mifare-agent/internal/settings"
)

// fakeFactory reports a fixed set of readers with no card on them.
type fakeFactory struct {
	readers []string
	err     error
}

func (f fakeFactory) EstablishContext() (pcsc.SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeContext{readers: f.readers}, nil
}

type fakeContext struct {
	readers []string
}

func (c fakeContext) ListReaders() ([]string, error) { return c.readers, nil }

func (c fakeContext) Connect(string, scard.ShareMode, scard.Protocol) (pcsc.SmartCard, error) {
	return nil, errors.New("no card present")
}

func (c fakeContext) CardPresent(string) (bool, error) { return false, nil }
func (c fakeContext) Release() error                   { return nil }

// newTestServer returns a server with a running hub and one reader.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(session.NewManager(), fakeFactory{readers: []string{"ACS ACR122U PICC Interface 00 00"}})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return s
}

// newHTTPServer serves s's mux.
func newHTTPServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(s.NewMux())
	t.Cleanup(ts.Close)
	return ts
}

func useTempSettings(t *testing.T) {
	t.Helper()
	settings.SetPath(filepath.Join(t.TempDir(), "settings.json"))
	t.Cleanup(func() { settings.SetPath("") })
}
