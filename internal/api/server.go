// Package api exposes the card session over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"sync"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/mifare"
	"github.com/SimplyPrint/mifare-agent/internal/pcsc"
	"github.com/SimplyPrint/mifare-agent/internal/session"
)

// CodeWriteError is the wire code for any failed write or clear that is
// not a caller or presence problem.
const CodeWriteError = "WRITE_ERROR"

// Server serializes card operations from every surface (HTTP, WebSocket,
// the reader watcher and the tray) onto one session manager.
type Server struct {
	manager *session.Manager
	factory pcsc.ContextFactory
	sink    *EventSink
	hub     *WSHub

	// cardMu is held for the whole of every card operation.
	cardMu sync.Mutex

	shutdownHandler func()
}

// NewServer wires manager to a fresh EventSink and WebSocket hub. factory
// is used for reader listing and health checks.
func NewServer(manager *session.Manager, factory pcsc.ContextFactory) *Server {
	s := &Server{
		manager: manager,
		factory: factory,
		sink:    NewEventSink(),
		hub:     NewWSHub(),
	}
	manager.SetSink(s.sink)
	return s
}

// SetShutdownHandler sets the callback for shutdown requests.
func (s *Server) SetShutdownHandler(handler func()) {
	s.shutdownHandler = handler
}

// Sink returns the event sink the manager publishes to.
func (s *Server) Sink() *EventSink { return s.sink }

// Run drives the WebSocket hub until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// StartScan acknowledges that the consumer is listening.
func (s *Server) StartScan() {
	s.cardMu.Lock()
	defer s.cardMu.Unlock()
	s.manager.StartScan()
}

// Discover hands a newly presented tag to the manager.
func (s *Server) Discover(tag mifare.Tag) (*mifare.CardSnapshot, error) {
	s.cardMu.Lock()
	defer s.cardMu.Unlock()
	snap, err := s.manager.Discover(tag)
	s.broadcastPresence("card_present", tag)
	return snap, err
}

// Forget drops the current tag after it left the reader.
func (s *Server) Forget() {
	s.cardMu.Lock()
	defer s.cardMu.Unlock()
	s.manager.Forget()
	s.sink.Reset()
	s.broadcastPresence("card_removed", nil)
}

// Rescan dumps the current tag again.
func (s *Server) Rescan() (*mifare.CardSnapshot, error) {
	s.cardMu.Lock()
	defer s.cardMu.Unlock()
	return s.manager.Rescan()
}

// WriteData writes a payload to the current tag.
func (s *Server) WriteData(data string, isHex bool) (*mifare.WriteOutcome, error) {
	s.cardMu.Lock()
	defer s.cardMu.Unlock()
	return s.manager.WriteData(data, isHex)
}

// ClearCard zero-fills the current tag's data area.
func (s *Server) ClearCard() (*mifare.ClearOutcome, error) {
	s.cardMu.Lock()
	defer s.cardMu.Unlock()
	return s.manager.ClearCard()
}

func (s *Server) broadcastPresence(msgType string, tag mifare.Tag) {
	payload := map[string]any{}
	if tag != nil {
		payload["uid"] = mifare.NormalizeUID(tag.ID())
		payload["type"] = tag.Type()
	}
	s.hub.Broadcast(msgType, payload)
}

// CommandError is the wire form of a failed command.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// commandError maps an operation error to its wire code. Write and
// transport failures share WRITE_ERROR; caller and presence errors keep
// their own codes.
func commandError(err error) CommandError {
	var me *mifare.Error
	if !errors.As(err, &me) {
		return CommandError{Code: CodeWriteError, Message: err.Error()}
	}
	code := string(me.Code)
	switch me.Code {
	case mifare.CodeWriteFailure, mifare.CodeIO:
		code = CodeWriteError
	}
	return CommandError{Code: code, Message: mifare.MessageOf(err)}
}

// statusFor picks the HTTP status for a command error.
func statusFor(ce CommandError) int {
	switch ce.Code {
	case string(mifare.CodeFormat), string(mifare.CodeEmptyData):
		return http.StatusBadRequest
	case string(mifare.CodeNoTag):
		return http.StatusConflict
	case string(mifare.CodeConnect):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewMux constructs and returns the HTTP mux for the API.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/scan", corsMiddleware(s.handleScan))
	mux.HandleFunc("/v1/card", corsMiddleware(s.handleCard))
	mux.HandleFunc("/v1/card/clear", corsMiddleware(s.handleClear))
	mux.HandleFunc("/v1/card/rescan", corsMiddleware(s.handleRescan))
	mux.HandleFunc("/v1/card/dump", corsMiddleware(s.handleDump))
	mux.HandleFunc("/v1/readers", corsMiddleware(s.handleListReaders))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)
				crashFile := logging.HandlePanic(context, rec, debug.Stack())

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode response: %v\n", err)
	}
}

func respondCommandError(w http.ResponseWriter, err error) {
	ce := commandError(err)
	respondJSON(w, statusFor(ce), ce)
}
