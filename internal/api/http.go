package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/SimplyPrint/mifare-agent/internal/dump"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/pcsc"
	"github.com/SimplyPrint/mifare-agent/internal/settings"
)

// writeRequest is the body of POST /v1/card and the write_data payload.
type writeRequest struct {
	Data  string `json:"data"`
	IsHex bool   `json:"isHex"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	s.StartScan()
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		event, ok := s.sink.Latest()
		if !ok {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "no card has been read",
			})
			return
		}
		respondJSON(w, http.StatusOK, event)

	case http.MethodPost:
		var req writeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
			return
		}

		out, err := s.WriteData(req.Data, req.IsHex)
		if err != nil {
			respondCommandError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"result":  out,
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// Require confirmation parameter to prevent accidental erasure
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}
	if !req.Confirm {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "must set confirm=true to clear the card",
		})
		return
	}

	out, err := s.ClearCard()
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  out,
	})
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.Rescan()
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleDump serves the latest snapshot in any dump format.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	format := dump.FormatJSON
	if name := r.URL.Query().Get("format"); name != "" {
		f, err := dump.ParseFormat(name)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		format = f
	}

	event, ok := s.sink.Latest()
	if !ok || event.Snapshot == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "no card has been read",
		})
		return
	}

	var buf bytes.Buffer
	if err := dump.Write(&buf, event.Snapshot, format); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	body := buf.Bytes()

	switch format {
	case dump.FormatText:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	case dump.FormatCBOR:
		w.Header().Set("Content-Type", "application/cbor")
		if r.URL.Query().Get("compress") == "zstd" {
			w.Header().Set("Content-Encoding", "zstd")
			body = dump.Compress(body)
		}
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	readers, err := pcsc.ListReaders(s.factory)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Reader listing failed", map[string]any{
			"error": err.Error(),
		})
		readers = []pcsc.Reader{}
	}
	respondJSON(w, http.StatusOK, readers)
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, VersionInfo())
}

// health summarizes reader and session state.
func (s *Server) health() map[string]any {
	readers, err := pcsc.ListReaders(s.factory)
	if err != nil {
		readers = nil
	}
	return map[string]any{
		"status":      "ok",
		"readerCount": len(readers),
		"tagPresent":  s.manager.Tag() != nil,
		"scanning":    s.manager.Ready(),
		"listening":   s.sink.HasListener(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, s.health())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.shutdownHandler == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go s.shutdownHandler()
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = min(l, 1000)
			}
		}

		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			l := logging.ParseLevel(levelStr)
			minLevel = &l
		}

		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"entries": logging.Get().GetEntries(limit, minLevel, category),
			"stats":   logging.Get().Stats(),
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting  *bool   `json:"crashReporting"`
			PreferredReader *string `json:"preferredReader"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		err := settings.Update(func(st *settings.Settings) {
			if req.CrashReporting != nil {
				st.CrashReporting = *req.CrashReporting
			}
			if req.PreferredReader != nil {
				st.PreferredReader = *req.PreferredReader
			}
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save settings: " + err.Error(),
			})
			return
		}

		st := settings.Get()
		respondJSON(w, http.StatusOK, map[string]any{
			"crashReporting":  st.CrashReporting,
			"preferredReader": st.PreferredReader,
			"message":         "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
