package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/dump"
	"github.com/SimplyPrint/mifare-agent/internal/mifare"
	"github.com/SimplyPrint/mifare-agent/internal/mifare/mifaretest"
	"github.com/SimplyPrint/mifare-agent/internal/session"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func TestHandleVersion(t *testing.T) {
	origVersion, origBuildTime, origGitCommit := Version, BuildTime, GitCommit
	Version = "1.2.3-test"
	BuildTime = "2024-01-15T10:30:00Z"
	GitCommit = "abc1234"
	defer func() {
		Version, BuildTime, GitCommit = origVersion, origBuildTime, origGitCommit
	}()

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()
	handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["version"] != "1.2.3-test" {
		t.Errorf("expected version '1.2.3-test', got '%s'", result["version"])
	}
	if result["buildTime"] != "2024-01-15T10:30:00Z" {
		t.Errorf("expected buildTime '2024-01-15T10:30:00Z', got '%s'", result["buildTime"])
	}
	if result["gitCommit"] != "abc1234" {
		t.Errorf("expected gitCommit 'abc1234', got '%s'", result["gitCommit"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	mux := s.NewMux()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/version"},
		{http.MethodPut, "/v1/health"},
		{http.MethodGet, "/v1/scan"},
		{http.MethodDelete, "/v1/card"},
		{http.MethodGet, "/v1/card/clear"},
		{http.MethodGet, "/v1/card/rescan"},
		{http.MethodPost, "/v1/card/dump"},
		{http.MethodPost, "/v1/readers"},
		{http.MethodPost, "/v1/crashes"},
		{http.MethodGet, "/v1/shutdown"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request", http.MethodGet, http.StatusCreated},
		{"POST request", http.MethodPost, http.StatusCreated},
		{"OPTIONS preflight", http.MethodOptions, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest(tt.method, "/test", nil))

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("expected Access-Control-Allow-Origin header to be '*'")
			}
			if w.Header().Get("Access-Control-Allow-Methods") != "GET, POST, DELETE, OPTIONS" {
				t.Error("expected Access-Control-Allow-Methods header")
			}
		})
	}
}

func TestCommandError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"no tag", mifare.NewError(mifare.CodeNoTag, session.ErrNoTag, "no tag present"), "NO_TAG", http.StatusConflict},
		{"format", mifare.NewError(mifare.CodeFormat, nil, "invalid hex"), "FORMAT_ERROR", http.StatusBadRequest},
		{"empty", mifare.NewError(mifare.CodeEmptyData, nil, "no data"), "EMPTY_DATA", http.StatusBadRequest},
		{"connect", mifare.NewError(mifare.CodeConnect, errors.New("gone"), "failed to connect"), "CONNECT_ERROR", http.StatusServiceUnavailable},
		{"write failure", mifare.NewError(mifare.CodeWriteFailure, nil, "could not write"), CodeWriteError, http.StatusInternalServerError},
		{"transport", mifare.NewError(mifare.CodeIO, mifare.ErrTransport, "writing block 4"), CodeWriteError, http.StatusInternalServerError},
		{"uncoded", errors.New("boom"), CodeWriteError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := commandError(tt.err)
			if ce.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", ce.Code, tt.wantCode)
			}
			if strings.HasPrefix(ce.Message, ce.Code) {
				t.Errorf("message repeats the code: %q", ce.Message)
			}
			if got := statusFor(ce); got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestScanIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	ts := newHTTPServer(t, s)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/v1/scan", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("scan %d: status %d", i, resp.StatusCode)
		}
	}
	if !s.manager.Ready() {
		t.Error("manager not marked ready")
	}

	resp := get(t, ts.URL+"/v1/card")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /v1/card after scan only: status %d, want 404", resp.StatusCode)
	}
}

func TestWriteWithoutTag(t *testing.T) {
	ts := newHTTPServer(t, newTestServer(t))

	resp := postJSON(t, ts.URL+"/v1/card", writeRequest{Data: "Hello"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	ce := decode[CommandError](t, resp)
	if ce.Code != "NO_TAG" {
		t.Errorf("code = %s, want NO_TAG", ce.Code)
	}
}

func TestWriteAndReadBack(t *testing.T) {
	s := newTestServer(t)
	ts := newHTTPServer(t, s)
	card := mifaretest.New1K()

	if _, err := s.Discover(card); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	event := decode[session.Event](t, get(t, ts.URL+"/v1/card"))
	if event.Snapshot == nil || event.Snapshot.UID != "932BAE0E" {
		t.Fatalf("unexpected event: %+v", event)
	}
	firstID := event.Snapshot.ID

	resp := postJSON(t, ts.URL+"/v1/card", writeRequest{Data: "48656C6C6F", IsHex: true})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("write status %d: %s", resp.StatusCode, body)
	}
	result := decode[struct {
		Success bool                `json:"success"`
		Result  mifare.WriteOutcome `json:"result"`
	}](t, resp)
	if !result.Success || result.Result.BytesWritten != 5 || result.Result.BlocksWritten != 1 {
		t.Errorf("unexpected write result: %+v", result)
	}
	if got := card.Block(4); !bytes.HasPrefix(got, []byte("Hello")) {
		t.Errorf("block 4 = % X", got)
	}

	event = decode[session.Event](t, get(t, ts.URL+"/v1/card"))
	if event.Snapshot == nil || event.Snapshot.ID == firstID {
		t.Fatal("card was not republished after the write")
	}
	if got := event.Snapshot.Blocks[4].Text; got != "Hello..........." {
		t.Errorf("republished block 4 text = %q", got)
	}
	if card.Connected() {
		t.Error("tag left connected")
	}
}

func TestWriteErrors(t *testing.T) {
	locked := mifaretest.New1K()
	for sec := 1; sec < 16; sec++ {
		locked.Lock(sec)
	}

	tests := []struct {
		name       string
		card       *mifaretest.Card
		req        writeRequest
		wantStatus int
		wantCode   string
	}{
		{"odd hex", mifaretest.New1K(), writeRequest{Data: "ABC", IsHex: true}, http.StatusBadRequest, "FORMAT_ERROR"},
		{"bad hex", mifaretest.New1K(), writeRequest{Data: "XYZ1", IsHex: true}, http.StatusBadRequest, "FORMAT_ERROR"},
		{"empty", mifaretest.New1K(), writeRequest{Data: ""}, http.StatusBadRequest, "EMPTY_DATA"},
		{"locked card", locked, writeRequest{Data: "Hello"}, http.StatusInternalServerError, CodeWriteError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			ts := newHTTPServer(t, s)
			if _, err := s.Discover(tt.card); err != nil {
				t.Fatalf("Discover failed: %v", err)
			}
			writesBefore := len(tt.card.Writes)

			resp := postJSON(t, ts.URL+"/v1/card", tt.req)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			ce := decode[CommandError](t, resp)
			if ce.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", ce.Code, tt.wantCode)
			}
			if ce.Message == "" {
				t.Error("empty error message")
			}
			if len(tt.card.Writes) != writesBefore {
				t.Errorf("card was written: %v", tt.card.Writes)
			}
		})
	}
}

func TestWriteInvalidBody(t *testing.T) {
	ts := newHTTPServer(t, newTestServer(t))

	resp, err := http.Post(ts.URL+"/v1/card", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestClearCard(t *testing.T) {
	s := newTestServer(t)
	ts := newHTTPServer(t, s)
	card := mifaretest.New1K()
	card.SetBlock(4, []byte("Hello"))
	if _, err := s.Discover(card); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	resp := postJSON(t, ts.URL+"/v1/card/clear", clearRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unconfirmed clear: status %d", resp.StatusCode)
	}
	if got := card.Block(4); !bytes.HasPrefix(got, []byte("Hello")) {
		t.Fatal("unconfirmed clear touched the card")
	}

	resp = postJSON(t, ts.URL+"/v1/card/clear", clearRequest{Confirm: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status %d", resp.StatusCode)
	}
	result := decode[struct {
		Result mifare.ClearOutcome `json:"result"`
	}](t, resp)
	if result.Result.BlocksCleared != 45 || result.Result.BlocksFailed != 0 {
		t.Errorf("unexpected clear result: %+v", result.Result)
	}
	if got := card.Block(4); !bytes.Equal(got, make([]byte, 16)) {
		t.Errorf("block 4 = % X", got)
	}
}

func TestForgetDropsCard(t *testing.T) {
	s := newTestServer(t)
	ts := newHTTPServer(t, s)
	if _, err := s.Discover(mifaretest.New1K()); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	s.Forget()

	if resp := get(t, ts.URL+"/v1/card"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /v1/card after removal: status %d", resp.StatusCode)
	}
	resp := postJSON(t, ts.URL+"/v1/card", writeRequest{Data: "Hello"})
	if ce := decode[CommandError](t, resp); ce.Code != "NO_TAG" {
		t.Errorf("write after removal: code %s", ce.Code)
	}
	if resp := postJSON(t, ts.URL+"/v1/card/rescan", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("rescan after removal: status %d", resp.StatusCode)
	}
}

func TestReadErrorEvent(t *testing.T) {
	s := newTestServer(t)
	ts := newHTTPServer(t, s)

	card := mifaretest.New1K().FailTransportAfter(3)
	if _, err := s.Discover(card); err == nil {
		t.Fatal("expected read failure")
	}

	event := decode[session.Event](t, get(t, ts.URL+"/v1/card"))
	if event.Snapshot != nil || !strings.HasPrefix(event.Error, "Read error: ") {
		t.Errorf("unexpected event: %+v", event)
	}
	if resp := get(t, ts.URL+"/v1/card/dump"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("dump of failed read: status %d", resp.StatusCode)
	}
}

func TestDump(t *testing.T) {
	s := newTestServer(t)
	ts := newHTTPServer(t, s)
	card := mifaretest.New1K()
	card.SetBlock(4, []byte("Hello"))

	if resp := get(t, ts.URL+"/v1/card/dump"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("dump before any read: status %d", resp.StatusCode)
	}
	if _, err := s.Discover(card); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	tests := []struct {
		query       string
		contentType string
		format      dump.Format
	}{
		{"", "application/json", dump.FormatJSON},
		{"?format=cbor", "application/cbor", dump.FormatCBOR},
		{"?format=cbor&compress=zstd", "application/cbor", dump.FormatCBOR},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := get(t, ts.URL+"/v1/card/dump"+tt.query)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != tt.contentType {
				t.Errorf("Content-Type = %s", ct)
			}
			// the client must not transparently decode zstd
			snap, err := dump.Read(resp.Body, tt.format)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if snap.UID != "932BAE0E" || snap.Blocks[4].Text != "Hello..........." {
				t.Errorf("unexpected snapshot %s: %q", snap.UID, snap.Blocks[4].Text)
			}
		})
	}

	t.Run("text", func(t *testing.T) {
		resp := get(t, ts.URL+"/v1/card/dump?format=text")
		body, _ := io.ReadAll(resp.Body)
		if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
			t.Errorf("Content-Type = %s", resp.Header.Get("Content-Type"))
		}
		if !strings.Contains(string(body), "MIFARE Classic 1K") {
			t.Errorf("unexpected body:\n%s", body)
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if resp := get(t, ts.URL+"/v1/card/dump?format=xml"); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status %d", resp.StatusCode)
		}
	})
}

func TestReadersAndHealth(t *testing.T) {
	s := newTestServer(t)
	ts := newHTTPServer(t, s)

	readers := decode[[]map[string]any](t, get(t, ts.URL+"/v1/readers"))
	if len(readers) != 1 || readers[0]["name"] != "ACS ACR122U PICC Interface 00 00" {
		t.Errorf("unexpected readers: %v", readers)
	}

	health := decode[map[string]any](t, get(t, ts.URL+"/v1/health"))
	if health["status"] != "ok" || health["readerCount"] != float64(1) || health["tagPresent"] != false {
		t.Errorf("unexpected health: %v", health)
	}

	if _, err := s.Discover(mifaretest.New1K()); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	health = decode[map[string]any](t, get(t, ts.URL+"/v1/health"))
	if health["tagPresent"] != true {
		t.Errorf("tagPresent = %v after discovery", health["tagPresent"])
	}
}

func TestReadersWithoutPCSC(t *testing.T) {
	s := NewServer(session.NewManager(), fakeFactory{err: errors.New("service not running")})
	ts := newHTTPServer(t, s)

	resp := get(t, ts.URL+"/v1/readers")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if readers := decode[[]any](t, resp); len(readers) != 0 {
		t.Errorf("readers = %v", readers)
	}
}

func TestSettingsEndpoint(t *testing.T) {
	useTempSettings(t)
	ts := newHTTPServer(t, newTestServer(t))

	got := decode[map[string]any](t, get(t, ts.URL+"/v1/settings"))
	if got["crashReporting"] != false {
		t.Errorf("default crashReporting = %v", got["crashReporting"])
	}

	resp := postJSON(t, ts.URL+"/v1/settings", map[string]any{"preferredReader": "ACR122"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	got = decode[map[string]any](t, resp)
	if got["preferredReader"] != "ACR122" || got["crashReporting"] != false {
		t.Errorf("unexpected settings: %v", got)
	}

	got = decode[map[string]any](t, get(t, ts.URL+"/v1/settings"))
	if got["preferredReader"] != "ACR122" {
		t.Errorf("preferredReader not persisted: %v", got)
	}
}

func TestShutdown(t *testing.T) {
	s := newTestServer(t)
	ts := newHTTPServer(t, s)

	if resp := postJSON(t, ts.URL+"/v1/shutdown", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("without handler: status %d", resp.StatusCode)
	}

	called := make(chan struct{})
	s.SetShutdownHandler(func() { close(called) })
	if resp := postJSON(t, ts.URL+"/v1/shutdown", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("with handler: status %d", resp.StatusCode)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("shutdown handler not called")
	}
}

func TestLogsEndpoint(t *testing.T) {
	ts := newHTTPServer(t, newTestServer(t))

	resp := get(t, ts.URL+"/v1/logs?limit=5&level=warn&category=card")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	got := decode[map[string]json.RawMessage](t, resp)
	for _, key := range []string{"entries", "stats"} {
		if _, ok := got[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/logs", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	defer del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Errorf("DELETE status %d", del.StatusCode)
	}
}

func TestRespondJSON(t *testing.T) {
	tests := []struct {
		status int
		data   any
	}{
		{http.StatusOK, map[string]string{"message": "hello"}},
		{http.StatusCreated, map[string]string{"id": "123"}},
		{http.StatusBadRequest, CommandError{Code: "FORMAT_ERROR", Message: "invalid hex"}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			w := httptest.NewRecorder()
			respondJSON(w, tt.status, tt.data)

			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected Content-Type application/json, got %s", ct)
			}
			if !json.Valid(w.Body.Bytes()) {
				t.Errorf("invalid JSON body: %s", w.Body.String())
			}
		})
	}
}
