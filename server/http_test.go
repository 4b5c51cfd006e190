package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/playground-store/engine"
	"github.com/wolfeidau/playground-store/quota"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	ecfg := engine.DefaultConfig()
	ecfg.Path = filepath.Join(t.TempDir(), "store.db")
	ecfg.NoSync = true
	ecfg.Quota = quota.Unknown{}

	eng, err := engine.Open(context.Background(), ecfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, eng)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/commands", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","durable":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestCommand_RoundTrip(t *testing.T) {
	h := newTestServer(t, Config{}).Handler()

	rec := post(t, h, `{"type":"CacheBlob","payload":{"key":"k","bytes":"aGVsbG8="}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"BlobCached","payload":{"key":"k","size":5}}`, rec.Body.String())

	rec = post(t, h, `{"type":"GetCachedBlob","payload":{"key":"k"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var evt struct {
		Type    string `json:"type"`
		Payload struct {
			Bytes []byte `json:"bytes"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evt))
	assert.Equal(t, engine.EvtBlobLoaded, evt.Type)
	assert.Equal(t, "hello", string(evt.Payload.Bytes))
}

func TestCommand_ErrorStatus(t *testing.T) {
	h := newTestServer(t, Config{}).Handler()

	tests := []struct {
		name   string
		body   string
		status int
		typ    string
	}{
		{name: "not found", body: `{"type":"EvictCache","payload":{"key":"nope"}}`, status: http.StatusNotFound, typ: engine.ErrTypeNotFound},
		{name: "unknown command", body: `{"type":"Nope"}`, status: http.StatusBadRequest, typ: engine.ErrTypeInvalidCommand},
		{name: "malformed envelope", body: `{"type":`, status: http.StatusBadRequest, typ: engine.ErrTypeInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.body)
			require.Equal(t, tt.status, rec.Code)

			var evt struct {
				Type    string              `json:"type"`
				Payload engine.ErrorPayload `json:"payload"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evt))
			assert.Equal(t, engine.EvtError, evt.Type)
			assert.Equal(t, tt.typ, evt.Payload.Error.Type)
		})
	}
}

func TestCommand_BodyTooLarge(t *testing.T) {
	h := newTestServer(t, Config{MaxBodyBytes: 16}).Handler()

	rec := post(t, h, `{"type":"CacheBlob","payload":{"key":"k","bytes":"aGVsbG8="}}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCommand_RequiresAuth(t *testing.T) {
	h := newTestServer(t, Config{AuthToken: "s3cret"}).Handler()

	rec := post(t, h, `{"type":"GetCacheStats"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/commands", strings.NewReader(`{"type":"GetCacheStats"}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStats(t *testing.T) {
	h := newTestServer(t, Config{}).Handler()
	post(t, h, `{"type":"CacheBlob","payload":{"key":"k","bytes":"aGVsbG8="}}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cache struct {
			FileCount int    `json:"file_count"`
			TotalSize uint64 `json:"total_size"`
		} `json:"cache"`
		Quota struct {
			Used uint64 `json:"used"`
		} `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Cache.FileCount)
	assert.Equal(t, uint64(5), body.Cache.TotalSize)
	assert.Positive(t, body.Quota.Used)
}

func TestStatusForEvent(t *testing.T) {
	errEvt := func(typ string) engine.Event {
		return engine.Event{Type: engine.EvtError, Payload: engine.ErrorPayload{Error: engine.ErrorInfo{Type: typ}}}
	}
	assert.Equal(t, http.StatusOK, statusForEvent(engine.Event{Type: engine.EvtCacheCleared}))
	assert.Equal(t, http.StatusInsufficientStorage, statusForEvent(errEvt(engine.ErrTypeQuotaExceeded)))
	assert.Equal(t, http.StatusForbidden, statusForEvent(errEvt(engine.ErrTypeWrongPassphrase)))
	assert.Equal(t, http.StatusConflict, statusForEvent(errEvt(engine.ErrTypeCorrupted)))
	assert.Equal(t, http.StatusNotImplemented, statusForEvent(errEvt(engine.ErrTypeNotSupported)))
	assert.Equal(t, http.StatusInternalServerError, statusForEvent(errEvt(engine.ErrTypeDatabase)))
}

func TestServe_Shutdown(t *testing.T) {
	s := newTestServer(t, Config{MaxConnections: 2})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
}
