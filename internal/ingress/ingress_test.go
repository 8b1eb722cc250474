package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webhookbroker/internal/controlplane"
	"webhookbroker/internal/injector"
	"webhookbroker/internal/metrics"
	"webhookbroker/internal/pipeline"
	"webhookbroker/internal/ratelimit"
	"webhookbroker/internal/store"
)

func init() {
	metrics.Init()
}

func newTestServer(t *testing.T, cap int) (*Server, store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	inj := injector.New(t.TempDir(), 200*time.Millisecond)
	pipe := pipeline.New(st, nil, inj, func(string) bool { return false })
	limiter := ratelimit.New(time.Minute, cap)
	cp := controlplane.New(st, nil, nil)
	t.Cleanup(cp.Close)

	srv := New(Config{
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  5 * time.Second,
		MaxBodyBytes: 1 << 20,
		ServerName:   "webhookbroker-test",
	}, pipe, limiter, cp)
	return srv, st
}

func (s *Server) testHandler() http.Handler { return s.srv.Handler }

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestWebhookValidSignatureAccepted(t *testing.T) {
	srv, st := newTestServer(t, 100)
	sub, err := st.CreateSubscription(&store.Subscription{SessionID: "sess-1", Secret: "abc"})
	require.NoError(t, err)

	body := []byte(`{"ref":"refs/heads/main"}`)
	mac := hmac.New(sha256.New, []byte("abc"))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook/"+sub.ID, bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	rec := httptest.NewRecorder()
	srv.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "accepted")
}

func TestWebhookInvalidSignatureForbidden(t *testing.T) {
	srv, st := newTestServer(t, 100)
	sub, err := st.CreateSubscription(&store.Subscription{SessionID: "sess-1", Secret: "abc"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook/"+sub.ID, bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(make([]byte, 32)))
	rec := httptest.NewRecorder()
	srv.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookUnknownSubscriptionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	req := httptest.NewRequest(http.MethodPost, "/webhook/does-not-exist", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRateLimitedOnFourthRequest(t *testing.T) {
	srv, st := newTestServer(t, 3)
	sub, err := st.CreateSubscription(&store.Subscription{SessionID: "sess-1"})
	require.NoError(t, err)

	var codes []int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook/"+sub.ID, bytes.NewReader([]byte(`{}`)))
		req.RemoteAddr = "5.5.5.5:1111"
		rec := httptest.NewRecorder()
		srv.testHandler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, http.StatusTooManyRequests, codes[3])
}

func TestRPCCreateSubscriptionRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, 100)

	params, err := json.Marshal(map[string]any{
		"name": "create_subscription",
		"arguments": map[string]any{
			"session_id": "sess-1",
		},
	})
	require.NoError(t, err)
	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  json.RawMessage(params),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	srv.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp controlplane.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
}

func TestRPCParseErrorOnMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp controlplane.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, controlplane.CodeParseError, resp.Error.Code)
}

func TestSSEStreamWritesConnectedComment(t *testing.T) {
	srv, _ := newTestServer(t, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.testHandler().ServeHTTP(rec, req)

	require.Contains(t, rec.Body.String(), ": connected")
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
