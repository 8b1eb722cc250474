package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webhookbroker/internal/metrics"
)

var metricsOnce sync.Once

func ensureMetrics() {
	metricsOnce.Do(metrics.Init)
}

func TestAllowDeniesTheNPlusOnethRequest(t *testing.T) {
	ensureMetrics()
	l := New(time.Minute, 3)

	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))
}

func TestAllowIsPerIP(t *testing.T) {
	ensureMetrics()
	l := New(time.Minute, 1)

	require.True(t, l.Allow("1.1.1.1"))
	require.True(t, l.Allow("2.2.2.2"))
	require.False(t, l.Allow("1.1.1.1"))
}

func TestAllowResetsAfterWindowExpiry(t *testing.T) {
	ensureMetrics()
	l := New(20*time.Millisecond, 1)

	require.True(t, l.Allow("1.1.1.1"))
	require.False(t, l.Allow("1.1.1.1"))

	time.Sleep(30 * time.Millisecond)
	require.True(t, l.Allow("1.1.1.1"))
}

func TestEvictRemovesExpiredWindows(t *testing.T) {
	ensureMetrics()
	l := New(10*time.Millisecond, 5)
	l.Allow("1.1.1.1")
	time.Sleep(20 * time.Millisecond)
	l.evict()

	l.mu.Lock()
	n := len(l.state)
	l.mu.Unlock()
	require.Equal(t, 0, n)
}

func TestClientIPPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "9.9.9.9:1234"
	require.Equal(t, "9.9.9.9", ClientIP(r))

	r.Header.Set("CF-Connecting-IP", "8.8.8.8")
	require.Equal(t, "8.8.8.8", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	require.Equal(t, "1.1.1.1", ClientIP(r))
}
