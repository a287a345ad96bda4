package executor

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingrobot/internal/models"
	"pingrobot/internal/telemetry"
)

func strPtr(s string) *string { return &s }

func TestExecuteStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantError models.ErrorType
	}{
		{"ok", http.StatusOK, "pong", models.ErrorNone},
		{"no content", http.StatusNoContent, "", models.ErrorNone},
		{"not found", http.StatusNotFound, "missing", models.Error4xx},
		{"teapot", http.StatusTeapot, "", models.Error4xx},
		{"server error", http.StatusInternalServerError, "boom", models.Error5xx},
		{"unavailable", http.StatusServiceUnavailable, "", models.Error5xx},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			before := time.Now().UTC()
			a := New(Options{Timeout: time.Second}).Execute(context.Background(), models.Target{URL: srv.URL, Method: http.MethodGet})

			require.NotNil(t, a.StatusCode)
			assert.Equal(t, tt.status, *a.StatusCode)
			assert.Equal(t, tt.wantError, a.ErrorType)
			assert.Equal(t, int64(len(tt.body)), a.ResponseSize)
			assert.GreaterOrEqual(t, a.LatencyMS, 0.0)
			assert.False(t, a.Timestamp.Before(before.Add(-time.Millisecond)))
			assert.Equal(t, time.UTC, a.Timestamp.Location())
		})
	}
}

func TestExecuteSendsMethodHeadersAndBody(t *testing.T) {
	type seen struct {
		method, body, header string
	}
	var mu sync.Mutex
	var got []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, seen{r.Method, string(b), r.Header.Get("X-Probe")})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := New(Options{Timeout: time.Second})
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodGet, http.MethodDelete} {
		a := exec.Execute(context.Background(), models.Target{
			URL:          srv.URL,
			Method:       method,
			Headers:      map[string]string{"X-Probe": "yes"},
			BodyTemplate: strPtr(`{"ping":true}`),
		})
		require.Equal(t, models.ErrorNone, a.ErrorType, method)
	}

	require.Len(t, got, 5)
	for _, s := range got[:3] {
		assert.Equal(t, `{"ping":true}`, s.body, s.method)
		assert.Equal(t, "yes", s.header)
	}
	for _, s := range got[3:] {
		assert.Empty(t, s.body, s.method)
		assert.Equal(t, "yes", s.header)
	}
}

func TestExecuteDoesNotFollowRedirects(t *testing.T) {
	var followed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			followed = true
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, "/final", http.StatusFound)
	}))
	defer srv.Close()

	a := New(Options{Timeout: time.Second}).Execute(context.Background(), models.Target{URL: srv.URL + "/start", Method: http.MethodGet})
	require.NotNil(t, a.StatusCode)
	assert.Equal(t, http.StatusFound, *a.StatusCode)
	assert.Equal(t, models.ErrorNone, a.ErrorType)
	assert.True(t, a.Successful())
	assert.False(t, followed)
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	a := New(Options{Timeout: 50 * time.Millisecond}).Execute(context.Background(), models.Target{URL: srv.URL, Method: http.MethodGet})
	assert.Equal(t, models.ErrorTimeout, a.ErrorType)
	assert.Nil(t, a.StatusCode)
	assert.Zero(t, a.ResponseSize)
	assert.GreaterOrEqual(t, a.LatencyMS, 40.0)
}

func TestExecuteUnreachableHost(t *testing.T) {
	// Reserve a port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	a := New(Options{Timeout: time.Second}).Execute(context.Background(), models.Target{URL: "http://" + addr + "/ping", Method: http.MethodGet})
	assert.Equal(t, models.ErrorConnection, a.ErrorType)
	assert.Nil(t, a.StatusCode)
	assert.Zero(t, a.ResponseSize)
}

func TestExecuteDNSFailure(t *testing.T) {
	a := New(Options{Timeout: 2 * time.Second}).Execute(context.Background(), models.Target{URL: "https://example.invalid/ping", Method: http.MethodGet})
	assert.Contains(t, []models.ErrorType{models.ErrorDNS, models.ErrorTimeout}, a.ErrorType)
	assert.Nil(t, a.StatusCode)
	assert.Zero(t, a.ResponseSize)
}

func TestExecuteInvalidRequestIsUnknown(t *testing.T) {
	a := New(Options{}).Execute(context.Background(), models.Target{URL: "http://example.com", Method: "BAD METHOD"})
	assert.Equal(t, models.ErrorUnknown, a.ErrorType)
	assert.Nil(t, a.StatusCode)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := telemetry.New(prometheus.NewRegistry())
	exec := New(Options{Timeout: time.Second, Metrics: m})
	exec.Execute(context.Background(), models.Target{URL: srv.URL + "/ok", Method: http.MethodGet})
	exec.Execute(context.Background(), models.Target{URL: srv.URL + "/bad", Method: http.MethodGet})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("5xx")))
}

func TestExecuteRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := New(Options{Timeout: time.Second, RequestsPerSecond: 10})
	start := time.Now()
	for i := 0; i < 3; i++ {
		a := exec.Execute(context.Background(), models.Target{URL: srv.URL, Method: http.MethodGet})
		require.Equal(t, models.ErrorNone, a.ErrorType)
	}
	// Burst of 10 lets the first three through without waiting.
	assert.Less(t, time.Since(start), time.Second)

	slow := New(Options{Timeout: time.Second, RequestsPerSecond: 2})
	start = time.Now()
	for i := 0; i < 4; i++ {
		slow.Execute(context.Background(), models.Target{URL: srv.URL, Method: http.MethodGet})
	}
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestNewDefaultsTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, New(Options{}).Timeout())
	assert.Equal(t, 3*time.Second, New(Options{Timeout: 3 * time.Second}).Timeout())
}
