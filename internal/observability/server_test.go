package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.Delivery("delivered", 2)
	healthy := true
	s := NewServer(ServerConfig{}, m, func(context.Context) (map[string]any, error) {
		if healthy {
			return map[string]any{"jobs": 3}, nil
		}
		return nil, errors.New("store unreachable")
	}, logx.Nop())
	h := s.Router(ServerConfig{})

	rec := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["jobs"])

	healthy = false
	rec = get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store unreachable")

	rec = get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cronbot_deliveries_total{outcome="delivered"} 1`)
	assert.Contains(t, rec.Body.String(), "cronbot_delivery_retries_total 1")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", nil).Code)
}

func TestTokenAndPprof(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{}, nil, nil, logx.Nop())
	h := s.Router(ServerConfig{Token: "s3cret", Pprof: true})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/?token=s3cret", nil).Code)
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, NewMetrics(), nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Start(ctx)

	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Reconfigure(ctx, ServerConfig{Enabled: false})
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Supervisor())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:80":   true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"bad":            false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}
