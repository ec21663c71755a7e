package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type headerSigner struct{ key string }

func (s *headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-API-KEY", s.key)
	return nil
}

func TestClient_GetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"price":"42000"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 0)
	body, err := c.Get(context.Background(), "/api/v3/ticker/price", map[string]string{"symbol": "BTCUSDT"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":"42000"}`, string(body))
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 0)
	body, err := c.Get(context.Background(), "/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":700002,"msg":"signature invalid"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 0)
	_, err := c.Get(context.Background(), "/", nil, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "700002")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_SignerApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mx-key", r.Header.Get("X-API-KEY"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 0)
	_, err := c.Post(context.Background(), "/api/v3/order", map[string]string{"side": "BUY"}, &headerSigner{key: "mx-key"})
	require.NoError(t, err)
}
