package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type headerSigner struct{ calls int32 }

func (s *headerSigner) SignRequest(req *http.Request) error {
	atomic.AddInt32(&s.calls, 1)
	req.Header.Set("X-Test-Sig", "ok")
	return nil
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.RetryDelay = time.Millisecond
	opts.RetryMaxDelay = 5 * time.Millisecond
	return opts
}

func TestGetRetriesServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	signer := &headerSigner{}
	client := NewClientWithOptions(server.URL, signer, fastOptions())
	body, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(body))
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	assert.EqualValues(t, 3, atomic.LoadInt32(&signer.calls), "every attempt is signed afresh")
}

func TestPostIsNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())
	_, err := client.Post(context.Background(), "/api/v3/order", url.Values{"symbol": {"BTCUSDT"}})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestClientErrorsAreReturnedVerbatim(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order"}`))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())
	_, err := client.Get(context.Background(), "/api/v3/order", url.Values{"symbol": {"BTCUSDT"}})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, string(apiErr.Body), "-2011")
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts), "4xx responses are not retried")
}

func TestPublicGetSkipsSigner(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Test-Sig"))
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	signer := &headerSigner{}
	client := NewClientWithOptions(server.URL, signer, fastOptions())
	_, err := client.GetPublic(context.Background(), "/api/v3/depth", nil)
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&signer.calls))
}

func TestCircuitBreakerOpens(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	opts := fastOptions()
	opts.MaxRetries = 0
	client := NewClientWithOptions(server.URL, nil, opts)

	for i := 0; i < 6; i++ {
		_, _ = client.Delete(context.Background(), "/", nil)
	}

	before := atomic.LoadInt32(&attempts)
	_, err := client.Delete(context.Background(), "/", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, atomic.LoadInt32(&attempts), "open circuit does not reach the server")
}
