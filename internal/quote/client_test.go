package quote

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "pk_test", 200*time.Millisecond, zerolog.Nop())
}

func TestClient_Lookup(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/AAPL/quote", r.URL.Path)
		assert.Equal(t, "pk_test", r.URL.Query().Get("token"))
		w.Write([]byte(`{"symbol":"AAPL","companyName":"Apple Inc.","latestPrice":189.37}`))
	})

	q, err := c.Lookup(context.Background(), " aapl ")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, "Apple Inc.", q.Name)
	assert.Equal(t, "189.37", q.Price.String())
}

func TestClient_Lookup_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		expect  error
	}{
		{
			name:    "NotFound",
			handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "Unknown symbol", http.StatusNotFound) },
			expect:  ErrSymbolNotFound,
		},
		{
			name:    "EmptyBody",
			handler: func(w http.ResponseWriter, r *http.Request) {},
			expect:  ErrSymbolNotFound,
		},
		{
			name:    "MissingPrice",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"symbol":"XYZ","companyName":"X"}`)) },
			expect:  ErrSymbolNotFound,
		},
		{
			name:    "ZeroPrice",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"symbol":"XYZ","latestPrice":0}`)) },
			expect:  ErrSymbolNotFound,
		},
		{
			name:    "TinyPrice",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"symbol":"XYZ","latestPrice":0.00004}`)) },
			expect:  ErrSymbolNotFound,
		},
		{
			name:    "ServerError",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			expect:  ErrUnavailable,
		},
		{
			name:    "MalformedJSON",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"symbol":`)) },
			expect:  ErrUnavailable,
		},
		{
			name: "Timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(time.Second):
				case <-r.Context().Done():
				}
			},
			expect: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, tt.handler)
			_, err := c.Lookup(context.Background(), "XYZ")
			assert.ErrorIs(t, err, tt.expect)
		})
	}
}

func TestClient_Lookup_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, "pk_test", 200*time.Millisecond, zerolog.Nop())
	_, err := c.Lookup(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_Lookup_EmptySymbol(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "pk_test", time.Second, zerolog.Nop())
	_, err := c.Lookup(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestClient_Lookup_ErrorsHideToken(t *testing.T) {
	var logs bytes.Buffer
	c := NewClient("http://127.0.0.1:1", "SECRET-KEY-123", time.Second, zerolog.New(&logs))

	_, err := c.Lookup(context.Background(), "ACME")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotContains(t, err.Error(), "SECRET-KEY-123")
	assert.NotEmpty(t, logs.String())
	assert.NotContains(t, logs.String(), "SECRET-KEY-123")
}
