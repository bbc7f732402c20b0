package httpjson

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Upper string `json:"upper"`
}

func TestClient_Post(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/echo", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in echoReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(echoResp{Upper: in.Text + "!"})
	}))
	defer srv.Close()

	c := NewClient(Config{Name: "echo", BaseURL: srv.URL + "/", Timeout: time.Second}, discardLogger())

	var out echoResp
	require.NoError(t, c.Post(context.Background(), "/v1/echo", echoReq{Text: "hi"}, &out))
	assert.Equal(t, "hi!", out.Upper)
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{Name: "m", BaseURL: srv.URL}, discardLogger())

	err := c.Post(context.Background(), "/x", echoReq{}, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.True(t, se.ClientError())
	assert.Equal(t, "model not found", se.Body)
}

func TestClient_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	c := NewClient(Config{Name: "m", BaseURL: srv.URL}, discardLogger())

	var out echoResp
	err := c.Post(context.Background(), "/x", echoReq{}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")
}

func TestClient_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{
		Name:             "flaky",
		BaseURL:          srv.URL,
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}, discardLogger())

	for i := 0; i < 2; i++ {
		err := c.Post(context.Background(), "/x", echoReq{}, nil)
		var se *StatusError
		require.ErrorAs(t, err, &se)
	}

	err := c.Post(context.Background(), "/x", echoReq{}, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_ClientErrorsDoNotTrip(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{Name: "strict", BaseURL: srv.URL, FailureThreshold: 1}, discardLogger())

	for i := 0; i < 3; i++ {
		err := c.Post(context.Background(), "/x", echoReq{}, nil)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, int32(3), hits.Load())
}
