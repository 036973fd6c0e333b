package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/subgen/internal/hardware"
	"github.com/fxnlabs/subgen/internal/recovery"
	"github.com/fxnlabs/subgen/internal/server"
)

func TestTranscribe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transcriptions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req server.TranscriptionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a.wav", req.Audio)

		_, _ = w.Write([]byte(`{"requestId":"r1","backend":"cpu","segments":[{"start":0,"end":1,"text":"hi"}]}`))
	}))
	defer ts.Close()

	res, err := New(ts.URL+"/", nil).Transcribe(context.Background(), server.TranscriptionRequest{Audio: "a.wav", Model: "base"})
	require.NoError(t, err)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, hardware.RuntimeCPU, res.Backend)
	require.Len(t, res.Segments, 1)
}

func TestAPIError(t *testing.T) {
	t.Run("structured", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"no backend could run","kind":"fatal"}`))
		}))
		defer ts.Close()

		_, err := New(ts.URL, nil).Transcribe(context.Background(), server.TranscriptionRequest{Audio: "a.wav", Model: "base"})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
		assert.Equal(t, string(recovery.KindFatal), apiErr.Kind)
		assert.Contains(t, err.Error(), "no backend could run")
	})

	t.Run("plain text", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}))
		defer ts.Close()

		_, err := New(ts.URL, nil).Hardware(context.Background())
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "method not allowed", apiErr.Message)
	})
}

func TestQueryParameters(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	c := New(ts.URL, nil)
	_, err := c.Chain(context.Background(), "cuda")
	require.NoError(t, err)
	_, err = c.History(context.Background(), 5)
	require.NoError(t, err)
	_, err = c.Batch(context.Background(), []server.TranscriptionRequest{{Audio: "a.wav", Model: "base"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"/v1/chain?preference=cuda", "/v1/history?limit=5", "/v1/transcriptions/batch"}, paths)
}
