package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/video_acquirer/internal/acquire"
	"github.com/italolelis/video_acquirer/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const videoURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

func newRequest(t *testing.T) acquire.Request {
	t.Helper()

	req, err := acquire.NewRequest(videoURL, filepath.Join(t.TempDir(), "video.mp4"), 3, time.Second)
	require.NoError(t, err)

	return req
}

func decodeURL(t *testing.T, r *http.Request) string {
	t.Helper()

	var body struct {
		URL string `json:"url"`
	}

	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

	return body.URL
}

func TestFetchBinaryStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, videoURL, decodeURL(t, r))

		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL, Token: "secret"})
	req := newRequest(t)

	require.NoError(t, s.Fetch(context.Background(), req, nil))

	data, err := os.ReadFile(req.Destination())
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", string(data))
	assert.Equal(t, Name, s.Name())
	assert.False(t, s.UsesIdentity())
}

func TestFetchEnvelope(t *testing.T) {
	mux := http.NewServeMux()

	var srv *httptest.Server

	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]string{"videoUrl": srv.URL + "/files/video.mp4"})
	})
	mux.HandleFunc("/files/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte("linked-bytes"))
	})

	srv = httptest.NewServer(mux)
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL + "/download"})
	req := newRequest(t)

	require.NoError(t, s.Fetch(context.Background(), req, nil))

	data, err := os.ReadFile(req.Destination())
	require.NoError(t, err)
	assert.Equal(t, "linked-bytes", string(data))
}

func TestFetchFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		ctype    string
		body     string
		wantKind failure.Kind
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantKind: failure.RateLimited},
		{name: "not found status", status: http.StatusNotFound, wantKind: failure.NotFound},
		{name: "unauthorized", status: http.StatusUnauthorized, wantKind: failure.AuthExpired},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, wantKind: failure.NetworkTimeout},
		{name: "age gated body", status: http.StatusForbidden, body: "Sign in to confirm your age", wantKind: failure.AgeRestricted},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantKind: failure.Unknown},
		{name: "error envelope", status: http.StatusOK, ctype: "application/json", body: `{"error":"Video unavailable"}`, wantKind: failure.NotFound},
		{name: "envelope without link", status: http.StatusOK, ctype: "application/json", body: `{}`, wantKind: failure.Unknown},
		{name: "empty stream", status: http.StatusOK, ctype: "video/mp4", wantKind: failure.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.ctype != "" {
					w.Header().Set("Content-Type", tt.ctype)
				}

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			req := newRequest(t)
			err := New(Config{Endpoint: srv.URL}).Fetch(context.Background(), req, nil)
			require.Error(t, err)

			var fe *failure.Error
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, Name, fe.Strategy)
			assert.Equal(t, tt.wantKind, failure.ClassifyError(err), err.Error())

			assert.NoFileExists(t, req.Destination())
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := New(Config{Endpoint: srv.URL}).Fetch(ctx, newRequest(t), nil)
	require.Error(t, err)
	assert.Equal(t, failure.NetworkTimeout, failure.ClassifyError(err))
}

func TestFetchThrottled(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL, RequestsPerSecond: 0.001})

	require.NoError(t, s.Fetch(context.Background(), newRequest(t), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Fetch(ctx, newRequest(t), nil)
	require.Error(t, err)
	assert.Equal(t, failure.NetworkTimeout, failure.ClassifyError(err))
	assert.Equal(t, int32(1), calls.Load())
}
