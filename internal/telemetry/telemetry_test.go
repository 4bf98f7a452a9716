package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry

	ctx := context.Background()
	called := 0

	err := tel.InstrumentAttempt(ctx, "remote-service", func(context.Context) error {
		called++

		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")

	require.NoError(t, tel.InstrumentDBOperation(ctx, "save", func(context.Context) error {
		called++

		return nil
	}))

	_, end := tel.StartAcquisition(ctx)
	end()

	tel.RecordAcquisition("success", "", 1, time.Second)
	tel.RecordAttempt("remote-service", "failure", "RateLimited", time.Second)
	tel.RecordBackoff("remote-service", time.Second)
	tel.RecordIdentityOutcome("failure")
	tel.RecordIdentityExclusion()
	tel.RecordDBOperation("save", "success", time.Millisecond)

	assert.Equal(t, 2, called)
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	called := false
	require.NoError(t, tel.InstrumentOperation(context.Background(), "op", "test", func(context.Context) error {
		called = true

		return nil
	}))
	assert.True(t, called)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnabledTelemetry(t *testing.T) {
	ctx := context.Background()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "video_acquirer_test", ServiceVersion: "test"})
	require.NoError(t, err)

	defer func() { _ = tel.Shutdown(ctx) }()

	ctx, end := tel.StartAcquisition(ctx)
	err = tel.InstrumentAttempt(ctx, "local-authenticated", func(context.Context) error { return nil })
	require.NoError(t, err)
	tel.RecordAttempt("local-authenticated", "success", "", 10*time.Millisecond)
	end()

	tel.RecordAcquisition("success", "", 1, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acquisitions")
}
