package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-generation-gateway/internal/models"
)

func TestDeliverPostsJSONOnce(t *testing.T) {
	var calls atomic.Int32
	bodies := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	seed := int64(99)
	err := NewDispatcher(time.Second, zerolog.Nop()).Deliver(context.Background(), srv.URL, models.CallbackPayload{
		RequestID: "abc123",
		Status:    models.StatusCompleted,
		ImageURL:  "/images/x.png",
		ImageHash: "deadbeefdeadbeef",
		SeedUsed:  &seed,
		UserID:    "u1",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	got := <-bodies
	assert.Equal(t, "abc123", got["request_id"])
	assert.Equal(t, "completed", got["status"])
	assert.EqualValues(t, 99, got["seed_used"])
	_, hasErr := got["error"]
	assert.False(t, hasErr)
}

func TestDeliverNonSuccessIsFailureWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewDispatcher(time.Second, zerolog.Nop()).Deliver(context.Background(), srv.URL, models.CallbackPayload{RequestID: "r"})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.CodeCallbackDelivery))
	assert.EqualValues(t, 1, calls.Load())
}

func TestDeliverTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	err := NewDispatcher(50*time.Millisecond, zerolog.Nop()).Deliver(context.Background(), srv.URL, models.CallbackPayload{RequestID: "r"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDeliverUnreachable(t *testing.T) {
	err := NewDispatcher(time.Second, zerolog.Nop()).Deliver(context.Background(), "http://127.0.0.1:1/hook", models.CallbackPayload{RequestID: "r"})
	assert.Error(t, err)
}
