package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-generation-gateway/internal/engine"
	"image-generation-gateway/internal/engine/enginetest"
	"image-generation-gateway/internal/models"
)

func newTracker(t *testing.T, opts enginetest.Options, timeout time.Duration) (*Tracker, *enginetest.Server) {
	t.Helper()
	srv := enginetest.NewServer(opts)
	t.Cleanup(srv.Close)
	client := engine.NewClient(engine.Options{BaseURL: srv.URL})
	tr := New(client, Options{PollInterval: 10 * time.Millisecond, Timeout: timeout, Logger: zerolog.Nop()})
	return tr, srv
}

func TestRunCompletes(t *testing.T) {
	tr, srv := newTracker(t, enginetest.Options{PendingPolls: 3}, time.Second)

	art, job, err := tr.Run(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, srv.Image(), art.Data)
	assert.Equal(t, "gateway_00001_.png", art.Filename)
	assert.Equal(t, "output", art.Type)
	assert.Equal(t, Completed, job.Status())
	assert.Equal(t, []Status{Submitted, Polling, Completed}, job.History())
	assert.Equal(t, 4, srv.HistoryCalls())
	assert.Zero(t, srv.PollsAfterFinal(job.Handle().PromptID))
}

func TestRunTimesOutOnlyAfterDeadline(t *testing.T) {
	timeout := 150 * time.Millisecond
	tr, srv := newTracker(t, enginetest.Options{PendingPolls: -1}, timeout)

	start := time.Now()
	_, job, err := tr.Run(context.Background(), map[string]any{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.CodeTimedOut))
	assert.Contains(t, err.Error(), "timed out")
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Equal(t, TimedOut, job.Status())
	assert.Greater(t, srv.HistoryCalls(), 1)
	assert.Zero(t, srv.Views())
}

func TestRunSubmitFailureNeverPolls(t *testing.T) {
	tr, srv := newTracker(t, enginetest.Options{SubmitStatus: http.StatusInternalServerError}, time.Second)

	_, job, err := tr.Run(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.CodeUpstreamSubmit))
	assert.Nil(t, job)
	assert.Zero(t, srv.HistoryCalls())
}

func TestRunTreatsHistoryErrorsAsPending(t *testing.T) {
	tr, srv := newTracker(t, enginetest.Options{HistoryErrors: 3}, time.Second)

	art, _, err := tr.Run(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.NotEmpty(t, art.Data)
	assert.Equal(t, 4, srv.HistoryCalls())
}

func TestRunEngineErrorStatus(t *testing.T) {
	tr, srv := newTracker(t, enginetest.Options{StatusStr: "error"}, time.Second)

	_, job, err := tr.Run(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.CodeEngineFailed))
	assert.Equal(t, Failed, job.Status())
	assert.Zero(t, srv.Views())
}

func TestRunArtifactMissing(t *testing.T) {
	for name, opts := range map[string]enginetest.Options{
		"no images":     {NoImages: true},
		"view rejected": {ViewStatus: http.StatusNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			tr, _ := newTracker(t, opts, time.Second)
			_, job, err := tr.Run(context.Background(), map[string]any{})
			require.Error(t, err)
			assert.True(t, models.HasCode(err, models.CodeArtifactMissing))
			assert.Equal(t, Failed, job.Status())
		})
	}
}

func TestPollIgnoresCallerCancellation(t *testing.T) {
	tr, _ := newTracker(t, enginetest.Options{PendingPolls: 2}, time.Second)
	job, err := tr.Submit(context.Background(), map[string]any{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, Polling, job.Status())
}

type stubEngine struct {
	views []string
	fail  map[string]bool
}

func (s *stubEngine) Submit(context.Context, any) (string, error) { return "p1", nil }

func (s *stubEngine) History(context.Context, string) (engine.HistoryRecord, error) {
	return engine.HistoryRecord{}, errors.New("unused")
}

func (s *stubEngine) View(_ context.Context, ref engine.ImageRef) ([]byte, error) {
	s.views = append(s.views, ref.Filename)
	if s.fail[ref.Filename] {
		return nil, errors.New("gone")
	}
	return []byte(ref.Filename), nil
}

func images(names ...string) engine.NodeOutput {
	refs := make([]engine.ImageRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, engine.ImageRef{Filename: n, Type: "output"})
	}
	raw, _ := json.Marshal(refs)
	return engine.NodeOutput{"images": raw}
}

func TestFetchScansNodesInOrder(t *testing.T) {
	stub := &stubEngine{fail: map[string]bool{"a.png": true}}
	tr := New(stub, Options{})
	job, err := tr.Submit(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, job.advance(Polling))

	rec := engine.HistoryRecord{Outputs: map[string]engine.NodeOutput{
		"10": images("c.png"),
		"9":  images("a.png", "b.png"),
		"2":  {"text": json.RawMessage(`"x"`)},
	}}
	art, err := tr.Fetch(context.Background(), job, rec)
	require.NoError(t, err)
	assert.Equal(t, "b.png", art.Filename)
	assert.Equal(t, []string{"a.png", "b.png"}, stub.views)
}

func TestStatusTransitionsAreForwardOnly(t *testing.T) {
	job := newJob(Handle{PromptID: "p"})
	assert.Error(t, job.advance(Completed))
	require.NoError(t, job.advance(Polling))
	require.NoError(t, job.advance(TimedOut))
	assert.Error(t, job.advance(Polling))
	assert.Error(t, job.advance(Completed))
	assert.True(t, job.Status().Terminal())
}

func TestNewAppliesDefaultCadence(t *testing.T) {
	tr := New(&stubEngine{}, Options{})
	assert.Equal(t, time.Second, tr.interval)
	assert.Equal(t, 300*time.Second, tr.timeout)
}
