package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"image-generation-gateway/internal/config"
	"image-generation-gateway/internal/engine"
	"image-generation-gateway/internal/models"
	"image-generation-gateway/internal/telemetry"
)

// Engine is the subset of the engine protocol the tracker drives.
type Engine interface {
	Submit(ctx context.Context, graph any) (string, error)
	History(ctx context.Context, promptID string) (engine.HistoryRecord, error)
	View(ctx context.Context, ref engine.ImageRef) ([]byte, error)
}

// Artifact is a produced image and where the engine keeps it.
type Artifact struct {
	Data      []byte
	Filename  string
	Subfolder string
	Type      string
}

// Options configures polling.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       zerolog.Logger
}

// Tracker submits job graphs, polls them to a terminal record under a deadline
// and fetches the resulting artifact.
type Tracker struct {
	engine   Engine
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// New builds a tracker. Zero durations fall back to the 1s / 300s defaults.
func New(e Engine, opts Options) *Tracker {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.DefaultJobTimeout
	}
	return &Tracker{
		engine:   e,
		interval: interval,
		timeout:  timeout,
		logger:   opts.Logger.With().Str("component", "tracker").Logger(),
	}
}

// Run drives one graph through submit, poll and fetch. The returned job records
// the states it passed through; it is nil when submission failed.
func (t *Tracker) Run(ctx context.Context, graph any) (Artifact, *Job, error) {
	job, err := t.Submit(ctx, graph)
	if err != nil {
		return Artifact{}, nil, err
	}
	rec, err := t.Poll(ctx, job)
	if err != nil {
		return Artifact{}, job, err
	}
	art, err := t.Fetch(ctx, job, rec)
	return art, job, err
}

// Submit sends the graph to the engine. Any failure is an upstream submit
// error and no job is created.
func (t *Tracker) Submit(ctx context.Context, graph any) (*Job, error) {
	id, err := t.engine.Submit(ctx, graph)
	if err != nil {
		t.logger.Error().Err(err).Msg("engine refused job")
		return nil, models.NewError(models.CodeUpstreamSubmit, "engine refused job", err)
	}
	job := newJob(Handle{PromptID: id, SubmittedAt: time.Now()})
	telemetry.JobTransitions.WithLabelValues(Submitted.String()).Inc()
	t.logger.Info().Str("prompt_id", id).Msg("job submitted")
	return job, nil
}

// Poll reads the job's history once per interval until the engine reports a
// record or the deadline passes. A failed read or a missing record are both
// treated as "still running"; transient engine errors are not distinguished
// from unfinished work until the deadline lapses. Caller cancellation is
// ignored; only a record or the deadline ends the loop.
func (t *Tracker) Poll(ctx context.Context, job *Job) (engine.HistoryRecord, error) {
	ctx = context.WithoutCancel(ctx)
	if err := t.transition(job, Polling); err != nil {
		return engine.HistoryRecord{}, err
	}
	deadline := job.handle.SubmittedAt.Add(t.timeout)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if !time.Now().Before(deadline) {
			_ = t.transition(job, TimedOut)
			return engine.HistoryRecord{}, models.NewError(models.CodeTimedOut,
				fmt.Sprintf("generation timed out after %gs", t.timeout.Seconds()), nil)
		}

		rec, err := t.readHistory(ctx, job.handle.PromptID, deadline)
		telemetry.PollTicks.Inc()
		if err == nil {
			return rec, nil
		}
		ev := t.logger.Debug()
		if !errors.Is(err, engine.ErrNotPresent) {
			ev = t.logger.Warn()
		}
		ev.Err(err).Str("prompt_id", job.handle.PromptID).Int("attempt", attempt).Msg("job still pending")

		<-ticker.C
	}
}

func (t *Tracker) readHistory(ctx context.Context, id string, deadline time.Time) (engine.HistoryRecord, error) {
	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return t.engine.History(pollCtx, id)
}

// Fetch retrieves the artifact named by a terminal record. Output nodes are
// scanned in ascending id order and the first downloadable image wins.
func (t *Tracker) Fetch(ctx context.Context, job *Job, rec engine.HistoryRecord) (Artifact, error) {
	if rec.Status.StatusStr == "error" {
		_ = t.transition(job, Failed)
		return Artifact{}, models.NewError(models.CodeEngineFailed, "engine reported execution error", nil)
	}

	var lastErr error
	for _, nodeID := range sortedNodeIDs(rec.Outputs) {
		refs, ok, err := rec.Outputs[nodeID].Images()
		if !ok {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		for _, ref := range refs {
			data, err := t.engine.View(ctx, ref)
			if err != nil {
				lastErr = err
				t.logger.Warn().Err(err).Str("prompt_id", job.handle.PromptID).Str("filename", ref.Filename).Msg("artifact download failed")
				continue
			}
			if err := t.transition(job, Completed); err != nil {
				return Artifact{}, err
			}
			return Artifact{Data: data, Filename: ref.Filename, Subfolder: ref.Subfolder, Type: ref.Type}, nil
		}
	}

	_ = t.transition(job, Failed)
	return Artifact{}, models.NewError(models.CodeArtifactMissing, "no image found in output", lastErr)
}

func (t *Tracker) transition(job *Job, next Status) error {
	if err := job.advance(next); err != nil {
		return err
	}
	telemetry.JobTransitions.WithLabelValues(next.String()).Inc()
	if next.Terminal() {
		elapsed := time.Since(job.handle.SubmittedAt)
		telemetry.JobDuration.Observe(elapsed.Seconds())
		t.logger.Info().
			Str("prompt_id", job.handle.PromptID).
			Str("status", next.String()).
			Dur("elapsed", elapsed).
			Msg("job finished")
	}
	return nil
}

// sortedNodeIDs orders node ids numerically when both are integers.
func sortedNodeIDs(outputs map[string]engine.NodeOutput) []string {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}
