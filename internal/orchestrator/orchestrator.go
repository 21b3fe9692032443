// Package orchestrator runs the generation pipeline: safety screening,
// parameter resolution, graph construction, job tracking, persistence and,
// for async requests, the webhook callback.
package orchestrator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"image-generation-gateway/internal/config"
	"image-generation-gateway/internal/models"
	"image-generation-gateway/internal/prompt"
	"image-generation-gateway/internal/ratelimit"
	"image-generation-gateway/internal/store"
	"image-generation-gateway/internal/telemetry"
	"image-generation-gateway/internal/tracker"
	"image-generation-gateway/internal/workflow"
)

const queuedMessage = "Image generation started in background"

// Screener classifies prompts.
type Screener interface {
	Check(text string) error
}

// JobRunner drives one graph to an artifact.
type JobRunner interface {
	Run(ctx context.Context, graph any) (tracker.Artifact, *tracker.Job, error)
}

// Persister stores image bytes and returns the file name and content hash.
type Persister interface {
	Persist(ctx context.Context, data []byte, meta store.Metadata) (string, string, error)
}

// Notifier delivers async outcomes.
type Notifier interface {
	Deliver(ctx context.Context, url string, payload models.CallbackPayload) error
}

// Admitter optionally rate limits async submissions per caller.
type Admitter interface {
	Allow(ctx context.Context, caller string) (ratelimit.Decision, error)
}

// Deps are the pipeline collaborators. Limiter may be nil.
type Deps struct {
	Safety    Screener
	Tracker   JobRunner
	Persister Persister
	Callbacks Notifier
	Limiter   Admitter
}

// Orchestrator is safe for concurrent use. Each request gets its own job
// handle; nothing is shared between requests except the collaborators.
type Orchestrator struct {
	deps     Deps
	defaults workflow.Params
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// New builds an orchestrator whose defaults come from cfg.
func New(deps Deps, cfg config.Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		defaults: workflow.Params{
			Steps:          cfg.DefaultSteps,
			CFG:            cfg.DefaultCFG,
			Width:          cfg.DefaultWidth,
			Height:         cfg.DefaultHeight,
			Model:          cfg.ModelName,
			FilenamePrefix: cfg.FilenamePrefix,
		},
		logger: logger.With().Str("component", "orchestrator").Logger(),
	}
}

type outcome struct {
	filename string
	hash     string
	seed     int64
}

// Generate runs the pipeline and waits for the result. Safety rejections return
// a zero response and the rejection error; nothing reaches the engine. Pipeline
// failures return an unsuccessful response together with the cause. The
// pipeline is not cancelled when ctx is.
func (o *Orchestrator) Generate(ctx context.Context, req models.GenerationRequest) (models.GenerateResponse, error) {
	if err := o.screen(req.Prompt); err != nil {
		return models.GenerateResponse{}, err
	}
	telemetry.GenerationsStarted.WithLabelValues("sync").Inc()

	out, err := o.run(context.WithoutCancel(ctx), req)
	o.record("sync", err)
	if err != nil {
		o.logger.Error().Err(err).Str("user_id", req.UserID).Str("persona_id", req.PersonaID).Msg("generation failed")
		return models.GenerateResponse{Success: false, Error: err.Error()}, err
	}
	seed := out.seed
	return models.GenerateResponse{
		Success:   true,
		ImageURL:  imageURL(out.filename),
		ImageHash: out.hash,
		SeedUsed:  &seed,
	}, nil
}

// Submit validates and screens an async request, acknowledges it and runs the
// pipeline in the background. The background unit always ends with exactly
// one callback.
func (o *Orchestrator) Submit(ctx context.Context, req models.AsyncGenerationRequest) (models.QueuedResponse, error) {
	if err := validateAsync(req); err != nil {
		return models.QueuedResponse{}, err
	}
	if err := o.screen(req.Prompt); err != nil {
		return models.QueuedResponse{}, err
	}
	if err := o.admit(ctx, req.UserID); err != nil {
		return models.QueuedResponse{}, err
	}
	telemetry.GenerationsStarted.WithLabelValues("async").Inc()

	o.wg.Add(1)
	telemetry.AsyncInFlight.Inc()
	go o.runDetached(req)

	return models.QueuedResponse{
		Status:    models.StatusQueued,
		RequestID: req.RequestID,
		Message:   queuedMessage,
	}, nil
}

// Drain blocks until every background unit has delivered its callback or ctx
// is done.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) runDetached(req models.AsyncGenerationRequest) {
	defer o.wg.Done()
	defer telemetry.AsyncInFlight.Dec()

	log := o.logger.With().Str("request_id", req.RequestID).Str("user_id", req.UserID).Logger()
	payload := o.runRecovered(req, log)
	// Delivery failures are logged by the dispatcher and otherwise ignored.
	_ = o.deps.Callbacks.Deliver(context.Background(), req.CallbackURL, payload)
}

func (o *Orchestrator) runRecovered(req models.AsyncGenerationRequest, log zerolog.Logger) (payload models.CallbackPayload) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("async generation panicked")
			o.record("async", fmt.Errorf("panic: %v", r))
			payload = failurePayload(req, fmt.Sprintf("internal error: %v", r))
		}
	}()

	out, err := o.run(context.Background(), req.GenerationRequest)
	o.record("async", err)
	if err != nil {
		log.Error().Err(err).Msg("async generation failed")
		return failurePayload(req, err.Error())
	}
	seed := out.seed
	log.Info().Str("filename", out.filename).Int64("seed", seed).Msg("async generation completed")
	return models.CallbackPayload{
		RequestID: req.RequestID,
		Status:    models.StatusCompleted,
		ImageURL:  imageURL(out.filename),
		ImageHash: out.hash,
		SeedUsed:  &seed,
		UserID:    req.UserID,
		PersonaID: req.PersonaID,
	}
}

func failurePayload(req models.AsyncGenerationRequest, msg string) models.CallbackPayload {
	return models.CallbackPayload{
		RequestID: req.RequestID,
		Status:    models.StatusFailed,
		Error:     msg,
		UserID:    req.UserID,
	}
}

func (o *Orchestrator) run(ctx context.Context, req models.GenerationRequest) (outcome, error) {
	params := o.resolve(req)
	out := outcome{seed: params.Seed}

	o.logger.Info().
		Str("user_id", req.UserID).
		Str("persona_id", req.PersonaID).
		Int64("seed", params.Seed).
		Int("steps", params.Steps).
		Int("width", params.Width).
		Int("height", params.Height).
		Msg("generation started")

	art, _, err := o.deps.Tracker.Run(ctx, workflow.Build(params))
	if err != nil {
		return out, err
	}
	out.filename, out.hash, err = o.deps.Persister.Persist(ctx, art.Data, store.Metadata{
		Prompt:    params.Prompt,
		Seed:      params.Seed,
		PersonaID: req.PersonaID,
		UserID:    req.UserID,
	})
	return out, err
}

// resolve applies process defaults to every absent or non-positive field and
// draws a seed when none was given.
func (o *Orchestrator) resolve(req models.GenerationRequest) workflow.Params {
	p := o.defaults
	p.Prompt = prompt.Positive(req.Prompt)
	p.NegativePrompt = prompt.Compose(req.NegativePrompt)
	if req.Steps != nil && *req.Steps > 0 {
		p.Steps = *req.Steps
	}
	if req.CFGScale != nil && *req.CFGScale > 0 {
		p.CFG = *req.CFGScale
	}
	if req.Width != nil && *req.Width > 0 {
		p.Width = *req.Width
	}
	if req.Height != nil && *req.Height > 0 {
		p.Height = *req.Height
	}
	if req.Seed != nil && *req.Seed > 0 {
		p.Seed = *req.Seed
	} else {
		p.Seed = randomSeed()
	}
	return p
}

// randomSeed returns a non-negative 32-bit seed drawn from a fresh UUID.
func randomSeed() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint32(u[:4]))
}

func (o *Orchestrator) screen(text string) error {
	if o.deps.Safety == nil {
		return nil
	}
	err := o.deps.Safety.Check(text)
	if err != nil {
		var category string
		var ge *models.GenerationError
		if errors.As(err, &ge) {
			category = ge.Category
		}
		telemetry.SafetyRejects.WithLabelValues(category).Inc()
		o.logger.Warn().Str("category", category).Msg("prompt rejected")
	}
	return err
}

// admit fails open: a limiter outage must not stop generations.
func (o *Orchestrator) admit(ctx context.Context, caller string) error {
	if o.deps.Limiter == nil {
		return nil
	}
	d, err := o.deps.Limiter.Allow(ctx, caller)
	if err != nil {
		o.logger.Warn().Err(err).Msg("rate limiter unavailable, admitting request")
		return nil
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		return models.NewError(models.CodeRateLimited, "too many async generations, retry later", nil)
	}
	return nil
}

func (o *Orchestrator) record(mode string, err error) {
	result := models.StatusCompleted
	if err != nil {
		result = models.ErrorCode(err)
		if result == "" {
			result = "internal"
		}
	}
	telemetry.GenerationOutcomes.WithLabelValues(mode, result).Inc()
}

func validateAsync(req models.AsyncGenerationRequest) error {
	if strings.TrimSpace(req.RequestID) == "" {
		return models.NewError(models.CodeInvalidRequest, "request_id is required", nil)
	}
	if strings.TrimSpace(req.CallbackURL) == "" {
		return models.NewError(models.CodeInvalidRequest, "callback_url is required", nil)
	}
	u, err := url.Parse(req.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.NewError(models.CodeInvalidRequest, "callback_url must be an absolute http(s) URL", err)
	}
	return nil
}

func imageURL(filename string) string {
	return "/images/" + filename
}
