package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"image-generation-gateway/internal/config"
	"image-generation-gateway/internal/engine"
	"image-generation-gateway/internal/logging"
	"image-generation-gateway/internal/models"
	"image-generation-gateway/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Generator runs sync and async generations.
type Generator interface {
	Generate(ctx context.Context, req models.GenerationRequest) (models.GenerateResponse, error)
	Submit(ctx context.Context, req models.AsyncGenerationRequest) (models.QueuedResponse, error)
}

// ImageReader serves persisted images by file name.
type ImageReader interface {
	Read(name string) ([]byte, error)
}

// EngineProbe answers liveness and model-listing questions about the engine.
type EngineProbe interface {
	SystemStats(ctx context.Context) error
	Checkpoints(ctx context.Context) ([]string, error)
}

// Server wires HTTP handlers for the gateway.
type Server struct {
	cfg    config.Config
	gen    Generator
	images ImageReader
	engine EngineProbe
	logger zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, gen Generator, images ImageReader, probe EngineProbe, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		gen:    gen,
		images: images,
		engine: probe,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware(s.logger))

	r.Get("/health", s.handleHealth)
	metricsPath := s.cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Mount(metricsPath, telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.APIKey))
		r.Get("/models", s.handleModels)
		r.Post("/generate", s.handleGenerate)
		r.Post("/generate-async", s.handleGenerateAsync)
		r.Get("/images/{filename}", s.handleImage)
	})
	return r
}

type healthResponse struct {
	Status        string `json:"status"`
	Engine        string `json:"comfyui"`
	Model         string `json:"model"`
	SafetyEnabled bool   `json:"safety_enabled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	timeout := s.cfg.HealthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	state := "ok"
	if err := s.engine.SystemStats(ctx); err != nil {
		var se *engine.StatusError
		if errors.As(err, &se) {
			state = "error"
		} else {
			state = "unreachable"
		}
		s.logger.Warn().Err(err).Str("engine", state).Msg("engine health probe failed")
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		Engine:        state,
		Model:         s.cfg.ModelName,
		SafetyEnabled: s.cfg.EnableSafety,
	})
}

type modelsResponse struct {
	Models  []string `json:"models"`
	Current string   `json:"current"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.Checkpoints(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list models")
		names = []string{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{Models: names, Current: s.cfg.ModelName})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.gen.Generate(r.Context(), req)
	if err != nil {
		switch code := models.ErrorCode(err); {
		case code == models.CodeTimedOut:
			writeJSON(w, http.StatusGatewayTimeout, resp)
			return
		case isClientError(code):
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGenerateAsync(w http.ResponseWriter, r *http.Request) {
	var req models.AsyncGenerationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ack, err := s.gen.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, models.NewError(models.CodeInvalidRequest, "invalid json", err))
		return false
	}
	return true
}

func isClientError(code string) bool {
	switch code {
	case models.CodeSafetyRejected, models.CodeInvalidRequest, models.CodeUnauthorized,
		models.CodeNotFound, models.CodeRateLimited:
		return true
	}
	return false
}

func statusFor(code string) int {
	switch code {
	case models.CodeSafetyRejected, models.CodeInvalidRequest:
		return http.StatusBadRequest
	case models.CodeUnauthorized:
		return http.StatusUnauthorized
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeRateLimited:
		return http.StatusTooManyRequests
	case models.CodeTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// writeError reports the error's message only, never its cause chain.
func writeError(w http.ResponseWriter, err error) {
	var ge *models.GenerationError
	if errors.As(err, &ge) {
		writeJSON(w, statusFor(ge.Code), errorResponse{Detail: ge.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "internal error"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
