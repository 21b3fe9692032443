package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-generation-gateway/internal/callback"
	"image-generation-gateway/internal/config"
	"image-generation-gateway/internal/engine"
	"image-generation-gateway/internal/engine/enginetest"
	"image-generation-gateway/internal/models"
	"image-generation-gateway/internal/orchestrator"
	"image-generation-gateway/internal/safety"
	"image-generation-gateway/internal/store"
	"image-generation-gateway/internal/tracker"
)

type fakeGenerator struct {
	resp  models.GenerateResponse
	ack   models.QueuedResponse
	err   error
	calls int
}

func (f *fakeGenerator) Generate(context.Context, models.GenerationRequest) (models.GenerateResponse, error) {
	f.calls++
	return f.resp, f.err
}

func (f *fakeGenerator) Submit(context.Context, models.AsyncGenerationRequest) (models.QueuedResponse, error) {
	f.calls++
	return f.ack, f.err
}

type testEnv struct {
	handler http.Handler
	local   *store.LocalStore
	engine  *enginetest.Server
}

func newEnv(t *testing.T, cfg config.Config, gen Generator) *testEnv {
	t.Helper()
	srv := enginetest.NewServer(enginetest.Options{Checkpoints: []string{"a.safetensors", "b.safetensors"}})
	t.Cleanup(srv.Close)
	local, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	if cfg.ModelName == "" {
		cfg.ModelName = "a.safetensors"
	}
	client := engine.NewClient(engine.Options{BaseURL: srv.URL})
	return &testEnv{
		handler: New(cfg, gen, local, client, zerolog.Nop()).Router(),
		local:   local,
		engine:  srv,
	}
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	env := newEnv(t, config.Config{APIKey: "secret", EnableSafety: true}, &fakeGenerator{})

	rec := do(t, env.handler, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","comfyui":"ok","model":"a.safetensors","safety_enabled":true}`, rec.Body.String())
}

func TestHealthReportsUnreachableEngine(t *testing.T) {
	cfg := config.Config{ModelName: "m", HealthTimeout: time.Second}
	local, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	h := New(cfg, &fakeGenerator{}, local, engine.NewClient(engine.Options{BaseURL: "http://127.0.0.1:1"}), zerolog.Nop()).Router()

	rec := do(t, h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"comfyui":"unreachable"`)
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	gen := &fakeGenerator{resp: models.GenerateResponse{Success: true}}
	env := newEnv(t, config.Config{APIKey: "secret"}, gen)

	for _, token := range []string{"", "wrong"} {
		rec := do(t, env.handler, http.MethodPost, "/generate", `{"prompt":"a tree"}`, token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"detail":"Invalid or missing API key"}`, rec.Body.String())
	}
	assert.Zero(t, gen.calls)

	rec := do(t, env.handler, http.MethodPost, "/generate", `{"prompt":"a tree"}`, "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, gen.calls)
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	env := newEnv(t, config.Config{}, &fakeGenerator{})
	rec := do(t, env.handler, http.MethodGet, "/models", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModels(t *testing.T) {
	env := newEnv(t, config.Config{}, &fakeGenerator{})
	rec := do(t, env.handler, http.MethodGet, "/models", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"models":["a.safetensors","b.safetensors"],"current":"a.safetensors"}`, rec.Body.String())
}

func TestGenerateStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		resp   models.GenerateResponse
		err    error
		status int
		body   string
	}{
		{"success", models.GenerateResponse{Success: true, ImageURL: "/images/x.png"}, nil, http.StatusOK, `{"success":true,"image_url":"/images/x.png"}`},
		{"safety", models.GenerateResponse{}, &models.GenerationError{Code: models.CodeSafetyRejected, Message: "prompt rejected: celebrities content not allowed", Category: "celebrities"}, http.StatusBadRequest, `{"detail":"prompt rejected: celebrities content not allowed"}`},
		{"timeout", models.GenerateResponse{Error: "generation timed out after 300s"}, models.NewError(models.CodeTimedOut, "generation timed out after 300s", nil), http.StatusGatewayTimeout, `{"success":false,"error":"generation timed out after 300s"}`},
		{"engine failure in band", models.GenerateResponse{Error: "engine refused job"}, models.NewError(models.CodeUpstreamSubmit, "engine refused job", nil), http.StatusOK, `{"success":false,"error":"engine refused job"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, config.Config{}, &fakeGenerator{resp: tc.resp, err: tc.err})
			rec := do(t, env.handler, http.MethodPost, "/generate", `{"prompt":"x"}`, "")
			assert.Equal(t, tc.status, rec.Code)
			assert.JSONEq(t, tc.body, rec.Body.String())
		})
	}
}

func TestGenerateRejectsInvalidJSON(t *testing.T) {
	gen := &fakeGenerator{}
	env := newEnv(t, config.Config{}, gen)
	rec := do(t, env.handler, http.MethodPost, "/generate", `{"prompt":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, gen.calls)
}

func TestGenerateAsyncErrors(t *testing.T) {
	for code, status := range map[string]int{
		models.CodeInvalidRequest: http.StatusBadRequest,
		models.CodeSafetyRejected: http.StatusBadRequest,
		models.CodeRateLimited:    http.StatusTooManyRequests,
	} {
		env := newEnv(t, config.Config{}, &fakeGenerator{err: models.NewError(code, "nope", nil)})
		rec := do(t, env.handler, http.MethodPost, "/generate-async", `{"prompt":"x"}`, "")
		assert.Equal(t, status, rec.Code, code)
	}
}

func TestImagesServeAndThumbnail(t *testing.T) {
	env := newEnv(t, config.Config{}, &fakeGenerator{})
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	img.Set(0, 0, color.White)
	require.NoError(t, pngEncode(&buf, img))
	require.NoError(t, os.WriteFile(filepath.Join(env.local.Dir(), "abc_12345678.png"), buf.Bytes(), 0o644))

	rec := do(t, env.handler, http.MethodGet, "/images/abc_12345678.png", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, buf.Bytes(), rec.Body.Bytes())

	rec = do(t, env.handler, http.MethodGet, "/images/abc_12345678.png?width=16", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	thumb, _, err := image.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 16, thumb.Bounds().Dx())
	assert.Equal(t, 8, thumb.Bounds().Dy())

	rec = do(t, env.handler, http.MethodGet, "/images/abc_12345678.png?width=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImagesNotFound(t *testing.T) {
	env := newEnv(t, config.Config{}, &fakeGenerator{})
	for _, path := range []string{"/images/missing.png", "/images/..%2Fsecret.png", "/images/audit.jsonl"} {
		rec := do(t, env.handler, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestEndToEndGenerate(t *testing.T) {
	srv := enginetest.NewServer(enginetest.Options{PendingPolls: 1})
	defer srv.Close()
	local, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.Config{APIKey: "k", DefaultSteps: 32, DefaultCFG: 6, DefaultWidth: 1024, DefaultHeight: 1024, ModelName: "m"}
	client := engine.NewClient(engine.Options{BaseURL: srv.URL})
	orch := orchestrator.New(orchestrator.Deps{
		Safety:    safety.NewFilter(true),
		Tracker:   tracker.New(client, tracker.Options{PollInterval: 5 * time.Millisecond, Timeout: time.Second}),
		Persister: store.NewPersister(local, store.NewLogSink(zerolog.Nop()), zerolog.Nop()),
		Callbacks: callback.NewDispatcher(time.Second, zerolog.Nop()),
	}, cfg, zerolog.Nop())
	h := New(cfg, orch, local, client, zerolog.Nop()).Router()

	rec := do(t, h, http.MethodPost, "/generate", `{"prompt":"a red barn","seed":5}`, "k")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.GenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	assert.Equal(t, int64(5), *resp.SeedUsed)

	rec = do(t, h, http.MethodGet, resp.ImageURL, "", "k")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, srv.Image(), rec.Body.Bytes())

	rec = do(t, h, http.MethodPost, "/generate", `{"prompt":"in the style of a deepfake"}`, "k")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, srv.Submits())
}
