package models

import (
	"time"
)

// Callback statuses reported to async callers.
const (
	StatusQueued    = "queued"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// GenerationRequest is the body accepted by the synchronous generate endpoint.
// Nil or non-positive numeric fields fall back to process defaults.
type GenerationRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	CFGScale       *float64 `json:"cfg_scale,omitempty"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	PersonaID      string   `json:"persona_id,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
}

// AsyncGenerationRequest adds the correlation id and webhook target.
type AsyncGenerationRequest struct {
	GenerationRequest
	RequestID   string `json:"request_id"`
	CallbackURL string `json:"callback_url"`
}

// GenerateResponse is returned by the synchronous endpoint. Callers must inspect
// Success; pipeline failures are reported in-band.
type GenerateResponse struct {
	Success   bool   `json:"success"`
	ImageURL  string `json:"image_url,omitempty"`
	ImageHash string `json:"image_hash,omitempty"`
	SeedUsed  *int64 `json:"seed_used,omitempty"`
	Error     string `json:"error,omitempty"`
}

// QueuedResponse acknowledges an async request.
type QueuedResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// AuditRecord is appended once per successful generation. The prompt is only
// ever stored as a digest.
type AuditRecord struct {
	ImageHash  string    `json:"image_hash"`
	Filename   string    `json:"filename"`
	Timestamp  time.Time `json:"timestamp"`
	PersonaID  string    `json:"persona_id"`
	UserID     string    `json:"user_id"`
	Seed       int64     `json:"seed"`
	PromptHash string    `json:"prompt_hash"`
}

// CallbackPayload is posted to the caller's webhook when an async unit ends.
type CallbackPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	ImageURL  string `json:"image_url,omitempty"`
	ImageHash string `json:"image_hash,omitempty"`
	SeedUsed  *int64 `json:"seed_used,omitempty"`
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
