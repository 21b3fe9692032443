package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"image-generation-gateway/internal/models"
)

// AuditSink records one line of provenance per persisted image.
type AuditSink interface {
	Append(ctx context.Context, rec models.AuditRecord) error
	Close() error
}

// FileSink appends JSON lines to a size-rotated file.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewFileSink opens (lazily) a JSONL audit file rotated at 100MB.
func NewFileSink(path string) *FileSink {
	return &FileSink{out: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 10,
		Compress:   true,
	}}
}

func (f *FileSink) Append(_ context.Context, rec models.AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.out.Write(line); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}

// LogSink emits each record as a structured log event.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (l *LogSink) Append(_ context.Context, rec models.AuditRecord) error {
	l.logger.Info().
		Str("image_hash", rec.ImageHash).
		Str("filename", rec.Filename).
		Str("persona_id", rec.PersonaID).
		Str("user_id", rec.UserID).
		Int64("seed", rec.Seed).
		Str("prompt_hash", rec.PromptHash).
		Msg("image persisted")
	return nil
}

func (l *LogSink) Close() error { return nil }

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []AuditSink

func (m MultiSink) Append(ctx context.Context, rec models.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
