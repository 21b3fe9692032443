package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"image-generation-gateway/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresSink stores audit records in the audit_records table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink opens a pool and applies the embedded migrations.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresSink{pool: pool}
	if err := s.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// RunMigrations executes the embedded SQL files in name order.
func (s *PostgresSink) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *PostgresSink) Append(ctx context.Context, rec models.AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_records (image_hash, filename, created_at, persona_id, user_id, seed, prompt_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ImageHash, rec.Filename, rec.Timestamp, rec.PersonaID, rec.UserID, rec.Seed, rec.PromptHash)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
