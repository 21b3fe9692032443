// Package store persists generated images under content-derived names and
// records an audit trail for each one.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"image-generation-gateway/internal/models"
)

const hashPrefixLen = 16

// Metadata describes the generation that produced an image.
type Metadata struct {
	Prompt    string
	Seed      int64
	PersonaID string
	UserID    string
}

// Persister writes image bytes and appends the matching audit record.
type Persister struct {
	objects ObjectStore
	audit   AuditSink
	logger  zerolog.Logger
}

func NewPersister(objects ObjectStore, audit AuditSink, logger zerolog.Logger) *Persister {
	return &Persister{objects: objects, audit: audit, logger: logger.With().Str("component", "persister").Logger()}
}

// Persist stores data as "<hash16>_<rand8>.png" and returns the file name and
// content hash. Identical bytes share a hash but never a file name. The audit
// append must succeed for the call to succeed.
func (p *Persister) Persist(ctx context.Context, data []byte, meta Metadata) (string, string, error) {
	hash := ContentHash(data)
	filename := hash + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + ".png"

	loc, err := p.objects.Put(ctx, filename, data, "image/png")
	if err != nil {
		return "", "", models.NewError(models.CodePersistFailed, "failed to store image", err)
	}

	rec := models.AuditRecord{
		ImageHash:  hash,
		Filename:   filename,
		Timestamp:  time.Now().UTC(),
		PersonaID:  meta.PersonaID,
		UserID:     meta.UserID,
		Seed:       meta.Seed,
		PromptHash: PromptHash(meta.Prompt),
	}
	if p.audit != nil {
		if err := p.audit.Append(ctx, rec); err != nil {
			return "", "", models.NewError(models.CodePersistFailed, "failed to write audit record", err)
		}
	}
	p.logger.Debug().Str("filename", filename).Str("location", loc).Int("bytes", len(data)).Msg("image stored")
	return filename, hash, nil
}

// ContentHash is the leading 16 hex chars of the sha256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

// PromptHash digests a prompt the same way as image content.
func PromptHash(prompt string) string {
	return ContentHash([]byte(prompt))
}
