package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"image-generation-gateway/internal/config"
	"image-generation-gateway/internal/models"
)

// ObjectStore keeps generated images under flat keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// LocalStore writes objects to a directory and serves them back by name.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if baseDir == "" {
		baseDir = "./output"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// Dir returns the backing directory.
func (l *LocalStore) Dir() string { return l.baseDir }

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	name, err := cleanName(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.baseDir, name)
	// O_EXCL: a generated name is never reused.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	return path, nil
}

// Read returns a stored image. Names that are not plain png file names, or
// that do not exist, yield a not_found error.
func (l *LocalStore) Read(name string) ([]byte, error) {
	clean, err := cleanName(name)
	if err != nil || !strings.EqualFold(filepath.Ext(clean), ".png") {
		return nil, models.NewError(models.CodeNotFound, "image not found", err)
	}
	data, err := os.ReadFile(filepath.Join(l.baseDir, clean))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.NewError(models.CodeNotFound, "image not found", err)
		}
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

func cleanName(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return name, nil
}

// S3Store uploads objects to a bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3 client from the output bucket settings. A custom
// endpoint targets S3-compatible stores such as MinIO.
func NewS3Store(ctx context.Context, cfg config.Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.OutputS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.OutputS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.OutputS3Endpoint)
		}
		o.UsePathStyle = cfg.OutputS3PathStyle
	})
	return &S3Store{client: client, bucket: cfg.OutputS3Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// MirroredStore writes to a primary store and copies to mirrors. Mirror
// failures are logged and do not fail the write.
type MirroredStore struct {
	primary ObjectStore
	mirrors []ObjectStore
	logger  zerolog.Logger
}

func NewMirroredStore(primary ObjectStore, logger zerolog.Logger, mirrors ...ObjectStore) *MirroredStore {
	return &MirroredStore{primary: primary, mirrors: mirrors, logger: logger}
}

func (m *MirroredStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	loc, err := m.primary.Put(ctx, key, body, contentType)
	if err != nil {
		return "", err
	}
	for _, mirror := range m.mirrors {
		if dst, err := mirror.Put(ctx, key, body, contentType); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("mirror upload failed")
		} else {
			m.logger.Debug().Str("key", key).Str("location", dst).Msg("mirrored image")
		}
	}
	return loc, nil
}
