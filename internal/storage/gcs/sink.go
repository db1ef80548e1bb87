// Package gcs provides an archive sink backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// Sink writes downloads to a configured GCS bucket.
type Sink struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates a GCS-backed sink.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// Exists reports whether the object is present.
func (s *Sink) Exists(ctx context.Context, name string) (bool, error) {
	object, err := s.objectName(name)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", object, err)
	}
	return true, nil
}

// Write uploads r and returns a gs:// URI. A failed upload is aborted before
// the writer is closed, so no partial object becomes visible.
func (s *Sink) Write(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	object, err := s.objectName(name)
	if err != nil {
		return "", err
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(uploadCtx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		cancel()
		if closeErr := writer.Close(); closeErr != nil {
			s.logger.Debug("aborted upload", zap.String("object", object), zap.Error(closeErr))
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Move copies from to to and deletes the source. The destination must not exist.
func (s *Sink) Move(ctx context.Context, from, to string) error {
	srcName, err := s.objectName(from)
	if err != nil {
		return err
	}
	dstName, err := s.objectName(to)
	if err != nil {
		return err
	}
	bucket := s.client.Bucket(s.bucket)
	dst := bucket.Object(dstName).If(storage.Conditions{DoesNotExist: true})
	if _, err := dst.CopierFrom(bucket.Object(srcName)).Run(ctx); err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcName, dstName, err)
	}
	if err := bucket.Object(srcName).Delete(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", srcName, err)
	}
	return nil
}

func (s *Sink) objectName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean != strings.TrimPrefix(name, "/") {
		return "", fmt.Errorf("invalid object path %q", name)
	}
	if s.prefix == "" {
		return clean, nil
	}
	return s.prefix + "/" + clean, nil
}
