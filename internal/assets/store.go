// Package assets stores message attachments and signs public URLs for
// them.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

var ErrNotFound = errors.New("asset not found")

// Store is a flat key/value blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// DiskStore keeps blobs under a root directory.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}
	return &DiskStore{root: abs}, nil
}

func (s *DiskStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid asset key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put is idempotent: content-addressed keys never change content, so an
// existing file is kept.
func (s *DiskStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (s *DiskStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, 0, ErrNotFound
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// Uploader turns raw bytes into stored, content-addressed assets.
type Uploader struct {
	store  Store
	bucket string
}

func NewUploader(store Store, bucket string) *Uploader {
	return &Uploader{store: store, bucket: bucket}
}

// Save stores data under assets/<project>/<sha256><ext>. An empty mime is
// detected from the content.
func (u *Uploader) Save(ctx context.Context, projectID, filename, mime string, data []byte) (models.AssetRef, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	detected := mimetype.Detect(data)
	if mime == "" || mime == "application/octet-stream" {
		mime = detected.String()
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	key := fmt.Sprintf("assets/%s/%s%s", projectID, digest, detected.Extension())
	if err := u.store.Put(ctx, key, data); err != nil {
		return models.AssetRef{}, fmt.Errorf("put asset: %w", err)
	}
	return models.AssetRef{
		Bucket:   u.bucket,
		Key:      key,
		SHA256:   digest,
		MIME:     mime,
		SizeB:    int64(len(data)),
		Filename: filename,
	}, nil
}
