package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// DiskStore persists uploaded resumes under a local directory and returns
// a URL for each stored file. It satisfies domain.FileStore; a bucket-backed
// implementation can replace it without touching callers.
type DiskStore struct {
	root    string
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

type DiskStoreConfig struct {
	Dir     string
	BaseURL string // public prefix; empty yields file:// URLs
	Logger  *slog.Logger
}

func NewDiskStore(cfg DiskStoreConfig) (*DiskStore, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "raw"), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create storage directory %s: %w", cfg.Dir, err)
	}
	return &DiskStore{
		root:    cfg.Dir,
		baseURL: cfg.BaseURL,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// Put writes the file under raw/<timestamp>_<name> and returns its URL.
func (s *DiskStore) Put(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := filepath.Join("raw", fmt.Sprintf("%s_%s", s.now().UTC().Format("20060102_150405"), safeName(filename)))
	path := filepath.Join(s.root, key)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	url := "file://" + path
	if s.baseURL != "" {
		url = s.baseURL + "/" + filepath.ToSlash(key)
	}

	s.logger.Info("stored upload", "key", key, "bytes", len(data), "content_type", contentType)
	return url, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeName drops any path parts and replaces odd characters.
func safeName(name string) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "upload"
	}
	return unsafeChars.ReplaceAllString(base, "_")
}
