package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"recruitbot/internal/config"
)

const maxMediaBytes = 25 << 20 // Cloud API caps document uploads well below this

// Downloader fetches media uploaded by candidates. The Cloud API requires
// two hops: the media id resolves to a short-lived URL, which then serves
// the bytes (both authenticated with the same token).
type Downloader struct {
	cfg     config.WhatsAppConfig
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type DownloaderConfig struct {
	Config  config.WhatsAppConfig
	APIBase string // override for tests
	Logger  *slog.Logger
}

func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.APIBase == "" {
		cfg.APIBase = graphAPIBase
	}
	return &Downloader{
		cfg:     cfg.Config,
		apiBase: cfg.APIBase,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  cfg.Logger,
	}
}

type mediaMetadata struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

func (d *Downloader) Download(ctx context.Context, mediaID string) ([]byte, string, error) {
	metaURL := fmt.Sprintf("%s/%s/%s", d.apiBase, d.cfg.GraphVersion, mediaID)

	meta, err := d.fetchMetadata(ctx, metaURL)
	if err != nil {
		return nil, "", fmt.Errorf("media metadata %s: %w", mediaID, err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", meta.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.AccessToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media download returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read media body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = meta.MimeType
	}

	d.logger.Info("media downloaded", "media_id", mediaID, "bytes", len(data), "content_type", contentType)
	return data, contentType, nil
}

func (d *Downloader) fetchMetadata(ctx context.Context, url string) (*mediaMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.AccessToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("metadata returned %d: %s", resp.StatusCode, string(body))
	}

	var meta mediaMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("metadata has no download url")
	}
	return &meta, nil
}
