// Package cloud implements the egress side of store-and-forward: the cloud
// API client and the bridge that drains the sync queue through it.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"
)

// API is the capability interface over the remote cloud service's upload
// contract. The cloud side is idempotent on retransmission, which is what
// makes at-least-once delivery from the queue safe.
type API interface {
	HealthCheck(ctx context.Context) bool
	UploadDetection(ctx context.Context, payload json.RawMessage) error
	UploadTelemetry(ctx context.Context, readings []json.RawMessage) error
	UploadImage(ctx context.Context, image []byte, metadata json.RawMessage) (string, error)
	UploadVideo(ctx context.Context, video []byte, metadata json.RawMessage) error
}

type httpAPI struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPAPI creates the production cloud client. Every call carries the
// bearer token and is bounded by the configured timeout.
func NewHTTPAPI(baseURL, token string, timeout time.Duration) API {
	return &httpAPI{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpAPI) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.client.Do(req)
}

func (c *httpAPI) postJSON(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// HealthCheck reports whether the cloud endpoint is reachable. Unreachable
// is not the same as rejection; callers skip the batch rather than failing
// items.
func (c *httpAPI) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.do(req)
	if err != nil {
		slog.Debug("cloud health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (c *httpAPI) UploadDetection(ctx context.Context, payload json.RawMessage) error {
	return c.postJSON(ctx, "/api/v1/detections", payload)
}

func (c *httpAPI) UploadTelemetry(ctx context.Context, readings []json.RawMessage) error {
	return c.postJSON(ctx, "/api/v1/telemetry/batch", readings)
}

func (c *httpAPI) UploadImage(ctx context.Context, image []byte, metadata json.RawMessage) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("metadata", string(metadata)); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("image", "capture.jpg")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(image); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/images", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("POST /api/v1/images: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("POST /api/v1/images: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// Upload succeeded; a missing URL in the response is not a failure.
		return "", nil
	}
	return result.URL, nil
}

func (c *httpAPI) UploadVideo(ctx context.Context, video []byte, metadata json.RawMessage) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("metadata", string(metadata)); err != nil {
		return err
	}
	part, err := w.CreateFormFile("video", "capture.mp4")
	if err != nil {
		return err
	}
	if _, err := part.Write(video); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/videos", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("POST /api/v1/videos: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST /api/v1/videos: unexpected status %d", resp.StatusCode)
	}
	return nil
}
