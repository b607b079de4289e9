package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/technosupport/ts-frs/internal/metrics"
)

var ErrInferenceUnavailable = errors.New("inference service unavailable")

// Box is a face bounding box in source-image pixel coordinates.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Face is one detected face.
type Face struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
}

// Detector finds faces in a JPEG image.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) ([]Face, error)
}

// Embedder produces a unit-norm 128-d embedding for a face crop.
type Embedder interface {
	Embed(ctx context.Context, jpeg []byte) ([]float32, error)
}

// Client speaks the inference service wire contract: JSON over HTTP with a
// shared-secret header. One client serves both the detect and embed ops.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

type imageRequest struct {
	Image []byte `json:"image"` // base64 on the wire
}

type detectResponse struct {
	Faces []Face `json:"faces"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) Detect(ctx context.Context, jpeg []byte) ([]Face, error) {
	started := time.Now()
	var out detectResponse
	if err := c.post(ctx, "/v1/detect", imageRequest{Image: jpeg}, &out); err != nil {
		return nil, err
	}
	metrics.RecordInference("detect", float64(time.Since(started).Milliseconds()))
	return out.Faces, nil
}

func (c *Client) Embed(ctx context.Context, jpeg []byte) ([]float32, error) {
	started := time.Now()
	var out embedResponse
	if err := c.post(ctx, "/v1/embed", imageRequest{Image: jpeg}, &out); err != nil {
		return nil, err
	}
	metrics.RecordInference("embed", float64(time.Since(started).Milliseconds()))
	return out.Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("X-Internal-Auth", c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: %s returned %d: %s", ErrInferenceUnavailable, path, resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
