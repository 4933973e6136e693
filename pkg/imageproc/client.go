// Package imageproc is the client for the remote image-processing
// service. The service is an opaque RPC with its own queue; this client
// only shapes requests, enforces timeouts and maps failures so callers
// can fail open.
package imageproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnavailable means the processor could not be reached or answered
	// with a server error. Optimization is declined, never failed hard.
	ErrUnavailable = errors.New("image processor unavailable")

	// ErrTimeout means headers or body did not arrive in time.
	ErrTimeout = errors.New("image processor timed out")

	// ErrRejected means the processor refused the input itself.
	ErrRejected = errors.New("image processor rejected input")
)

// Transform holds the geometric part of a processing request.
type Transform struct {
	Width         int  `json:"width,omitempty"`
	Height        int  `json:"height,omitempty"`
	MaxDimension  int  `json:"maxDimension,omitempty"`
	AutoOrient    bool `json:"autoOrient,omitempty"`
	StripMetadata bool `json:"stripMetadata,omitempty"`
}

// Output holds the encoding part of a processing request.
type Output struct {
	Format            string `json:"format,omitempty"`
	Quality           int    `json:"quality,omitempty"`
	Effort            int    `json:"effort,omitempty"`
	Lossless          bool   `json:"lossless,omitempty"`
	ChromaSubsampling string `json:"chromaSubsampling,omitempty"`
}

// Params is the JSON params part sent alongside the file.
type Params struct {
	Priority  string     `json:"priority,omitempty"` // low, normal, high
	Transform *Transform `json:"transform,omitempty"`
	Output    *Output    `json:"output,omitempty"`
}

// Result is a processed image streamed back from the service.
type Result struct {
	Body        io.ReadCloser
	ContentType string
}

// Queue reports the remote service's queue depth.
type Queue struct {
	Size    int `json:"size"`
	Pending int `json:"pending"`
}

// Health is the processor's health report.
type Health struct {
	Status string `json:"status"`
	Queue  Queue  `json:"queue"`
}

// Config contains image processor client configuration.
type Config struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// HeaderTimeout bounds the wait for response headers; BodyTimeout
	// bounds the whole exchange. Health checks use HealthTimeout.
	HeaderTimeout time.Duration `mapstructure:"header_timeout" yaml:"header_timeout"`
	BodyTimeout   time.Duration `mapstructure:"body_timeout" yaml:"body_timeout"`
	HealthTimeout time.Duration `mapstructure:"health_timeout" yaml:"health_timeout"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.HeaderTimeout == 0 {
		c.HeaderTimeout = 10 * time.Second
	}
	if c.BodyTimeout == 0 {
		c.BodyTimeout = 2 * time.Minute
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 3 * time.Second
	}
}

// Client talks to the image-processing service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     Config
}

// New creates an image processor client.
func New(config Config) *Client {
	config.ApplyDefaults()
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: config.HeaderTimeout,
			},
		},
		config: config,
	}
}

// Process sends the file for transformation and returns the processed
// bytes as a stream. The caller owns Result.Body.
func (c *Client) Process(ctx context.Context, file io.Reader, filename string, params *Params) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.BodyTimeout)

	resp, err := c.postMultipart(ctx, "/process", file, filename, params)
	if err != nil {
		cancel()
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: missing content type on processed output", ErrRejected)
	}

	return &Result{
		Body:        &cancelingBody{ReadCloser: resp.Body, cancel: cancel},
		ContentType: contentType,
	}, nil
}

// Exif extracts the EXIF bag from an image. A nil map means the image
// carries no EXIF data.
func (c *Client) Exif(ctx context.Context, file io.Reader, filename string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.BodyTimeout)
	defer cancel()

	resp, err := c.postMultipart(ctx, "/exif", file, filename, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var payload struct {
		Exif map[string]any `json:"exif"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode exif response: %w", err)
	}
	return payload.Exif, nil
}

// Healthy probes the service. Connectivity failures map to ErrUnavailable
// so callers can degrade rather than abort.
func (c *Client) Healthy(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: health returned %d", ErrUnavailable, resp.StatusCode)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// postMultipart streams a multipart body through an io.Pipe so the file
// never has to be buffered in memory.
func (c *Client) postMultipart(ctx context.Context, path string, file io.Reader, filename string, params *Params) (*http.Response, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			if params != nil {
				data, err := json.Marshal(params)
				if err != nil {
					return err
				}
				if err := writer.WriteField("params", string(data)); err != nil {
					return err
				}
			}
			part, err := writer.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, file); err != nil {
				return err
			}
			return writer.Close()
		}()
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.mapTransportError(err)
	}

	if resp.StatusCode >= 500 {
		defer func() { _ = resp.Body.Close() }()
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrRejected, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}

func (c *Client) mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	// net/http wraps ResponseHeaderTimeout as a url.Error with a timeout flag.
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// cancelingBody ties the request's context cancellation to body close so
// streamed Process responses do not leak timers.
type cancelingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelingBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
