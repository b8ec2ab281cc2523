package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/soundprediction/lostpaw/pkg/alert"
	"github.com/soundprediction/lostpaw/pkg/config"
)

// PredictRequest is the body accepted by a /predict endpoint: one image as a
// height × width × 3 array of 0-255 channel values.
type PredictRequest struct {
	Data [][][3]uint8 `json:"data"`
}

// PredictResponse is the body returned by a /predict endpoint.
type PredictResponse struct {
	LatentSpace []float32 `json:"latent_space"`
}

// ImageToArray converts img into the request array layout.
func ImageToArray(img image.Image) [][][3]uint8 {
	b := img.Bounds()
	rows := make([][][3]uint8, b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := make([][3]uint8, b.Dx())
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			row[x-b.Min.X] = [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8)}
		}
		rows[y-b.Min.Y] = row
	}
	return rows
}

// ArrayToImage is the inverse of ImageToArray.
func ArrayToImage(data [][][3]uint8) (image.Image, error) {
	if len(data) == 0 || len(data[0]) == 0 {
		return nil, errors.New("empty image array")
	}
	h, w := len(data), len(data[0])
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y, row := range data {
		if len(row) != w {
			return nil, fmt.Errorf("row %d has width %d, want %d", y, len(row), w)
		}
		for x, px := range row {
			i := img.PixOffset(x, y)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = px[0], px[1], px[2], 0xff
		}
	}
	return img, nil
}

// StatusError is a non-2xx reply from the remote encoder.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote encoder returned %d: %s", e.StatusCode, e.Body)
}

// HTTPStatusCode reports the response status.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// HTTPEncoder sends one request per image to a remote /predict endpoint.
type HTTPEncoder struct {
	url     string
	dims    int
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPEncoder creates an encoder for the service at cfg.URL. dims is the
// expected embedding length; zero accepts whatever the service returns.
func NewHTTPEncoder(cfg config.RemoteConfig, dims int) (*HTTPEncoder, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote encoder url is required")
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	url := strings.TrimSuffix(cfg.URL, "/")
	if !strings.HasSuffix(url, "/predict") {
		url += "/predict"
	}
	return &HTTPEncoder{
		url:     url,
		dims:    dims,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Dimensions implements Encoder.
func (e *HTTPEncoder) Dimensions() int { return e.dims }

// Embed implements Encoder.
func (e *HTTPEncoder) Embed(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	out := make([][]float32, len(imgs))
	for i, img := range imgs {
		z, err := e.embedOne(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = z
	}
	return out, nil
}

func (e *HTTPEncoder) embedOne(ctx context.Context, img image.Image) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(PredictRequest{Data: ImageToArray(img)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var pr PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(pr.LatentSpace) == 0 {
		return nil, errors.New("response has no latent_space")
	}
	if e.dims > 0 && len(pr.LatentSpace) != e.dims {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrDimensionMismatch, len(pr.LatentSpace), e.dims)
	}
	return pr.LatentSpace, nil
}

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int

	// InitialDelay is the delay before the first retry (default: 500ms)
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries (default: 30 seconds)
	MaxDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64
}

// RetryConfigFrom builds a RetryConfig from the remote encoder settings.
func RetryConfigFrom(cfg config.RemoteConfig) *RetryConfig {
	return &RetryConfig{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: time.Duration(cfg.InitialDelay) * time.Millisecond,
	}
}

// RetryEncoder retries transient remote failures with exponential backoff.
type RetryEncoder struct {
	enc    Encoder
	config *RetryConfig
}

// NewRetryEncoder wraps enc.
func NewRetryEncoder(enc Encoder, cfg *RetryConfig) *RetryEncoder {
	if cfg == nil {
		cfg = &RetryConfig{MaxRetries: 3}
	}
	c := *cfg
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	return &RetryEncoder{enc: enc, config: &c}
}

// Dimensions implements Encoder.
func (r *RetryEncoder) Dimensions() int { return r.enc.Dimensions() }

// Embed implements Encoder with retry logic.
func (r *RetryEncoder) Embed(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.calculateDelay(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		out, err := r.enc.Embed(ctx, imgs)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

// calculateDelay is InitialDelay * BackoffMultiplier^(attempt-1), capped at MaxDelay.
func (r *RetryEncoder) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	return time.Duration(delay)
}

func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, gobreaker.ErrOpenState) {
		return false
	}

	type httpErrorWithStatusCode interface {
		HTTPStatusCode() int
	}
	var httpErr httpErrorWithStatusCode
	if errors.As(err, &httpErr) {
		code := httpErr.HTTPStatusCode()
		return code >= 500 || code == http.StatusTooManyRequests
	}

	errMsg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"eof",
	} {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

// CircuitBreakerEncoder stops calling a failing remote encoder until it
// recovers and alerts when the circuit opens.
type CircuitBreakerEncoder struct {
	enc Encoder
	cb  *gobreaker.CircuitBreaker
}

// NewCircuitBreakerEncoder wraps enc with a breaker named name.
func NewCircuitBreakerEncoder(enc Encoder, cfg config.CircuitBreakerConfig, alerter alert.Alerter, name string) *CircuitBreakerEncoder {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.Interval) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= cfg.ReadyToTripRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateOpen && alerter != nil {
				msg := fmt.Sprintf("Circuit breaker '%s' changed from %s to %s after repeated encoder failures.", name, from, to)
				_ = alerter.Alert(fmt.Sprintf("Circuit breaker tripped - %s", name), msg)
			}
		},
	}
	return &CircuitBreakerEncoder{enc: enc, cb: gobreaker.NewCircuitBreaker(st)}
}

// Dimensions implements Encoder.
func (c *CircuitBreakerEncoder) Dimensions() int { return c.enc.Dimensions() }

// State returns the breaker state.
func (c *CircuitBreakerEncoder) State() gobreaker.State { return c.cb.State() }

// Embed implements Encoder.
func (c *CircuitBreakerEncoder) Embed(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.enc.Embed(ctx, imgs)
	})
	if err != nil {
		return nil, err
	}
	return out.([][]float32), nil
}

// NewRemote builds the full remote stack: rate-limited HTTP client, retries,
// and a circuit breaker when enabled.
func NewRemote(cfg config.EncoderConfig, cb config.CircuitBreakerConfig, alerter alert.Alerter) (Encoder, error) {
	httpEnc, err := NewHTTPEncoder(cfg.Remote, cfg.Dimensions)
	if err != nil {
		return nil, err
	}
	var enc Encoder = NewRetryEncoder(httpEnc, RetryConfigFrom(cfg.Remote))
	if cb.Enabled {
		enc = NewCircuitBreakerEncoder(enc, cb, alerter, "remote-encoder")
	}
	return enc, nil
}
