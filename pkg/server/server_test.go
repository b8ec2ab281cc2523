package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lostpaw/pkg/config"
	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/gallery"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host: "localhost",
			Port: 8080,
			Mode: gin.TestMode,
		},
		Eval: config.EvalConfig{SimilarityThreshold: 0.85},
	}
}

func newLinear(t *testing.T) *encoder.Linear {
	t.Helper()
	enc, err := encoder.NewLinear(encoder.LinearConfig{Side: 4, Dimensions: 3, Normalize: true, Seed: 7})
	require.NoError(t, err)
	return enc
}

func TestNew(t *testing.T) {
	cfg := testConfig()

	// a server without encoder can still be created and answers liveness
	server := New(cfg, nil, nil, nil)
	require.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
}

func TestSetup(t *testing.T) {
	server := New(testConfig(), newLinear(t), nil, nil)
	server.Setup()

	require.NotNil(t, server.router)
	require.NotNil(t, server.server)
	assert.Equal(t, "localhost:8080", server.server.Addr)
	assert.Equal(t, server.router, server.Handler())
}

func TestRoutes(t *testing.T) {
	server := New(testConfig(), newLinear(t), nil, nil)
	server.Setup()

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/live", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/health/detailed", http.StatusOK},
		{http.MethodGet, "/nonexistent", http.StatusNotFound},
		{http.MethodPost, "/register", http.StatusServiceUnavailable},
		{http.MethodOptions, "/predict", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			server.router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRequestID(t *testing.T) {
	server := New(testConfig(), newLinear(t), nil, nil)
	server.Setup()

	t.Run("echoes the caller's id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "req-42")
		w := httptest.NewRecorder()
		server.router.ServeHTTP(w, req)
		assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	})

	t.Run("generates one when missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		server.router.ServeHTTP(w, req)
		assert.Len(t, w.Header().Get("X-Request-ID"), 36)
	})
}

func TestCORSHeaders(t *testing.T) {
	server := New(testConfig(), nil, nil, nil)
	server.Setup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestPredictRoundTrip(t *testing.T) {
	enc := newLinear(t)
	gal, err := gallery.Open(config.GalleryConfig{InMemory: true, Threshold: 0.5}, nil)
	require.NoError(t, err)
	defer gal.Close()

	server := New(testConfig(), enc, gal, nil)
	server.Setup()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	// the HTTP encoder client speaks the same wire format as /predict
	remote, err := encoder.NewHTTPEncoder(config.RemoteConfig{URL: ts.URL, Timeout: 5}, enc.Dimensions())
	require.NoError(t, err)

	img := checker(8)
	want, err := enc.Embed(t.Context(), []image.Image{img})
	require.NoError(t, err)
	got, err := remote.Embed(t.Context(), []image.Image{img})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDeltaSlice(t, want[0], got[0], 1e-6)

	// register then match the same image
	body, _ := json.Marshal(map[string]any{"pet_id": "rex", "data": encoder.ImageToArray(img)})
	resp, err := http.Post(ts.URL+"/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	body, _ = json.Marshal(map[string]any{"data": encoder.ImageToArray(img)})
	resp, err = http.Post(ts.URL+"/match", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Matches []gallery.Match `json:"matches"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "rex", string(out.Matches[0].PetID))
	assert.InDelta(t, 0, out.Matches[0].Distance, 1e-6)
}

func checker(n int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, n, n))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			img.Set(x, y, color.RGBA{v, uint8(x * 16), uint8(y * 16), 255})
		}
	}
	return img
}
