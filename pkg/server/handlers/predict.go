package handlers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"

	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/server/dto"
	"github.com/soundprediction/lostpaw/pkg/utils"
)

// PredictHandler serves embeddings and pairwise comparisons.
type PredictHandler struct {
	encoder   encoder.Encoder
	threshold float64
	logger    *slog.Logger
}

// NewPredictHandler creates a handler around enc. threshold is the cosine
// similarity at or above which two images are reported as the same pet.
func NewPredictHandler(enc encoder.Encoder, threshold float64, logger *slog.Logger) *PredictHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PredictHandler{encoder: enc, threshold: threshold, logger: logger}
}

func writeError(c *gin.Context, status int, errCode, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error:   errCode,
		Message: message,
		Code:    status,
	})
}

// bind decodes and validates a request body, writing a 400 on failure.
func bind[T interface{ Validate() error }](c *gin.Context, req T) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

// embed encodes validated images, mapping failures to an HTTP error.
func embed(c *gin.Context, enc encoder.Encoder, logger *slog.Logger, imgs ...dto.Image) ([][]float32, bool) {
	if enc == nil {
		writeError(c, http.StatusServiceUnavailable, "not_ready", "encoder not initialized")
		return nil, false
	}
	decoded := make([]image.Image, len(imgs))
	for i, data := range imgs {
		img, err := encoder.ArrayToImage(data)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_image", err.Error())
			return nil, false
		}
		decoded[i] = img
	}

	out, err := enc.Embed(c.Request.Context(), decoded)
	if err != nil {
		status, code := encoderErrorStatus(err)
		logger.ErrorContext(c.Request.Context(), "Embedding failed", "error", err, "status", status)
		writeError(c, status, code, err.Error())
		return nil, false
	}
	if len(out) != len(imgs) {
		writeError(c, http.StatusInternalServerError, "encoder_error",
			fmt.Sprintf("encoder returned %d embeddings for %d images", len(out), len(imgs)))
		return nil, false
	}
	return out, true
}

func encoderErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable, "encoder_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "encoder_timeout"
	default:
		return http.StatusInternalServerError, "encoder_error"
	}
}

// Predict handles POST /predict
func (h *PredictHandler) Predict(c *gin.Context) {
	var req dto.PredictRequest
	if !bind(c, &req) {
		return
	}
	out, ok := embed(c, h.encoder, h.logger, req.Data)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.PredictResponse{LatentSpace: out[0]})
}

// Compare handles POST /compare
func (h *PredictHandler) Compare(c *gin.Context) {
	var req dto.CompareRequest
	if !bind(c, &req) {
		return
	}
	out, ok := embed(c, h.encoder, h.logger, req.A, req.B)
	if !ok {
		return
	}
	sim := utils.CosineSimilarity(out[0], out[1])
	c.JSON(http.StatusOK, dto.CompareResponse{
		Similarity: sim,
		Threshold:  h.threshold,
		Same:       sim >= h.threshold,
	})
}
