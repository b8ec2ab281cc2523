package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/gallery"
	"github.com/soundprediction/lostpaw/pkg/server/dto"
	"github.com/soundprediction/lostpaw/pkg/types"
)

// GalleryHandler registers known pets and matches query images against them.
type GalleryHandler struct {
	encoder encoder.Encoder
	gallery *gallery.Gallery
	logger  *slog.Logger
}

// NewGalleryHandler creates a new gallery handler
func NewGalleryHandler(enc encoder.Encoder, gal *gallery.Gallery, logger *slog.Logger) *GalleryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GalleryHandler{encoder: enc, gallery: gal, logger: logger}
}

func (h *GalleryHandler) ready(c *gin.Context) bool {
	if h.gallery == nil {
		writeError(c, http.StatusServiceUnavailable, "gallery_disabled", "gallery not configured")
		return false
	}
	return true
}

// Register handles POST /register
func (h *GalleryHandler) Register(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req dto.RegisterRequest
	if !bind(c, &req) {
		return
	}
	out, ok := embed(c, h.encoder, h.logger, req.Data)
	if !ok {
		return
	}

	entry, err := h.gallery.Register(c.Request.Context(), types.PetID(req.PetID), out[0], req.Source)
	if err != nil {
		if errors.Is(err, gallery.ErrInvalidEmbedding) {
			writeError(c, http.StatusInternalServerError, "encoder_error", err.Error())
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "Gallery register failed", "pet_id", req.PetID, "error", err)
		writeError(c, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, dto.RegisterResponse{EntryID: entry.ID, PetID: string(entry.PetID)})
}

// Match handles POST /match
func (h *GalleryHandler) Match(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req dto.MatchRequest
	if !bind(c, &req) {
		return
	}
	out, ok := embed(c, h.encoder, h.logger, req.Data)
	if !ok {
		return
	}

	matches, err := h.gallery.Match(c.Request.Context(), out[0], req.TopK)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "Gallery match failed", "error", err)
		writeError(c, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if matches == nil {
		matches = []gallery.Match{}
	}
	c.JSON(http.StatusOK, dto.MatchResponse{Matches: matches, Threshold: h.gallery.Threshold()})
}

// Remove handles DELETE /pets/:pet_id
func (h *GalleryHandler) Remove(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	pet := c.Param("pet_id")
	n, err := h.gallery.Remove(c.Request.Context(), types.PetID(pet))
	if err != nil {
		if errors.Is(err, gallery.ErrNotFound) {
			writeError(c, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(c, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.RemoveResponse{PetID: pet, Removed: n})
}
