package dto

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors
var (
	ErrEmptyImage     = errors.New("image data cannot be empty")
	ErrRaggedImage    = errors.New("image rows must all have the same width")
	ErrImageTooLarge  = errors.New("image exceeds maximum side (4096)")
	ErrEmptyPetID     = errors.New("pet_id cannot be empty")
	ErrPetIDTooLong   = errors.New("pet_id exceeds maximum length (256)")
	ErrInvalidPetID   = errors.New("pet_id cannot contain '/'")
	ErrSourceTooLong  = errors.New("source exceeds maximum length (1024)")
	ErrTopKOutOfRange = errors.New("top_k must be between 0 and 100")
)

// MaxFieldLengths defines maximum lengths for fields to prevent abuse
const (
	MaxImageSide    = 4096
	MaxPetIDLength  = 256
	MaxSourceLength = 1024
	MaxTopK         = 100
)

// Image is an RGB pixel array indexed [row][column][channel].
type Image [][][3]uint8

// Validate checks that the image is non-empty, rectangular and bounded.
func (img Image) Validate() error {
	if len(img) == 0 || len(img[0]) == 0 {
		return ErrEmptyImage
	}
	if len(img) > MaxImageSide || len(img[0]) > MaxImageSide {
		return ErrImageTooLarge
	}
	w := len(img[0])
	for _, row := range img {
		if len(row) != w {
			return ErrRaggedImage
		}
	}
	return nil
}

func validatePetID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyPetID
	}
	if len(id) > MaxPetIDLength {
		return ErrPetIDTooLong
	}
	if strings.Contains(id, "/") {
		return ErrInvalidPetID
	}
	return nil
}

func validateImages(named map[string]Image) error {
	for name, img := range named {
		if err := img.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
