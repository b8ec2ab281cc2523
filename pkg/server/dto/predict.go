package dto

import (
	"github.com/soundprediction/lostpaw/pkg/gallery"
)

// PredictRequest carries one image to embed. The wire format matches the
// remote encoder client.
type PredictRequest struct {
	Data Image `json:"data" binding:"required"`
}

// Validate performs validation on PredictRequest
func (r *PredictRequest) Validate() error {
	return r.Data.Validate()
}

// PredictResponse is the embedding of a PredictRequest image.
type PredictResponse struct {
	LatentSpace []float32 `json:"latent_space"`
}

// CompareRequest carries two images to compare.
type CompareRequest struct {
	A Image `json:"a" binding:"required"`
	B Image `json:"b" binding:"required"`
}

// Validate performs validation on CompareRequest
func (r *CompareRequest) Validate() error {
	return validateImages(map[string]Image{"a": r.A, "b": r.B})
}

// CompareResponse reports the cosine similarity of two images.
type CompareResponse struct {
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Same       bool    `json:"same"`
}

// RegisterRequest adds an image of a known pet to the gallery.
type RegisterRequest struct {
	PetID  string `json:"pet_id" binding:"required"`
	Data   Image  `json:"data" binding:"required"`
	Source string `json:"source,omitempty"`
}

// Validate performs validation on RegisterRequest
func (r *RegisterRequest) Validate() error {
	if err := validatePetID(r.PetID); err != nil {
		return err
	}
	if len(r.Source) > MaxSourceLength {
		return ErrSourceTooLong
	}
	return r.Data.Validate()
}

// RegisterResponse identifies the stored gallery entry.
type RegisterResponse struct {
	EntryID string `json:"entry_id"`
	PetID   string `json:"pet_id"`
}

// MatchRequest looks an image up in the gallery. TopK of zero uses the
// server default.
type MatchRequest struct {
	Data Image `json:"data" binding:"required"`
	TopK int   `json:"top_k,omitempty"`
}

// Validate performs validation on MatchRequest
func (r *MatchRequest) Validate() error {
	if r.TopK < 0 || r.TopK > MaxTopK {
		return ErrTopKOutOfRange
	}
	return r.Data.Validate()
}

// MatchResponse lists the gallery entries within the match threshold.
type MatchResponse struct {
	Matches   []gallery.Match `json:"matches"`
	Threshold float64         `json:"threshold"`
}

// RemoveResponse reports how many entries were deleted for a pet.
type RemoveResponse struct {
	PetID   string `json:"pet_id"`
	Removed int    `json:"removed"`
}
