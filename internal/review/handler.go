package review

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Request is the /review request body.
type Request struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

// Response carries the model's critique.
type Response struct {
	Review string `json:"review"`
}

// NewHandler serves POST /review. A nil reviewer answers 503 so clients
// can distinguish "feature off" from a bad request.
func NewHandler(r *Reviewer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "code review is not enabled"})
			return
		}

		var body Request
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Code == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "code is required"})
			return
		}

		review, err := r.Review(req.Context(), body.Code, body.Language)
		if err != nil {
			log.Error().Err(err).Msg("review request failed")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "review backend failed"})
			return
		}

		_ = json.NewEncoder(w).Encode(Response{Review: review})
	})
}
