package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrEmptyBody       = errors.New("empty body")
)

// ReadPayload reads a webhook body of at most limit bytes. Oversized and
// empty deliveries are errors; signature checks need the exact bytes.
func ReadPayload(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, limit)
	case err != nil:
		return nil, err
	case len(body) == 0:
		return nil, ErrEmptyBody
	}
	return body, nil
}

// Acknowledge answers a handled delivery with 200 and {"status": status}.
func Acknowledge(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{status})
}
