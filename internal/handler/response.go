package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/efreitasn/opinionmarket/internal/domain"
)

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// ParseJSON decodes the request body as JSON into v. Unknown fields are
// rejected.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("request body must be valid JSON with Content-Type: application/json")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("request body must be valid JSON with Content-Type: application/json")
	}

	return nil
}

// parseAmount parses a major-unit decimal string such as "1.5" into base
// units. An empty string is zero.
func parseAmount(field, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := domain.ParseMajor(s)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return 0, &domain.ValidationError{Message: field + ": " + ve.Message}
		}
		return 0, &domain.ValidationError{Message: field + " is too large"}
	}
	return v, nil
}

// queryInt reads an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &domain.ValidationError{Message: name + " must be an integer"}
	}
	return v, nil
}

// formatAmount renders base units as a major-unit decimal string.
func formatAmount(v uint64) string {
	return domain.FormatMajor(v)
}

func formatAmounts(vs []uint64) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = formatAmount(v)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
