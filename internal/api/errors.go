package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondServiceError maps a service error and sends it.
func respondServiceError(w http.ResponseWriter, err error) {
	statusCode, code, message, details := mapServiceError(err)
	respondError(w, statusCode, code, message, details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput      = apperrors.CodeInvalidInput
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError     = apperrors.CodeInternalError
)

// mapServiceError maps service errors to HTTP status codes. Internal
// failures are reported without their cause.
func mapServiceError(err error) (int, string, string, map[string]interface{}) {
	catErr := apperrors.Categorize(err)
	statusCode := apperrors.GetHTTPStatusCode(catErr)

	switch catErr.Category {
	case apperrors.CategorySystem, apperrors.CategoryDatabase:
		return statusCode, catErr.Code, "An internal error occurred", nil
	case apperrors.CategoryProvider:
		return statusCode, catErr.Code, "Price oracle unavailable", nil
	default:
		return statusCode, catErr.Code, catErr.Message, catErr.Details
	}
}
