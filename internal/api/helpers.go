package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Galenite-GLNT/galenite-site/internal/core"
	"github.com/Galenite-GLNT/galenite-site/internal/store"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 64 << 20

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// decodeJSON reads the request body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP statuses; 0 means unexpected.
func statusFor(err error) int {
	var attErr *core.AttachmentError
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, core.ErrEmptyInput):
		return http.StatusNoContent
	case errors.Is(err, core.ErrRequestInFlight),
		errors.Is(err, core.ErrNothingToResubmit),
		errors.Is(err, core.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, store.ErrChatNotFound), errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.As(err, &attErr), errors.As(err, &validationErrs):
		return http.StatusBadRequest
	}
	return 0
}
