package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/bluesphere/oceantemp/internal/forecast"
	"github.com/bluesphere/oceantemp/internal/jobs"
)

// Error kinds carried in API error payloads. Upstream-source failures
// never surface here: they are recorded on job runs and reported
// through /status instead.
const (
	kindValidation            = "validation"
	kindInsufficientData      = "insufficient_data"
	kindNotYetComputed        = "not_yet_computed"
	kindRecomputationConflict = "recomputation_conflict"
	kindInternal              = "internal"
)

// ValidationError reports a malformed or out-of-range request
// parameter. The reason is written verbatim into the response, so it
// must never carry internal detail.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

type errorPayload struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: errorPayload{Kind: kind, Reason: reason}})
}

// writeFailure maps an error onto the taxonomy. Anything unrecognized
// is logged server-side and reported as a bare internal error.
func writeFailure(w http.ResponseWriter, err error) {
	var ve *ValidationError
	var ihe *forecast.InsufficientHistoryError
	var ume *forecast.UnknownModelError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, kindValidation, ve.Reason)
	case errors.As(err, &ume):
		writeError(w, http.StatusBadRequest, kindValidation, ume.Error())
	case errors.As(err, &ihe):
		writeError(w, http.StatusUnprocessableEntity, kindInsufficientData, ihe.Error())
	case errors.Is(err, jobs.ErrRecomputationConflict):
		writeError(w, http.StatusConflict, kindRecomputationConflict, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		log.Printf("api: %v", err)
		writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
	}
}
