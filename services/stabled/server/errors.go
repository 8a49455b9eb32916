package server

import (
	"encoding/json"
	"errors"
	"net/http"

	nativecommon "stablecoin/native/common"
	"stablecoin/native/stablecoin"
	"stablecoin/services/stabled/custody"
	"stablecoin/services/stabled/oracle"
)

var (
	errInternal           = errors.New("internal error")
	errInvalidPayload     = errors.New("invalid payload")
	errIdempotencyKey     = errors.New("idempotency key too long")
	errIdempotencyReuse   = errors.New("idempotency key reused for a different request")
	errIdempotencyPending = errors.New("request with this idempotency key is still executing")
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, custody.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stablecoin.ErrInvalidPrice), errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, stablecoin.ErrBelowMinHealthFactor), errors.Is(err, stablecoin.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stablecoin.ErrAboveMinimumHealthFactor), errors.Is(err, stablecoin.ErrConfigExists),
		errors.Is(err, oracle.ErrOutOfOrder):
		return http.StatusConflict
	case errors.Is(err, stablecoin.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, stablecoin.ErrConfigNotFound):
		return http.StatusPreconditionFailed
	case errors.Is(err, stablecoin.ErrInvalidConfig), errors.Is(err, stablecoin.ErrInvalidHealthFactor),
		errors.Is(err, stablecoin.ErrInvalidAmount), errors.Is(err, stablecoin.ErrInvalidOwner),
		errors.Is(err, stablecoin.ErrSelfLiquidation), errors.Is(err, oracle.ErrInvalidRef),
		errors.Is(err, custody.ErrInvalidAccount), errors.Is(err, errInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrFeedNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, custody.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, oracle.ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, oracle.ErrInvalidRef), errors.Is(err, custody.ErrInvalidAccount), errors.Is(err, errInvalidPayload):
		return "invalid_request"
	case errors.Is(err, oracle.ErrFeedNotFound):
		return "feed_not_found"
	}
	return stablecoin.Reason(err)
}

// writeError renders err. Internal failures are not echoed to the client.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeJSONError(w, status, "internal", errInternal)
		return
	}
	writeJSONError(w, status, reasonFor(err), err)
}

func writeJSONError(w http.ResponseWriter, status int, reason string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
