package controlplane

import (
	"errors"
	"net/http"

	"github.com/meridianmesh/discovery/internal/dispatcher"
	"github.com/meridianmesh/discovery/internal/registry"
)

// wireError is the structured error body every non-2xx response carries
// (spec §7: "structured error with code"), mirroring the sentinel errors
// Registry and Dispatcher already return wrapped with %w.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps a Registry/Dispatcher sentinel error to its wire code and
// HTTP status. Unrecognized errors fall back to a 500 Internal code so a
// future sentinel doesn't silently surface as a generic 400.
func classify(err error) (status int, code string) {
	switch {
	case errors.Is(err, registry.ErrInvalidInstance):
		return http.StatusBadRequest, "InvalidInstance"
	case errors.Is(err, registry.ErrDuplicateEndpoint):
		return http.StatusConflict, "Duplicate"
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, registry.ErrExpired):
		return http.StatusGone, "Expired"
	case errors.Is(err, registry.ErrUnknownService):
		return http.StatusNotFound, "UnknownService"
	case errors.Is(err, registry.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "StoreUnavailable"
	case errors.Is(err, dispatcher.ErrNoHealthyInstance):
		return http.StatusServiceUnavailable, "NoAvailableInstance"
	case errors.Is(err, dispatcher.ErrUnknownLease):
		return http.StatusNotFound, "UnknownLease"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}
