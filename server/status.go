package server

import (
	"net/http"

	"github.com/skein-ai/skein/api"
)

// statusForKind maps a typed task failure to an HTTP status.
func statusForKind(kind api.ErrorKind) int {
	switch kind {
	case api.ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorKindAuthentication:
		return http.StatusUnauthorized
	case api.ErrorKindPermission:
		return http.StatusForbidden
	case api.ErrorKindNotFound:
		return http.StatusNotFound
	case api.ErrorKindNotSupported:
		return http.StatusNotImplemented
	case api.ErrorKindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
