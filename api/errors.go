package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/davshare/davshare/acl"
	"github.com/davshare/davshare/storage"
)

// writeError maps the engine error taxonomy onto HTTP statuses:
// authorization failures 403, unsupported policy 501, disallowed policy
// 405, missing resources 404, concurrent-write conflicts 412.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError

	switch acl.KindOf(err) {
	case acl.KindForbidden:
		status = http.StatusForbidden
	case acl.KindPolicyNotSupported:
		status = http.StatusNotImplemented
	case acl.KindPolicyNotAllowed:
		status = http.StatusMethodNotAllowed
	}

	var se *storage.Error
	if status == http.StatusInternalServerError && errors.As(err, &se) {
		switch se.Type {
		case storage.ErrNotFound:
			status = http.StatusNotFound
		case storage.ErrConflict:
			status = http.StatusPreconditionFailed
		case storage.ErrInvalidInput:
			status = http.StatusBadRequest
		case storage.ErrAlreadyExists:
			status = http.StatusConflict
		}
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}
