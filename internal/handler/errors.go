package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/mocktest/internal/apperr"
	appI18n "github.com/pavelanni/mocktest/internal/i18n"
)

type errorBody struct {
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Kind      apperr.Kind `json:"kind"`
	Message   string      `json:"message"`
	Detail    string      `json:"detail,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:      http.StatusBadRequest,
	apperr.KindUnauthenticated: http.StatusUnauthorized,
	apperr.KindForbidden:       http.StatusForbidden,
	apperr.KindNotFound:        http.StatusNotFound,
	apperr.KindNoCandidates:    http.StatusUnprocessableEntity,
	apperr.KindConfiguration:   http.StatusInternalServerError,
	apperr.KindInternal:        http.StatusInternalServerError,
}

var kindMessage = map[apperr.Kind]string{
	apperr.KindValidation:      "ErrValidation",
	apperr.KindUnauthenticated: "ErrUnauthenticated",
	apperr.KindForbidden:       "ErrForbidden",
	apperr.KindNotFound:        "ErrNotFound",
	apperr.KindNoCandidates:    "ErrNoCandidates",
	apperr.KindConfiguration:   "ErrConfiguration",
	apperr.KindInternal:        "ErrInternal",
}

// writeError maps err to its status code and writes the structured error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		kind, status = apperr.KindInternal, http.StatusInternalServerError
	}
	reqID := middleware.GetReqID(r.Context())

	info := errorInfo{
		Kind:      kind,
		Message:   appI18n.T(r.Context(), kindMessage[kind]),
		RequestID: reqID,
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "request_id", reqID, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	if kind != apperr.KindInternal {
		info.Detail = err.Error()
	}
	if kind == apperr.KindUnauthenticated {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mocktest"`)
	}
	writeJSON(w, status, errorBody{Error: info})
}
