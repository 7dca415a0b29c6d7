// Package handler is the JSON HTTP binding of the mock operations.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/auth"
	appI18n "github.com/pavelanni/mocktest/internal/i18n"
	"github.com/pavelanni/mocktest/internal/llm"
	"github.com/pavelanni/mocktest/internal/mocktest"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc      *mocktest.Service
	store    *store.Store
	sessions *auth.SessionResolver
	auth     auth.Resolver
	coach    *llm.Client
}

// New creates a Handler. coach may be nil, which disables the advice route.
func New(svc *mocktest.Service, s *store.Store, sessions *auth.SessionResolver, resolver auth.Resolver, coach *llm.Client) *Handler {
	return &Handler{svc: svc, store: s, sessions: sessions, auth: resolver, coach: coach}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Post("/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/logout", h.handleLogout)
		r.Get("/me", h.handleMe)

		r.Route("/mocks", func(r chi.Router) {
			r.Post("/", h.handleAssemble)
			r.Get("/", h.handleListMocks)
			r.Route("/{mockID}", func(r chi.Router) {
				r.Get("/", h.handleGetMock)
				r.Post("/submit", h.handleSubmit)
				r.Get("/submissions", h.handleListSubmissions)
				r.Get("/analysis", h.handleAnalysis)
				r.Get("/analysis/advice", h.handleAdvice)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/users", h.handleListUsers)
			r.Post("/users", h.handleCreateUser)
			r.Post("/users/{userID}/toggle-active", h.handleToggleUserActive)
			r.Post("/bank", h.handleUploadBank)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleAssemble(w http.ResponseWriter, r *http.Request) {
	var req mocktest.AssembleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.svc.Assemble(r.Context(), currentUser(r).ID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) handleListMocks(w http.ResponseWriter, r *http.Request) {
	mocks, err := h.svc.ListMocks(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mocks)
}

func (h *Handler) handleGetMock(w http.ResponseWriter, r *http.Request) {
	mockID, err := pathID(r, "mockID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.svc.GetMock(r.Context(), currentUser(r).ID, mockID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type submitRequest struct {
	Responses []mocktest.ResponseEntry `json:"responses"`
}

type submitResponse struct {
	*mocktest.SubmitResult
	Message string `json:"message"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	mockID, err := pathID(r, "mockID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := decodeResponses(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Submit(r.Context(), currentUser(r).ID, mockID, entries)
	if err != nil {
		writeError(w, r, err)
		return
	}

	msg := appI18n.Td(r.Context(), "ScoreSummary", map[string]any{"Score": res.TotalScore, "MaxScore": res.MaxScore})
	if n := len(res.Skipped); n > 0 {
		msg += " " + appI18n.Tp(r.Context(), "QuestionsSkipped", n)
	}
	writeJSON(w, http.StatusCreated, submitResponse{SubmitResult: res, Message: msg})
}

// decodeResponses accepts either a bare array of entries or {"responses": [...]}.
func decodeResponses(w http.ResponseWriter, r *http.Request) ([]mocktest.ResponseEntry, error) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var entries []mocktest.ResponseEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "invalid responses")
		}
		return entries, nil
	}
	var req submitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid responses")
	}
	return req.Responses, nil
}

func (h *Handler) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	mockID, err := pathID(r, "mockID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	subs, err := h.svc.ListSubmissions(r.Context(), currentUser(r).ID, mockID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	report, err := h.analyze(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type adviceResponse struct {
	SubmissionID int64       `json:"submissionId"`
	WeakTopics   []string    `json:"weakTopics"`
	Advice       *llm.Advice `json:"advice"`
}

func (h *Handler) handleAdvice(w http.ResponseWriter, r *http.Request) {
	if h.coach == nil {
		writeError(w, r, apperr.NotFound("revision coach is not enabled"))
		return
	}
	report, err := h.analyze(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lang := appI18n.Language(r.Context())
	advice, err := h.coach.Advise(r.Context(), report, lang.String())
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := adviceResponse{SubmissionID: report.Submission.ID, WeakTopics: []string{}, Advice: advice}
	for _, t := range report.WeakTopics {
		resp.WeakTopics = append(resp.WeakTopics, t.Name)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) analyze(r *http.Request) (*model.AnalysisReport, error) {
	mockID, err := pathID(r, "mockID")
	if err != nil {
		return nil, err
	}
	var submissionID *int64
	if v := r.URL.Query().Get("submissionId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return nil, apperr.Validation("submissionId must be a positive integer")
		}
		submissionID = &id
	}
	return h.svc.Analyze(r.Context(), currentUser(r).ID, mockID, submissionID)
}

func currentUser(r *http.Request) *model.User {
	return model.UserFromContext(r.Context())
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid %s", name)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Wrap(apperr.KindValidation, err, "invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
