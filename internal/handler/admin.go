package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/auth"
	"github.com/pavelanni/mocktest/internal/bank"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

// maxBankBytes caps uploaded bank files.
const maxBankBytes = 10 << 20

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"displayName"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, apperr.Validation("username and password required"))
		return
	}
	switch req.Role {
	case "":
		req.Role = model.UserRoleStudent
	case model.UserRoleStudent, model.UserRoleAdmin:
	default:
		writeError(w, r, apperr.Validation("unknown role %q", req.Role))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	existing, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if existing != nil {
		writeError(w, r, apperr.Validation("username %q is taken", req.Username))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	u := model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         req.Role,
		Active:       true,
	}
	if u.ID, err = h.store.CreateUser(r.Context(), u); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if id == currentUser(r).ID {
		writeError(w, r, apperr.Validation("cannot deactivate yourself"))
		return
	}
	err = h.store.ToggleUserActive(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, apperr.NotFound("user %d not found", id))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleUploadBank imports a bank file sent as the "bank_file" multipart field.
func (h *Handler) handleUploadBank(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBankBytes)
	if err := r.ParseMultipartForm(maxBankBytes); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, err, "invalid upload"))
		return
	}
	file, header, err := r.FormFile("bank_file")
	if err != nil {
		writeError(w, r, apperr.Validation("no bank_file uploaded"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := bank.ImportBytes(r.Context(), h.store, "upload:"+header.Filename, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("bank uploaded via admin", "filename", header.Filename, "status", res.Status, "questions", res.Questions)

	status := http.StatusOK
	if res.Status == bank.StatusImported {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}
