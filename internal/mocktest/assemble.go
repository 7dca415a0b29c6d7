package mocktest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

// AssembleRequest is the filter specification of a new mock.
type AssembleRequest struct {
	Name             string               `json:"name" validate:"max=200"`
	Exam             string               `json:"exam" validate:"required"`
	SubjectID        *int64               `json:"subjectId" validate:"omitempty,gt=0"`
	TopicIDs         []int64              `json:"topicIds" validate:"dive,gt=0"`
	Difficulties     []model.Difficulty   `json:"difficulties" validate:"dive,oneof=EASY MEDIUM HARD"`
	Types            []model.QuestionType `json:"types" validate:"dive,oneof=MCQ MSQ NAT"`
	Marks            []int                `json:"marks" validate:"dive,gt=0"`
	IsFormulaBased   *bool                `json:"isFormulaBased"`
	TagIDs           []int64              `json:"tagIds" validate:"dive,gt=0"`
	TagSlugs         []string             `json:"tagSlugs" validate:"dive,required"`
	Status           model.AttemptStatus  `json:"status" validate:"omitempty,oneof=unattempted attempted incorrect"`
	NumQuestions     int                  `json:"numQuestions"`
	TimeLimitMinutes *int                 `json:"timeLimitMinutes"`
}

// Assemble samples a new mock for userID from the questions matching req.
//
// The candidate pool is the newest min(numQuestions*PoolFactor, PoolCeiling)
// matches. A pool smaller than numQuestions yields a shorter mock; an empty
// one is a no_candidates error.
func (s *Service) Assemble(ctx context.Context, userID int64, req AssembleRequest) (*model.Mock, error) {
	if err := s.checkAssemble(req); err != nil {
		return nil, err
	}

	exam, err := s.store.ExamBySlug(ctx, req.Exam)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("exam %q not found", req.Exam)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve exam: %w", err)
	}

	filter := model.QuestionFilter{
		ExamID:         exam.ID,
		SubjectID:      req.SubjectID,
		TopicIDs:       req.TopicIDs,
		Difficulties:   req.Difficulties,
		Types:          req.Types,
		Marks:          req.Marks,
		IsFormulaBased: req.IsFormulaBased,
		TagIDs:         req.TagIDs,
		TagSlugs:       req.TagSlugs,
		Status:         req.Status,
		UserID:         userID,
		Limit:          s.poolSize(req.NumQuestions),
	}
	pool, err := s.store.FindCandidates(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	if len(pool) == 0 {
		return nil, apperr.NoCandidates("no questions match the filters for exam %q", req.Exam)
	}

	selected := sample(pool, req.NumQuestions)
	if len(selected) < req.NumQuestions {
		slog.Info("candidate pool smaller than requested mock",
			"exam", req.Exam, "requested", req.NumQuestions, "available", len(selected))
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s mock (%d questions)", exam.Name, len(selected))
	}

	var mockID int64
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		mockID, err = tx.CreateMock(ctx, model.Mock{
			UserID:    userID,
			Name:      name,
			TimeLimit: req.TimeLimitMinutes,
		}, selected)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("persist mock: %w", err)
	}
	slog.Info("assembled mock", "mock_id", mockID, "user_id", userID, "questions", len(selected), "pool", len(pool))

	return s.loadMock(ctx, mockID)
}

func (s *Service) checkAssemble(req AssembleRequest) error {
	if req.NumQuestions <= 0 {
		return apperr.Validation("numQuestions must be positive, got %d", req.NumQuestions)
	}
	if req.NumQuestions > s.cfg.MaxQuestions {
		return apperr.Validation("numQuestions must be at most %d, got %d", s.cfg.MaxQuestions, req.NumQuestions)
	}
	if req.TimeLimitMinutes != nil && *req.TimeLimitMinutes <= 0 {
		return apperr.Validation("timeLimitMinutes must be positive, got %d", *req.TimeLimitMinutes)
	}
	return s.validateStruct(req)
}

func (s *Service) poolSize(numQuestions int) int {
	return min(numQuestions*s.cfg.PoolFactor, s.cfg.PoolCeiling)
}

// sample returns min(k, len(pool)) distinct IDs in uniformly random order.
// pool is not modified.
func sample(pool []int64, k int) []int64 {
	shuffled := make([]int64, len(pool))
	copy(shuffled, pool)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if k < len(shuffled) {
		shuffled = shuffled[:k]
	}
	return shuffled
}
