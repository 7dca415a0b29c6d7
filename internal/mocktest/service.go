// Package mocktest assembles mocks from the question bank, scores their
// submissions and analyses the results.
package mocktest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/auth"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

// Config bounds mock assembly.
type Config struct {
	// MaxQuestions is the largest numQuestions a caller may request.
	MaxQuestions int
	// PoolFactor times numQuestions is the candidate pool size.
	PoolFactor int
	// PoolCeiling caps the candidate pool regardless of PoolFactor.
	PoolCeiling int
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{MaxQuestions: 100, PoolFactor: 5, PoolCeiling: 500}
}

// Service implements the mock operations on top of a store.
type Service struct {
	store    *store.Store
	cfg      Config
	validate *validator.Validate
}

// New creates a Service. Non-positive config fields take their defaults.
func New(s *store.Store, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = def.MaxQuestions
	}
	if cfg.PoolFactor <= 0 {
		cfg.PoolFactor = def.PoolFactor
	}
	if cfg.PoolCeiling <= 0 {
		cfg.PoolCeiling = def.PoolCeiling
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{store: s, cfg: cfg, validate: v}
}

// GetMock returns one of the caller's mocks with its ordered questions.
func (s *Service) GetMock(ctx context.Context, userID, mockID int64) (*model.Mock, error) {
	m, err := s.loadMock(ctx, mockID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireOwner(m.UserID, userID); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMocks returns the caller's mocks, newest first.
func (s *Service) ListMocks(ctx context.Context, userID int64) ([]model.Mock, error) {
	mocks, err := s.store.ListMocks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list mocks: %w", err)
	}
	return mocks, nil
}

// ListSubmissions returns the submissions of one of the caller's mocks, newest first.
func (s *Service) ListSubmissions(ctx context.Context, userID, mockID int64) ([]model.MockSubmission, error) {
	if _, err := s.GetMock(ctx, userID, mockID); err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubmissions(ctx, mockID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return subs, nil
}

func (s *Service) loadMock(ctx context.Context, mockID int64) (*model.Mock, error) {
	m, err := s.store.GetMock(ctx, mockID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("mock %d not found", mockID)
	}
	if err != nil {
		return nil, fmt.Errorf("load mock %d: %w", mockID, err)
	}
	return m, nil
}

// validateStruct runs struct-tag validation and reports the first failure.
func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return apperr.Validation("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return apperr.Validation("%s: failed %q", fe.Namespace(), fe.Tag())
	}
	return apperr.Wrap(apperr.KindValidation, err, "invalid request")
}
