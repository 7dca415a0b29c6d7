// Package grader decides whether a submitted answer is correct.
// It is pure: it never touches storage.
package grader

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/model"
)

// A NAT answer is correct when |key-submitted| <= NumericTolerance + NumericSlack.
// NumericSlack (1e-12) absorbs binary rounding of decimal inputs, so that
// 3.1401 against a key of 3.14 still lands on the boundary.
const (
	NumericTolerance = 0.0001
	NumericSlack     = 1e-12
)

var (
	// ErrNoCorrectOption marks an MCQ/MSQ question without any correct option.
	ErrNoCorrectOption = apperr.New(apperr.KindConfiguration, "question has no correct option")
	// ErrMissingSolution marks a NAT question without a solution.
	ErrMissingSolution = apperr.New(apperr.KindConfiguration, "numeric question has no solution")
	// ErrInvalidAnswerKey marks a NAT solution whose answer text is not a number.
	ErrInvalidAnswerKey = apperr.New(apperr.KindValidation, "solution answer is not a number")
	// ErrInvalidNumeric marks a submitted numeric answer that is not a number.
	ErrInvalidNumeric = apperr.New(apperr.KindValidation, "numeric answer is not a number")
	// ErrAnswerShape marks an answer whose fields do not fit the question type.
	ErrAnswerShape = apperr.New(apperr.KindValidation, "answer does not match question type")
)

// Answer is a submitted response to one question.
// Exactly one field is expected, depending on the question type.
type Answer struct {
	SelectedOptionID *int64
	Numeric          *model.Numeric
}

// Empty reports whether neither answer field is set.
func (a Answer) Empty() bool {
	return a.SelectedOptionID == nil && a.Numeric == nil
}

// Result is the grading outcome together with the answer key.
type Result struct {
	IsCorrect            bool     `json:"isCorrect"`
	CorrectOptionIDs     []int64  `json:"correctOptionIds"`
	CorrectNumericAnswer *float64 `json:"correctNumericAnswer"`
}

// CheckShape verifies that a carries the field q's type needs.
func CheckShape(q model.Question, a Answer) error {
	if a.SelectedOptionID != nil && a.Numeric != nil {
		return fmt.Errorf("question %d: %w", q.ID, ErrAnswerShape)
	}
	switch q.Type {
	case model.TypeMCQ, model.TypeMSQ:
		if a.SelectedOptionID == nil {
			return fmt.Errorf("question %d expects selectedOptionId: %w", q.ID, ErrAnswerShape)
		}
	case model.TypeNAT:
		if a.Numeric == nil {
			return fmt.Errorf("question %d expects numericAnswer: %w", q.ID, ErrAnswerShape)
		}
		if _, err := a.Numeric.Float(); err != nil {
			return fmt.Errorf("question %d: %q: %w", q.ID, string(*a.Numeric), ErrInvalidNumeric)
		}
	default:
		return apperr.Configuration("question %d has unknown type %q", q.ID, q.Type)
	}
	return nil
}

// Grade applies the rule for q's type to a.
//
// MCQ and MSQ share one rule: the single selected option must be among the
// options flagged correct. MSQ is graded single-select; there is no
// multi-select or partial credit.
func Grade(q model.Question, a Answer) (Result, error) {
	if err := CheckShape(q, a); err != nil {
		return Result{}, err
	}
	if q.Type == model.TypeNAT {
		return gradeNumeric(q, a)
	}
	return gradeOption(q, a)
}

// AnswerKey returns the key of q without grading anything.
func AnswerKey(q model.Question) (Result, error) {
	if q.Type == model.TypeNAT {
		want, err := numericKey(q)
		if err != nil {
			return Result{}, err
		}
		return Result{CorrectOptionIDs: []int64{}, CorrectNumericAnswer: &want}, nil
	}
	ids := correctOptionIDs(q)
	if len(ids) == 0 {
		return Result{}, fmt.Errorf("question %d: %w", q.ID, ErrNoCorrectOption)
	}
	return Result{CorrectOptionIDs: ids}, nil
}

func gradeOption(q model.Question, a Answer) (Result, error) {
	ids := correctOptionIDs(q)
	if len(ids) == 0 {
		return Result{}, fmt.Errorf("question %d: %w", q.ID, ErrNoCorrectOption)
	}
	res := Result{CorrectOptionIDs: ids}
	for _, id := range ids {
		if id == *a.SelectedOptionID {
			res.IsCorrect = true
			break
		}
	}
	return res, nil
}

func gradeNumeric(q model.Question, a Answer) (Result, error) {
	want, err := numericKey(q)
	if err != nil {
		return Result{}, err
	}
	got, _ := a.Numeric.Float()
	return Result{
		IsCorrect:            WithinTolerance(want, got),
		CorrectOptionIDs:     []int64{},
		CorrectNumericAnswer: &want,
	}, nil
}

func numericKey(q model.Question) (float64, error) {
	if q.Solution == nil {
		return 0, fmt.Errorf("question %d: %w", q.ID, ErrMissingSolution)
	}
	want, err := strconv.ParseFloat(strings.TrimSpace(q.Solution.AnswerText), 64)
	if err != nil || math.IsNaN(want) || math.IsInf(want, 0) {
		return 0, fmt.Errorf("question %d: %q: %w", q.ID, q.Solution.AnswerText, ErrInvalidAnswerKey)
	}
	return want, nil
}

// WithinTolerance reports |want-got| <= NumericTolerance + NumericSlack.
func WithinTolerance(want, got float64) bool {
	return math.Abs(want-got) <= NumericTolerance+NumericSlack
}

func correctOptionIDs(q model.Question) []int64 {
	ids := []int64{}
	for _, o := range q.Options {
		if o.IsCorrect {
			ids = append(ids, o.ID)
		}
	}
	return ids
}
