package mocktest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/auth"
	"github.com/pavelanni/mocktest/internal/grader"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

// ResponseEntry is one submitted answer.
//
// An entry with neither SelectedOptionID nor NumericAnswer is treated as
// unanswered: it is not stored, and its TimeTakenSeconds is not counted
// anywhere, including analysis time averages.
type ResponseEntry struct {
	QuestionID       int64          `json:"questionId" validate:"required,gt=0"`
	SelectedOptionID *int64         `json:"selectedOptionId"`
	NumericAnswer    *model.Numeric `json:"numericAnswer"`
	TimeTakenSeconds int            `json:"timeTakenSeconds" validate:"gte=0"`
}

func (e ResponseEntry) answer() grader.Answer {
	return grader.Answer{SelectedOptionID: e.SelectedOptionID, Numeric: e.NumericAnswer}
}

// SubmitResult is returned after a submission has been stored.
type SubmitResult struct {
	SubmissionID int64            `json:"submissionId"`
	TotalScore   int              `json:"totalScore"`
	MaxScore     int              `json:"maxScore"`
	Responses    []GradedResponse `json:"responses"`
	// Skipped lists questions left out because their answer key is broken.
	Skipped []int64 `json:"skipped"`
}

// GradedResponse is a stored response together with its answer key.
type GradedResponse struct {
	QuestionID           int64    `json:"questionId"`
	SelectedOptionID     *int64   `json:"selectedOptionId"`
	NumericAnswer        *float64 `json:"numericAnswer"`
	IsCorrect            bool     `json:"isCorrect"`
	MarksAwarded         int      `json:"marksAwarded"`
	TimeTakenSeconds     int      `json:"timeTakenSeconds"`
	CorrectOptionIDs     []int64  `json:"correctOptionIds"`
	CorrectNumericAnswer *float64 `json:"correctNumericAnswer"`
}

// Submit grades entries against mockID and stores a new submission.
//
// Entries for questions outside the mock are ignored, as are entries with no
// answer. A question whose answer key is broken is skipped and logged; it never
// counts as a wrong answer. Each call creates a new submission.
func (s *Service) Submit(ctx context.Context, userID, mockID int64, entries []ResponseEntry) (*SubmitResult, error) {
	m, err := s.loadMock(ctx, mockID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireOwner(m.UserID, userID); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperr.Validation("responses must not be empty")
	}

	questions := make(map[int64]model.Question, len(m.Questions))
	maxScore := 0
	for _, mq := range m.Questions {
		questions[mq.Question.ID] = mq.Question
		maxScore += mq.Question.Marks
	}

	// Reject malformed input before grading anything.
	seen := make(map[int64]bool, len(entries))
	var accepted []ResponseEntry
	for i, e := range entries {
		if e.QuestionID <= 0 {
			return nil, apperr.Validation("responses[%d]: questionId must be positive", i)
		}
		// Stale entries for other questions are dropped whatever their shape.
		q, ok := questions[e.QuestionID]
		if !ok {
			slog.Debug("ignoring response for question outside mock", "mock_id", mockID, "question_id", e.QuestionID)
			continue
		}
		if err := s.validateStruct(e); err != nil {
			return nil, fmt.Errorf("responses[%d]: %w", i, err)
		}
		if seen[e.QuestionID] {
			return nil, apperr.Validation("responses[%d]: duplicate questionId %d", i, e.QuestionID)
		}
		seen[e.QuestionID] = true

		if e.answer().Empty() {
			continue
		}
		if err := grader.CheckShape(q, e.answer()); err != nil {
			if apperr.KindOf(err) == apperr.KindConfiguration {
				accepted = append(accepted, e)
				continue
			}
			return nil, fmt.Errorf("responses[%d]: %w", i, err)
		}
		if e.SelectedOptionID != nil && !hasOption(q, *e.SelectedOptionID) {
			return nil, apperr.Validation("responses[%d]: option %d does not belong to question %d", i, *e.SelectedOptionID, q.ID)
		}
		accepted = append(accepted, e)
	}

	result := &SubmitResult{MaxScore: maxScore, Responses: []GradedResponse{}, Skipped: []int64{}}
	for _, e := range accepted {
		q := questions[e.QuestionID]
		res, err := grader.Grade(q, e.answer())
		if err != nil {
			if isContentFault(err) {
				slog.Warn("skipping response: question answer key is misconfigured",
					"mock_id", mockID, "question_id", q.ID, "error", err)
				result.Skipped = append(result.Skipped, q.ID)
				continue
			}
			return nil, err
		}
		gr := GradedResponse{
			QuestionID:           q.ID,
			SelectedOptionID:     e.SelectedOptionID,
			IsCorrect:            res.IsCorrect,
			TimeTakenSeconds:     e.TimeTakenSeconds,
			CorrectOptionIDs:     res.CorrectOptionIDs,
			CorrectNumericAnswer: res.CorrectNumericAnswer,
		}
		if e.NumericAnswer != nil {
			v, _ := e.NumericAnswer.Float()
			gr.NumericAnswer = &v
		}
		if res.IsCorrect {
			gr.MarksAwarded = q.Marks
			result.TotalScore += q.Marks
		}
		result.Responses = append(result.Responses, gr)
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		subID, err := tx.CreateSubmission(ctx, model.MockSubmission{
			MockID:     mockID,
			UserID:     userID,
			TotalScore: result.TotalScore,
		})
		if err != nil {
			return err
		}
		result.SubmissionID = subID
		for _, gr := range result.Responses {
			if _, err := tx.InsertResponse(ctx, model.MockQuestionResponse{
				SubmissionID:     subID,
				QuestionID:       gr.QuestionID,
				SelectedOptionID: gr.SelectedOptionID,
				NumericAnswer:    gr.NumericAnswer,
				IsCorrect:        gr.IsCorrect,
				TimeTakenSeconds: gr.TimeTakenSeconds,
			}); err != nil {
				return err
			}
			if err := tx.InsertAttempt(ctx, model.QuestionAttempt{
				UserID:           userID,
				QuestionID:       gr.QuestionID,
				Mode:             model.ModeMock,
				SelectedOptionID: gr.SelectedOptionID,
				NumericAnswer:    gr.NumericAnswer,
				IsCorrect:        gr.IsCorrect,
				TimeTakenSeconds: gr.TimeTakenSeconds,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist submission: %w", err)
	}

	slog.Info("scored submission",
		"mock_id", mockID, "submission_id", result.SubmissionID, "user_id", userID,
		"graded", len(result.Responses), "skipped", len(result.Skipped),
		"score", result.TotalScore, "max_score", maxScore)
	return result, nil
}

// isContentFault reports whether err comes from the question's own data
// rather than from the submitted answer.
func isContentFault(err error) bool {
	return apperr.KindOf(err) == apperr.KindConfiguration || errors.Is(err, grader.ErrInvalidAnswerKey)
}

func hasOption(q model.Question, optionID int64) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}
