package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pavelanni/mocktest/internal/model"
)

// CreateSubmission inserts the submission row only; responses are added separately.
func (t *Tx) CreateSubmission(ctx context.Context, sub model.MockSubmission) (int64, error) {
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO mock_submissions (mock_id, user_id, total_score, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		sub.MockID, sub.UserID, sub.TotalScore, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert submission: %w", err)
	}
	return id, nil
}

// InsertResponse stores one graded response of a submission.
func (t *Tx) InsertResponse(ctx context.Context, r model.MockQuestionResponse) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO mock_question_responses
		   (submission_id, question_id, selected_option_id, numeric_answer, is_correct, time_taken_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		r.SubmissionID, r.QuestionID, r.SelectedOptionID, r.NumericAnswer, r.IsCorrect, r.TimeTakenSeconds,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert response for question %d: %w", r.QuestionID, err)
	}
	return id, nil
}

// InsertAttempt appends a row to the attempt log.
func (t *Tx) InsertAttempt(ctx context.Context, a model.QuestionAttempt) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO question_attempts
		   (user_id, question_id, mode, selected_option_id, numeric_answer, is_correct, time_taken_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.UserID, a.QuestionID, a.Mode, a.SelectedOptionID, a.NumericAnswer, a.IsCorrect, a.TimeTakenSeconds, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt for question %d: %w", a.QuestionID, err)
	}
	return nil
}

// GetSubmission returns a submission with its responses.
func (s *Store) GetSubmission(ctx context.Context, id int64) (*model.MockSubmission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT id, mock_id, user_id, total_score, created_at FROM mock_submissions WHERE id = $1`, id,
	))
	if err != nil {
		return nil, err
	}
	return sub, s.loadResponses(ctx, sub)
}

// LatestSubmission returns the user's most recent submission of a mock.
func (s *Store) LatestSubmission(ctx context.Context, mockID, userID int64) (*model.MockSubmission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT id, mock_id, user_id, total_score, created_at FROM mock_submissions
		 WHERE mock_id = $1 AND user_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, mockID, userID,
	))
	if err != nil {
		return nil, err
	}
	return sub, s.loadResponses(ctx, sub)
}

// ListSubmissions returns the submissions of a mock, newest first, without responses.
func (s *Store) ListSubmissions(ctx context.Context, mockID int64) ([]model.MockSubmission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mock_id, user_id, total_score, created_at FROM mock_submissions
		 WHERE mock_id = $1 ORDER BY created_at DESC, id DESC`, mockID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	subs := []model.MockSubmission{}
	for rows.Next() {
		var sub model.MockSubmission
		if err := rows.Scan(&sub.ID, &sub.MockID, &sub.UserID, &sub.TotalScore, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CountAttempts returns how many attempt rows a user has in the given mode.
func (s *Store) CountAttempts(ctx context.Context, userID int64, mode model.AttemptMode) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM question_attempts WHERE user_id = $1 AND mode = $2`, userID, mode,
	).Scan(&n)
	return n, err
}

func (s *Store) loadResponses(ctx context.Context, sub *model.MockSubmission) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, question_id, selected_option_id, numeric_answer, is_correct, time_taken_seconds
		 FROM mock_question_responses WHERE submission_id = $1 ORDER BY id`, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("load responses: %w", err)
	}
	defer rows.Close()
	sub.Responses = []model.MockQuestionResponse{}
	for rows.Next() {
		var r model.MockQuestionResponse
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.QuestionID, &r.SelectedOptionID,
			&r.NumericAnswer, &r.IsCorrect, &r.TimeTakenSeconds); err != nil {
			return err
		}
		sub.Responses = append(sub.Responses, r)
	}
	return rows.Err()
}

func scanSubmission(row *sql.Row) (*model.MockSubmission, error) {
	var sub model.MockSubmission
	err := row.Scan(&sub.ID, &sub.MockID, &sub.UserID, &sub.TotalScore, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
