package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pavelanni/mocktest/internal/model"
)

// CreateMock inserts a mock row and its questions, ordered 1..N as given.
func (t *Tx) CreateMock(ctx context.Context, m model.Mock, questionIDs []int64) (int64, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO mocks (user_id, name, time_limit, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		m.UserID, m.Name, m.TimeLimit, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert mock: %w", err)
	}
	for i, qID := range questionIDs {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO mock_questions (mock_id, question_id, ord) VALUES ($1, $2, $3)`,
			id, qID, i+1,
		); err != nil {
			return 0, fmt.Errorf("insert mock question %d: %w", qID, err)
		}
	}
	return id, nil
}

// GetMock returns a mock with its questions fully loaded, in order.
func (s *Store) GetMock(ctx context.Context, id int64) (*model.Mock, error) {
	m, err := scanMock(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, time_limit, created_at FROM mocks WHERE id = $1`, id,
	))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, ord FROM mock_questions WHERE mock_id = $1 ORDER BY ord`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("load mock questions: %w", err)
	}
	type entry struct {
		questionID int64
		order      int
	}
	var entries []entry
	var ids []int64
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.questionID, &e.order); err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
		ids = append(ids, e.questionID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	questions, err := loadQuestions(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	m.Questions = make([]model.MockQuestion, 0, len(entries))
	for _, e := range entries {
		q, ok := questions[e.questionID]
		if !ok {
			continue
		}
		m.Questions = append(m.Questions, model.MockQuestion{Order: e.order, Question: *q})
	}
	return m, nil
}

// ListMocks returns the mocks owned by a user, newest first, without questions.
func (s *Store) ListMocks(ctx context.Context, userID int64) ([]model.Mock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, time_limit, created_at FROM mocks
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	mocks := []model.Mock{}
	for rows.Next() {
		var m model.Mock
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.TimeLimit, &m.CreatedAt); err != nil {
			return nil, err
		}
		mocks = append(mocks, m)
	}
	return mocks, rows.Err()
}

func scanMock(row *sql.Row) (*model.Mock, error) {
	var m model.Mock
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.TimeLimit, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
