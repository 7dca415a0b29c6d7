package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/mocktest/internal/model"
)

// ExamBySlug resolves an exam identifier.
func (s *Store) ExamBySlug(ctx context.Context, slug string) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name FROM exams WHERE slug = $1`, slug,
	).Scan(&e.ID, &e.Slug, &e.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// UpsertExam creates the exam or renames an existing one with the same slug.
func (t *Tx) UpsertExam(ctx context.Context, e model.Exam) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO exams (slug, name) VALUES ($1, $2)
		 ON CONFLICT (slug) DO UPDATE SET name = excluded.name
		 RETURNING id`,
		e.Slug, e.Name,
	).Scan(&id)
	return id, err
}

// UpsertSubject creates or renames a subject of an exam.
func (t *Tx) UpsertSubject(ctx context.Context, sub model.Subject) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO subjects (exam_id, slug, name) VALUES ($1, $2, $3)
		 ON CONFLICT (exam_id, slug) DO UPDATE SET name = excluded.name
		 RETURNING id`,
		sub.ExamID, sub.Slug, sub.Name,
	).Scan(&id)
	return id, err
}

// UpsertTopic creates or renames a topic of a subject.
func (t *Tx) UpsertTopic(ctx context.Context, tp model.Topic) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO topics (subject_id, slug, name) VALUES ($1, $2, $3)
		 ON CONFLICT (subject_id, slug) DO UPDATE SET name = excluded.name
		 RETURNING id`,
		tp.SubjectID, tp.Slug, tp.Name,
	).Scan(&id)
	return id, err
}

// UpsertTag creates or renames a tag.
func (t *Tx) UpsertTag(ctx context.Context, tag model.Tag) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO tags (slug, name) VALUES ($1, $2)
		 ON CONFLICT (slug) DO UPDATE SET name = excluded.name
		 RETURNING id`,
		tag.Slug, tag.Name,
	).Scan(&id)
	return id, err
}

// InsertQuestion stores a question with its options, solution, topic and tag links.
// Topic and tag links use the IDs in q.Topics and q.Tags.
func (t *Tx) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO questions (exam_id, subject_id, year, shift, marks, type, difficulty,
		                        is_formula_based, has_solution, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		q.ExamID, q.SubjectID, q.Year, q.Shift, q.Marks, q.Type, q.Difficulty,
		q.IsFormulaBased, q.Solution != nil, q.Body, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert question: %w", err)
	}

	for i, o := range q.Options {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO options (question_id, label, text, is_correct, position) VALUES ($1, $2, $3, $4, $5)`,
			id, o.Label, o.Text, o.IsCorrect, i,
		); err != nil {
			return 0, fmt.Errorf("insert option %q: %w", o.Label, err)
		}
	}
	if q.Solution != nil {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO solutions (question_id, answer_text, explanation) VALUES ($1, $2, $3)`,
			id, q.Solution.AnswerText, q.Solution.Explanation,
		); err != nil {
			return 0, fmt.Errorf("insert solution: %w", err)
		}
	}
	for _, tp := range q.Topics {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO question_topics (question_id, topic_id) VALUES ($1, $2)`, id, tp.ID,
		); err != nil {
			return 0, fmt.Errorf("link topic %d: %w", tp.ID, err)
		}
	}
	for _, tag := range q.Tags {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO question_tags (question_id, tag_id) VALUES ($1, $2)`, id, tag.ID,
		); err != nil {
			return 0, fmt.Errorf("link tag %d: %w", tag.ID, err)
		}
	}
	return id, nil
}

// FindCandidates returns the IDs of questions matching every dimension of f,
// newest first, at most f.Limit of them (0 means unlimited).
// Topics match if the question has any of f.TopicIDs; tags match by ID or slug.
func (s *Store) FindCandidates(ctx context.Context, f model.QuestionFilter) ([]int64, error) {
	var a args
	var sb strings.Builder
	sb.WriteString(`SELECT q.id FROM questions q WHERE q.exam_id = ` + a.add(f.ExamID))

	if f.SubjectID != nil {
		sb.WriteString(` AND q.subject_id = ` + a.add(*f.SubjectID))
	}
	if len(f.TopicIDs) > 0 {
		sb.WriteString(` AND EXISTS (SELECT 1 FROM question_topics qt
			WHERE qt.question_id = q.id AND qt.topic_id IN (` + addList(&a, f.TopicIDs) + `))`)
	}
	if len(f.Difficulties) > 0 {
		sb.WriteString(` AND q.difficulty IN (` + addList(&a, f.Difficulties) + `)`)
	}
	if len(f.Types) > 0 {
		sb.WriteString(` AND q.type IN (` + addList(&a, f.Types) + `)`)
	}
	if len(f.Marks) > 0 {
		sb.WriteString(` AND q.marks IN (` + addList(&a, f.Marks) + `)`)
	}
	if f.IsFormulaBased != nil {
		sb.WriteString(` AND q.is_formula_based = ` + a.add(*f.IsFormulaBased))
	}
	if len(f.TagIDs) > 0 || len(f.TagSlugs) > 0 {
		var alts []string
		if len(f.TagIDs) > 0 {
			alts = append(alts, `t.id IN (`+addList(&a, f.TagIDs)+`)`)
		}
		if len(f.TagSlugs) > 0 {
			alts = append(alts, `t.slug IN (`+addList(&a, f.TagSlugs)+`)`)
		}
		sb.WriteString(` AND EXISTS (SELECT 1 FROM question_tags qg JOIN tags t ON t.id = qg.tag_id
			WHERE qg.question_id = q.id AND (` + strings.Join(alts, " OR ") + `))`)
	}
	switch f.Status {
	case model.StatusUnattempted:
		sb.WriteString(` AND NOT EXISTS (SELECT 1 FROM question_attempts qa
			WHERE qa.question_id = q.id AND qa.user_id = ` + a.add(f.UserID) + `)`)
	case model.StatusAttempted:
		sb.WriteString(` AND EXISTS (SELECT 1 FROM question_attempts qa
			WHERE qa.question_id = q.id AND qa.user_id = ` + a.add(f.UserID) + `)`)
	case model.StatusIncorrect:
		sb.WriteString(` AND EXISTS (SELECT 1 FROM question_attempts qa
			WHERE qa.question_id = q.id AND qa.user_id = ` + a.add(f.UserID) +
			` AND qa.is_correct = ` + a.add(false) + `)`)
	}
	sb.WriteString(` ORDER BY q.year DESC, q.created_at DESC, q.id DESC`)
	if f.Limit > 0 {
		sb.WriteString(` LIMIT ` + a.add(f.Limit))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), a.vals...)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QuestionsByID loads questions with options, solution, subject, topics and tags.
// Missing IDs are absent from the result.
func (s *Store) QuestionsByID(ctx context.Context, ids []int64) (map[int64]*model.Question, error) {
	return loadQuestions(ctx, s.db, ids)
}

func loadQuestions(ctx context.Context, db querier, ids []int64) (map[int64]*model.Question, error) {
	out := make(map[int64]*model.Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var a args
	rows, err := db.QueryContext(ctx,
		`SELECT id, exam_id, subject_id, year, shift, marks, type, difficulty,
		        is_formula_based, has_solution, body, created_at
		 FROM questions WHERE id IN (`+addList(&a, ids)+`)`, a.vals...)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	var subjectIDs []int64
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.SubjectID, &q.Year, &q.Shift, &q.Marks, &q.Type,
			&q.Difficulty, &q.IsFormulaBased, &q.HasSolution, &q.Body, &q.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		q.Options = []model.Option{}
		q.Topics = []model.Topic{}
		q.Tags = []model.Tag{}
		if q.SubjectID != nil {
			subjectIDs = append(subjectIDs, *q.SubjectID)
		}
		out[q.ID] = &q
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := loadOptions(ctx, db, ids, out); err != nil {
		return nil, err
	}
	if err := loadSolutions(ctx, db, ids, out); err != nil {
		return nil, err
	}
	if err := loadSubjects(ctx, db, subjectIDs, out); err != nil {
		return nil, err
	}
	if err := loadTopics(ctx, db, ids, out); err != nil {
		return nil, err
	}
	if err := loadTags(ctx, db, ids, out); err != nil {
		return nil, err
	}
	return out, nil
}

func loadOptions(ctx context.Context, db querier, ids []int64, out map[int64]*model.Question) error {
	var a args
	rows, err := db.QueryContext(ctx,
		`SELECT id, question_id, label, text, is_correct FROM options
		 WHERE question_id IN (`+addList(&a, ids)+`) ORDER BY question_id, position, id`, a.vals...)
	if err != nil {
		return fmt.Errorf("load options: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o model.Option
		if err := rows.Scan(&o.ID, &o.QuestionID, &o.Label, &o.Text, &o.IsCorrect); err != nil {
			return err
		}
		if q := out[o.QuestionID]; q != nil {
			q.Options = append(q.Options, o)
		}
	}
	return rows.Err()
}

func loadSolutions(ctx context.Context, db querier, ids []int64, out map[int64]*model.Question) error {
	var a args
	rows, err := db.QueryContext(ctx,
		`SELECT question_id, answer_text, explanation FROM solutions
		 WHERE question_id IN (`+addList(&a, ids)+`)`, a.vals...)
	if err != nil {
		return fmt.Errorf("load solutions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sol model.Solution
		if err := rows.Scan(&sol.QuestionID, &sol.AnswerText, &sol.Explanation); err != nil {
			return err
		}
		if q := out[sol.QuestionID]; q != nil {
			q.Solution = &sol
		}
	}
	return rows.Err()
}

func loadSubjects(ctx context.Context, db querier, subjectIDs []int64, out map[int64]*model.Question) error {
	if len(subjectIDs) == 0 {
		return nil
	}
	var a args
	rows, err := db.QueryContext(ctx,
		`SELECT id, exam_id, slug, name FROM subjects WHERE id IN (`+addList(&a, subjectIDs)+`)`, a.vals...)
	if err != nil {
		return fmt.Errorf("load subjects: %w", err)
	}
	defer rows.Close()
	subjects := make(map[int64]model.Subject)
	for rows.Next() {
		var sub model.Subject
		if err := rows.Scan(&sub.ID, &sub.ExamID, &sub.Slug, &sub.Name); err != nil {
			return err
		}
		subjects[sub.ID] = sub
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, q := range out {
		if q.SubjectID == nil {
			continue
		}
		if sub, ok := subjects[*q.SubjectID]; ok {
			q.Subject = &sub
		}
	}
	return nil
}

func loadTopics(ctx context.Context, db querier, ids []int64, out map[int64]*model.Question) error {
	var a args
	rows, err := db.QueryContext(ctx,
		`SELECT qt.question_id, t.id, t.subject_id, t.slug, t.name
		 FROM question_topics qt JOIN topics t ON t.id = qt.topic_id
		 WHERE qt.question_id IN (`+addList(&a, ids)+`) ORDER BY qt.question_id, t.id`, a.vals...)
	if err != nil {
		return fmt.Errorf("load topics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var qid int64
		var tp model.Topic
		if err := rows.Scan(&qid, &tp.ID, &tp.SubjectID, &tp.Slug, &tp.Name); err != nil {
			return err
		}
		if q := out[qid]; q != nil {
			q.Topics = append(q.Topics, tp)
		}
	}
	return rows.Err()
}

func loadTags(ctx context.Context, db querier, ids []int64, out map[int64]*model.Question) error {
	var a args
	rows, err := db.QueryContext(ctx,
		`SELECT qg.question_id, t.id, t.slug, t.name
		 FROM question_tags qg JOIN tags t ON t.id = qg.tag_id
		 WHERE qg.question_id IN (`+addList(&a, ids)+`) ORDER BY qg.question_id, t.id`, a.vals...)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var qid int64
		var tag model.Tag
		if err := rows.Scan(&qid, &tag.ID, &tag.Slug, &tag.Name); err != nil {
			return err
		}
		if q := out[qid]; q != nil {
			q.Tags = append(q.Tags, tag)
		}
	}
	return rows.Err()
}

// QuestionCount returns the number of questions in an exam, or in all exams when examID is 0.
func (s *Store) QuestionCount(ctx context.Context, examID int64) (int, error) {
	var count int
	var err error
	if examID == 0 {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE exam_id = $1`, examID).Scan(&count)
	}
	return count, err
}
