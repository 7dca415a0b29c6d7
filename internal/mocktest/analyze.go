package mocktest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/auth"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

// Weak-topic policy. A topic is weak when it has at least
// WeakTopicMinAttempts attempted questions and accuracy strictly below
// WeakTopicAccuracyThreshold.
const (
	WeakTopicMinAttempts       = 3
	WeakTopicAccuracyThreshold = 0.6
)

// Analyze builds the performance report for one submission of mockID.
// With submissionID nil the caller's most recent submission is used.
func (s *Service) Analyze(ctx context.Context, userID, mockID int64, submissionID *int64) (*model.AnalysisReport, error) {
	var (
		m      *model.Mock
		sub    *model.MockSubmission
		subErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		m, err = s.store.GetMock(gctx, mockID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	// The submission error is held back so a missing or foreign mock is
	// reported first.
	g.Go(func() error {
		if submissionID != nil {
			sub, subErr = s.store.GetSubmission(gctx, *submissionID)
		} else {
			sub, subErr = s.store.LatestSubmission(gctx, mockID, userID)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load mock %d: %w", mockID, err)
	}
	if err := checkAnalysisTarget(userID, mockID, submissionID, m, sub, subErr); err != nil {
		return nil, err
	}
	return Aggregate(m, sub), nil
}

// checkAnalysisTarget orders the lookup failures: missing mock, then
// ownership, then the submission.
func checkAnalysisTarget(userID, mockID int64, submissionID *int64, m *model.Mock, sub *model.MockSubmission, subErr error) error {
	if m == nil {
		return apperr.NotFound("mock %d not found", mockID)
	}
	if err := auth.RequireOwner(m.UserID, userID); err != nil {
		return err
	}
	if subErr != nil && !errors.Is(subErr, store.ErrNotFound) {
		return fmt.Errorf("load submission for mock %d: %w", mockID, subErr)
	}
	if subErr != nil || sub == nil || sub.MockID != mockID {
		if submissionID != nil {
			return apperr.NotFound("submission %d not found for mock %d", *submissionID, mockID)
		}
		return apperr.NotFound("mock %d has no submissions", mockID)
	}
	return nil
}

// Aggregate rolls the responses of sub up over every question of m.
// Unanswered questions count toward totals but not toward attempted.
// Output is deterministic: buckets appear in first-seen mock order.
func Aggregate(m *model.Mock, sub *model.MockSubmission) *model.AnalysisReport {
	responses := make(map[int64]model.MockQuestionResponse, len(sub.Responses))
	for _, r := range sub.Responses {
		responses[r.QuestionID] = r
	}

	var overall model.OverallStats
	subjects := newBuckets()
	topics := newBuckets()
	difficulty := make(map[model.Difficulty]*model.BucketStats, len(model.Difficulties))
	for _, d := range model.Difficulties {
		difficulty[d] = &model.BucketStats{Name: string(d)}
	}
	reviews := make([]model.QuestionReview, 0, len(m.Questions))

	for _, mq := range m.Questions {
		q := mq.Question
		r, attempted := responses[q.ID]
		correct := attempted && r.IsCorrect
		awarded := 0
		if correct {
			awarded = q.Marks
		}

		overall.TotalQuestions++
		overall.MaxScore += q.Marks
		overall.Score += awarded
		if attempted {
			overall.Attempted++
			overall.TotalTimeSeconds += r.TimeTakenSeconds
		}
		if correct {
			overall.Correct++
		}

		if q.SubjectID != nil {
			b := subjects.get(*q.SubjectID)
			if q.Subject != nil {
				b.Slug, b.Name = q.Subject.Slug, q.Subject.Name
			}
			fold(b, q.Marks, attempted, correct)
		}
		for _, tp := range q.Topics {
			b := topics.get(tp.ID)
			b.Slug, b.Name = tp.Slug, tp.Name
			fold(b, q.Marks, attempted, correct)
		}
		if b, ok := difficulty[q.Difficulty]; ok {
			fold(b, q.Marks, attempted, correct)
		}

		reviews = append(reviews, model.QuestionReview{
			Order:            mq.Order,
			QuestionID:       q.ID,
			Type:             q.Type,
			Difficulty:       q.Difficulty,
			Marks:            q.Marks,
			Attempted:        attempted,
			IsCorrect:        correct,
			MarksAwarded:     awarded,
			TimeTakenSeconds: r.TimeTakenSeconds,
		})
	}

	overall.Accuracy = ratio(overall.Correct, overall.Attempted)
	overall.AvgTimePerQuestion = ratio(overall.TotalTimeSeconds, overall.Attempted)

	report := &model.AnalysisReport{
		Mock: model.MockSummary{
			ID:             m.ID,
			Name:           m.Name,
			TimeLimit:      m.TimeLimit,
			CreatedAt:      m.CreatedAt,
			TotalQuestions: overall.TotalQuestions,
			MaxScore:       overall.MaxScore,
		},
		Submission: model.SubmissionSummary{
			ID:         sub.ID,
			TotalScore: sub.TotalScore,
			CreatedAt:  sub.CreatedAt,
		},
		Overall:    overall,
		Subjects:   subjects.list(),
		Topics:     topics.list(),
		Difficulty: make(map[model.Difficulty]model.BucketStats, len(difficulty)),
		Questions:  reviews,
	}
	for d, b := range difficulty {
		b.Accuracy = ratio(b.Correct, b.Attempted)
		report.Difficulty[d] = *b
	}
	report.WeakTopics = WeakTopics(report.Topics)
	return report
}

// WeakTopics selects the weak topics from buckets, weakest first.
func WeakTopics(buckets []model.BucketStats) []model.BucketStats {
	weak := []model.BucketStats{}
	for _, b := range buckets {
		if b.Attempted >= WeakTopicMinAttempts && b.Accuracy < WeakTopicAccuracyThreshold {
			weak = append(weak, b)
		}
	}
	sort.SliceStable(weak, func(i, j int) bool {
		return weak[i].Accuracy < weak[j].Accuracy
	})
	return weak
}

func fold(b *model.BucketStats, marks int, attempted, correct bool) {
	b.TotalQuestions++
	b.MaxScore += marks
	if attempted {
		b.Attempted++
	}
	if correct {
		b.Correct++
		b.Score += marks
	}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// buckets keeps BucketStats keyed by ID in insertion order.
type buckets struct {
	order []int64
	byID  map[int64]*model.BucketStats
}

func newBuckets() *buckets {
	return &buckets{byID: make(map[int64]*model.BucketStats)}
}

func (bs *buckets) get(id int64) *model.BucketStats {
	b, ok := bs.byID[id]
	if !ok {
		b = &model.BucketStats{ID: id}
		bs.byID[id] = b
		bs.order = append(bs.order, id)
	}
	return b
}

func (bs *buckets) list() []model.BucketStats {
	out := make([]model.BucketStats, 0, len(bs.order))
	for _, id := range bs.order {
		b := *bs.byID[id]
		b.Accuracy = ratio(b.Correct, b.Attempted)
		out = append(out, b)
	}
	return out
}
