package model

import "time"

// AnalysisReport is the derived performance report for one submission of a mock.
// It is computed on demand and never stored.
type AnalysisReport struct {
	Mock       MockSummary                `json:"mock"`
	Submission SubmissionSummary          `json:"submission"`
	Overall    OverallStats               `json:"overall"`
	Subjects   []BucketStats              `json:"subjects"`
	Topics     []BucketStats              `json:"topics"`
	Difficulty map[Difficulty]BucketStats `json:"difficulty"`
	WeakTopics []BucketStats              `json:"weakTopics"`
	Questions  []QuestionReview           `json:"questions"`
}

// MockSummary describes the mock a report was computed for.
type MockSummary struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	TimeLimit      *int      `json:"timeLimit"`
	CreatedAt      time.Time `json:"createdAt"`
	TotalQuestions int       `json:"totalQuestions"`
	MaxScore       int       `json:"maxScore"`
}

// SubmissionSummary describes the analysed submission.
type SubmissionSummary struct {
	ID         int64     `json:"id"`
	TotalScore int       `json:"totalScore"`
	CreatedAt  time.Time `json:"createdAt"`
}

// OverallStats aggregates every question of the mock.
type OverallStats struct {
	TotalQuestions     int     `json:"totalQuestions"`
	Attempted          int     `json:"attempted"`
	Correct            int     `json:"correct"`
	Score              int     `json:"score"`
	MaxScore           int     `json:"maxScore"`
	Accuracy           float64 `json:"accuracy"`
	TotalTimeSeconds   int     `json:"totalTimeSeconds"`
	AvgTimePerQuestion float64 `json:"avgTimePerQuestion"`
}

// BucketStats aggregates the questions sharing a subject, topic or difficulty.
type BucketStats struct {
	ID             int64   `json:"id,omitempty"`
	Slug           string  `json:"slug,omitempty"`
	Name           string  `json:"name"`
	TotalQuestions int     `json:"totalQuestions"`
	Attempted      int     `json:"attempted"`
	Correct        int     `json:"correct"`
	Score          int     `json:"score"`
	MaxScore       int     `json:"maxScore"`
	Accuracy       float64 `json:"accuracy"`
}

// QuestionReview is the per-question line of a report, in mock order.
type QuestionReview struct {
	Order            int          `json:"order"`
	QuestionID       int64        `json:"questionId"`
	Type             QuestionType `json:"type"`
	Difficulty       Difficulty   `json:"difficulty"`
	Marks            int          `json:"marks"`
	Attempted        bool         `json:"attempted"`
	IsCorrect        bool         `json:"isCorrect"`
	MarksAwarded     int          `json:"marksAwarded"`
	TimeTakenSeconds int          `json:"timeTakenSeconds"`
}
