package model

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent takes mocks.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin manages the question bank.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuthSession represents an opaque login token.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// QuestionType selects the grading rule for a question.
type QuestionType string

const (
	TypeMCQ QuestionType = "MCQ"
	TypeMSQ QuestionType = "MSQ"
	TypeNAT QuestionType = "NAT"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case TypeMCQ, TypeMSQ, TypeNAT:
		return true
	}
	return false
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
)

// Difficulties lists every level in reporting order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// AttemptMode tags a QuestionAttempt with where the answer came from.
type AttemptMode string

const (
	ModePractice AttemptMode = "practice"
	ModeMock     AttemptMode = "mock"
)

// AttemptStatus filters questions by the caller's previous attempts.
type AttemptStatus string

const (
	StatusAny         AttemptStatus = ""
	StatusUnattempted AttemptStatus = "unattempted"
	StatusAttempted   AttemptStatus = "attempted"
	StatusIncorrect   AttemptStatus = "incorrect"
)

// Exam is a top-level question bank, addressed by slug.
type Exam struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Subject groups topics within an exam.
type Subject struct {
	ID     int64  `json:"id"`
	ExamID int64  `json:"examId"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
}

// Topic belongs to a subject. Questions link to topics many-to-many.
type Topic struct {
	ID        int64  `json:"id"`
	SubjectID int64  `json:"subjectId"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
}

// Tag is a free-form label such as a paper or source.
type Tag struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Option is one answer choice of an MCQ/MSQ question.
// Correctness is never serialized; answer keys travel in grading results.
type Option struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"-"`
	Label      string `json:"label"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"-"`
}

// Solution is the answer key and explanation of a question.
type Solution struct {
	QuestionID  int64  `json:"-"`
	AnswerText  string `json:"answerText"`
	Explanation string `json:"explanation"`
}

// Question represents a bank question with its options and metadata.
type Question struct {
	ID             int64        `json:"id"`
	ExamID         int64        `json:"examId"`
	SubjectID      *int64       `json:"subjectId,omitempty"`
	Subject        *Subject     `json:"subject,omitempty"`
	Year           int          `json:"year"`
	Shift          *string      `json:"shift,omitempty"`
	Marks          int          `json:"marks"`
	Type           QuestionType `json:"type"`
	Difficulty     Difficulty   `json:"difficulty"`
	IsFormulaBased bool         `json:"isFormulaBased"`
	HasSolution    bool         `json:"hasSolution"`
	Body           string       `json:"body"`
	Options        []Option     `json:"options"`
	Solution       *Solution    `json:"-"`
	Topics         []Topic      `json:"topics"`
	Tags           []Tag        `json:"tags"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// QuestionFilter selects candidate questions. Zero-valued dimensions impose no constraint.
type QuestionFilter struct {
	ExamID         int64
	SubjectID      *int64
	TopicIDs       []int64
	Difficulties   []Difficulty
	Types          []QuestionType
	Marks          []int
	IsFormulaBased *bool
	TagIDs         []int64
	TagSlugs       []string
	// Status is evaluated against UserID's attempts.
	Status AttemptStatus
	UserID int64
	Limit  int
}

// Mock is an immutable, ordered test assembled for one user.
type Mock struct {
	ID        int64          `json:"id"`
	UserID    int64          `json:"userId"`
	Name      string         `json:"name"`
	TimeLimit *int           `json:"timeLimit"`
	CreatedAt time.Time      `json:"createdAt"`
	Questions []MockQuestion `json:"questions,omitempty"`
}

// MockQuestion places a question at a fixed 1-based position in a mock.
type MockQuestion struct {
	Order    int      `json:"order"`
	Question Question `json:"question"`
}

// MockSubmission is one graded attempt at a mock.
type MockSubmission struct {
	ID         int64                  `json:"id"`
	MockID     int64                  `json:"mockId"`
	UserID     int64                  `json:"userId"`
	TotalScore int                    `json:"totalScore"`
	CreatedAt  time.Time              `json:"createdAt"`
	Responses  []MockQuestionResponse `json:"responses,omitempty"`
}

// MockQuestionResponse is the stored, graded answer to one mock question.
type MockQuestionResponse struct {
	ID               int64    `json:"id"`
	SubmissionID     int64    `json:"submissionId"`
	QuestionID       int64    `json:"questionId"`
	SelectedOptionID *int64   `json:"selectedOptionId"`
	NumericAnswer    *float64 `json:"numericAnswer"`
	IsCorrect        bool     `json:"isCorrect"`
	TimeTakenSeconds int      `json:"timeTakenSeconds"`
}

// QuestionAttempt is an analytics row written for every graded answer.
type QuestionAttempt struct {
	ID               int64
	UserID           int64
	QuestionID       int64
	Mode             AttemptMode
	SelectedOptionID *int64
	NumericAnswer    *float64
	IsCorrect        bool
	TimeTakenSeconds int
	CreatedAt        time.Time
}

// ErrNotNumeric is returned by Numeric.Float for non-numeric input.
var ErrNotNumeric = errors.New("not a number")

// Numeric is a submitted numeric answer. It accepts a JSON number or a
// string and keeps the raw text so that grading can reject garbage.
type Numeric string

// UnmarshalJSON implements json.Unmarshaler.
func (n *Numeric) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Numeric(s)
		return nil
	}
	*n = Numeric(b)
	return nil
}

// Float parses the value. NaN and infinities are rejected.
func (n Numeric) Float() (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotNumeric
	}
	return f, nil
}
