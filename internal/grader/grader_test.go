package grader

import (
	"errors"
	"testing"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/model"
)

func optID(id int64) *int64 { return &id }

func num(s string) *model.Numeric {
	n := model.Numeric(s)
	return &n
}

func mcq(typ model.QuestionType, correct ...int64) model.Question {
	q := model.Question{ID: 1, Type: typ, Marks: 1}
	for _, id := range []int64{10, 11, 12, 13} {
		o := model.Option{ID: id, QuestionID: 1}
		for _, c := range correct {
			if c == id {
				o.IsCorrect = true
			}
		}
		q.Options = append(q.Options, o)
	}
	return q
}

func nat(answer string) model.Question {
	return model.Question{
		ID:       2,
		Type:     model.TypeNAT,
		Marks:    2,
		Solution: &model.Solution{AnswerText: answer},
	}
}

func TestGradeOptions(t *testing.T) {
	tests := []struct {
		name     string
		q        model.Question
		selected int64
		want     bool
	}{
		{"mcq correct", mcq(model.TypeMCQ, 11), 11, true},
		{"mcq wrong", mcq(model.TypeMCQ, 11), 10, false},
		{"mcq other wrong", mcq(model.TypeMCQ, 11), 13, false},
		{"mcq unknown option", mcq(model.TypeMCQ, 11), 999, false},
		{"msq any correct member", mcq(model.TypeMSQ, 10, 12), 12, true},
		{"msq non member", mcq(model.TypeMSQ, 10, 12), 11, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Grade(tt.q, Answer{SelectedOptionID: optID(tt.selected)})
			if err != nil {
				t.Fatalf("Grade: %v", err)
			}
			if res.IsCorrect != tt.want {
				t.Errorf("IsCorrect = %v, want %v", res.IsCorrect, tt.want)
			}
			if res.CorrectNumericAnswer != nil {
				t.Error("option questions must not carry a numeric key")
			}
			if len(res.CorrectOptionIDs) == 0 {
				t.Error("expected correct option ids in result")
			}
		})
	}
}

func TestGradeNumericTolerance(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		submitted string
		want      bool
	}{
		{"exact", "3.14", "3.14", true},
		{"delta at tolerance", "3.14", "3.1401", true},
		{"delta below tolerance", "3.14", "3.13995", true},
		{"delta over tolerance", "3.14", "3.1402", false},
		{"integer key", "10", "10.00005", true},
		{"negative", "-2.5", "-2.5001", true},
		{"string submission", "10", " 10 ", true},
		{"padded key", " 42 ", "42", true},
		{"far off", "10", "11", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Grade(nat(tt.key), Answer{Numeric: num(tt.submitted)})
			if err != nil {
				t.Fatalf("Grade: %v", err)
			}
			if res.IsCorrect != tt.want {
				t.Errorf("IsCorrect = %v, want %v", res.IsCorrect, tt.want)
			}
			if res.CorrectNumericAnswer == nil {
				t.Fatal("expected numeric key")
			}
			if res.CorrectOptionIDs == nil || len(res.CorrectOptionIDs) != 0 {
				t.Errorf("CorrectOptionIDs = %v, want empty non-nil", res.CorrectOptionIDs)
			}
		})
	}
}

func TestWithinTolerance(t *testing.T) {
	tests := []struct {
		name      string
		want, got float64
		ok        bool
	}{
		{"equal", 5, 5, true},
		{"at tolerance", 1, 1 + NumericTolerance, true},
		{"inside slack", 0, NumericTolerance + NumericSlack/2, true},
		{"past slack", 0, NumericTolerance + 1e-9, false},
		{"symmetric", 0, -(NumericTolerance + 1e-9), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithinTolerance(tt.want, tt.got); got != tt.ok {
				t.Errorf("WithinTolerance(%v, %v) = %v, want %v", tt.want, tt.got, got, tt.ok)
			}
		})
	}
}

func TestGradeErrors(t *testing.T) {
	noSolution := nat("1")
	noSolution.Solution = nil

	tests := []struct {
		name     string
		q        model.Question
		a        Answer
		sentinel error
		kind     apperr.Kind
	}{
		{"mcq without correct option", mcq(model.TypeMCQ), Answer{SelectedOptionID: optID(10)}, ErrNoCorrectOption, apperr.KindConfiguration},
		{"nat without solution", noSolution, Answer{Numeric: num("1")}, ErrMissingSolution, apperr.KindConfiguration},
		{"nat bad key", nat("ten"), Answer{Numeric: num("10")}, ErrInvalidAnswerKey, apperr.KindValidation},
		{"nat bad submission", nat("10"), Answer{Numeric: num("abc")}, ErrInvalidNumeric, apperr.KindValidation},
		{"nat NaN submission", nat("10"), Answer{Numeric: num("NaN")}, ErrInvalidNumeric, apperr.KindValidation},
		{"nat bool submission", nat("10"), Answer{Numeric: num("true")}, ErrInvalidNumeric, apperr.KindValidation},
		{"nat given option", nat("10"), Answer{SelectedOptionID: optID(10)}, ErrAnswerShape, apperr.KindValidation},
		{"mcq given numeric", mcq(model.TypeMCQ, 10), Answer{Numeric: num("1")}, ErrAnswerShape, apperr.KindValidation},
		{"both fields", mcq(model.TypeMCQ, 10), Answer{SelectedOptionID: optID(10), Numeric: num("1")}, ErrAnswerShape, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Grade(tt.q, tt.a)
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("err = %v, want %v", err, tt.sentinel)
			}
			if got := apperr.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q", got, tt.kind)
			}
		})
	}
}

func TestAnswerKey(t *testing.T) {
	res, err := AnswerKey(mcq(model.TypeMSQ, 10, 13))
	if err != nil {
		t.Fatalf("AnswerKey: %v", err)
	}
	if len(res.CorrectOptionIDs) != 2 || res.CorrectOptionIDs[0] != 10 || res.CorrectOptionIDs[1] != 13 {
		t.Errorf("CorrectOptionIDs = %v", res.CorrectOptionIDs)
	}

	res, err = AnswerKey(nat("2.5"))
	if err != nil {
		t.Fatalf("AnswerKey: %v", err)
	}
	if res.CorrectNumericAnswer == nil || *res.CorrectNumericAnswer != 2.5 {
		t.Errorf("CorrectNumericAnswer = %v", res.CorrectNumericAnswer)
	}
}
