package mocktest

import (
	"context"
	"testing"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

type fixture struct {
	st       *store.Store
	svc      *Service
	examID   int64
	owner    int64
	other    int64
	subjects map[string]int64
	topics   map[string]int64
}

const examSlug = "gate-cs"

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.New(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	f := &fixture{st: st, svc: New(st, cfg), subjects: map[string]int64{}, topics: map[string]int64{}}
	for _, name := range []string{"owner", "other"} {
		id, err := st.CreateUser(ctx, model.User{Username: name, PasswordHash: "x", Role: model.UserRoleStudent, Active: true})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if name == "owner" {
			f.owner = id
		} else {
			f.other = id
		}
	}
	err = st.InTx(ctx, func(tx *store.Tx) error {
		f.examID, err = tx.UpsertExam(ctx, model.Exam{Slug: examSlug, Name: "GATE CS"})
		return err
	})
	if err != nil {
		t.Fatalf("UpsertExam: %v", err)
	}
	return f
}

type qdef struct {
	typ        model.QuestionType
	marks      int
	difficulty model.Difficulty
	subject    string
	topics     []string
	// answer is the NAT key; empty means the question has no solution.
	answer    string
	noCorrect bool
	year      int
}

func mcqDef(marks int) qdef {
	return qdef{typ: model.TypeMCQ, marks: marks, difficulty: model.DifficultyEasy}
}

func natDef(marks int, answer string) qdef {
	return qdef{typ: model.TypeNAT, marks: marks, difficulty: model.DifficultyMedium, answer: answer}
}

func (f *fixture) addQuestions(t *testing.T, defs ...qdef) []int64 {
	t.Helper()
	ctx := context.Background()
	var ids []int64
	err := f.st.InTx(ctx, func(tx *store.Tx) error {
		for _, sp := range defs {
			q := model.Question{
				ExamID:     f.examID,
				Year:       sp.year,
				Marks:      sp.marks,
				Type:       sp.typ,
				Difficulty: sp.difficulty,
				Body:       "body",
			}
			if q.Year == 0 {
				q.Year = 2024
			}
			if sp.subject != "" {
				sid, ok := f.subjects[sp.subject]
				if !ok {
					var err error
					if sid, err = tx.UpsertSubject(ctx, model.Subject{ExamID: f.examID, Slug: sp.subject, Name: sp.subject}); err != nil {
						return err
					}
					f.subjects[sp.subject] = sid
				}
				q.SubjectID = &sid
				for _, tp := range sp.topics {
					tid, ok := f.topics[tp]
					if !ok {
						var err error
						if tid, err = tx.UpsertTopic(ctx, model.Topic{SubjectID: sid, Slug: tp, Name: tp}); err != nil {
							return err
						}
						f.topics[tp] = tid
					}
					q.Topics = append(q.Topics, model.Topic{ID: tid})
				}
			}
			switch sp.typ {
			case model.TypeNAT:
				if sp.answer != "" {
					q.Solution = &model.Solution{AnswerText: sp.answer}
				}
			default:
				q.Options = []model.Option{
					{Label: "A", Text: "right", IsCorrect: !sp.noCorrect},
					{Label: "B", Text: "wrong"},
					{Label: "C", Text: "also wrong"},
				}
			}
			id, err := tx.InsertQuestion(ctx, q)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("addQuestions: %v", err)
	}
	return ids
}

// assembleAll builds a mock over the whole bank.
func (f *fixture) assembleAll(t *testing.T, n int) *model.Mock {
	t.Helper()
	m, err := f.svc.Assemble(context.Background(), f.owner, AssembleRequest{Exam: examSlug, NumQuestions: n})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return m
}

func questionByID(t *testing.T, m *model.Mock, id int64) model.Question {
	t.Helper()
	for _, mq := range m.Questions {
		if mq.Question.ID == id {
			return mq.Question
		}
	}
	t.Fatalf("question %d not in mock", id)
	return model.Question{}
}

func optionID(t *testing.T, q model.Question, correct bool) *int64 {
	t.Helper()
	for _, o := range q.Options {
		if o.IsCorrect == correct {
			id := o.ID
			return &id
		}
	}
	t.Fatalf("question %d has no option with correct=%v", q.ID, correct)
	return nil
}

func numeric(s string) *model.Numeric {
	n := model.Numeric(s)
	return &n
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("kind = %q, want %q (err: %v)", got, kind, err)
	}
}
