// Package bank imports question-bank files into the store.
//
// A bank file describes one exam: its subjects and topics, tags, and
// questions referring to them by slug. Files are YAML; JSON files parse
// through the same decoder.
package bank

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

// File is the on-disk bank format.
type File struct {
	Exam      Exam       `yaml:"exam" validate:"required"`
	Subjects  []Subject  `yaml:"subjects" validate:"dive"`
	Tags      []Tag      `yaml:"tags" validate:"dive"`
	Questions []Question `yaml:"questions" validate:"required,min=1,dive"`
}

// Exam names the exam every question of the file belongs to.
type Exam struct {
	Slug string `yaml:"slug" validate:"required"`
	Name string `yaml:"name" validate:"required"`
}

// Subject groups topics.
type Subject struct {
	Slug   string  `yaml:"slug" validate:"required"`
	Name   string  `yaml:"name" validate:"required"`
	Topics []Topic `yaml:"topics" validate:"dive"`
}

// Topic belongs to the enclosing subject.
type Topic struct {
	Slug string `yaml:"slug" validate:"required"`
	Name string `yaml:"name" validate:"required"`
}

// Tag is a free-form label.
type Tag struct {
	Slug string `yaml:"slug" validate:"required"`
	Name string `yaml:"name" validate:"required"`
}

// Question refers to its subject, topics and tags by slug.
type Question struct {
	Year       int       `yaml:"year" validate:"gte=1900"`
	Shift      string    `yaml:"shift"`
	Subject    string    `yaml:"subject"`
	Topics     []string  `yaml:"topics"`
	Tags       []string  `yaml:"tags"`
	Type       string    `yaml:"type" validate:"required,oneof=MCQ MSQ NAT"`
	Difficulty string    `yaml:"difficulty" validate:"required,oneof=EASY MEDIUM HARD"`
	Marks      int       `yaml:"marks" validate:"gt=0"`
	Formula    bool      `yaml:"formula"`
	Body       string    `yaml:"body" validate:"required"`
	Options    []Option  `yaml:"options" validate:"dive"`
	Solution   *Solution `yaml:"solution"`
}

// Option is one answer choice.
type Option struct {
	Label   string `yaml:"label" validate:"required"`
	Text    string `yaml:"text" validate:"required"`
	Correct bool   `yaml:"correct"`
}

// Solution carries the answer key text and an explanation.
type Solution struct {
	Answer      string `yaml:"answer"`
	Explanation string `yaml:"explanation"`
}

// Status describes what Import did with a file.
type Status string

const (
	StatusImported  Status = "imported"
	StatusUnchanged Status = "unchanged"
	// StatusChanged means the file differs from the one imported earlier.
	// It is not re-imported: existing mocks reference its questions.
	StatusChanged Status = "changed"
)

// Result summarizes one import.
type Result struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Exam      string `json:"exam"`
	Questions int    `json:"questions"`
	// Warnings lists questions stored with an unusable answer key.
	Warnings []string `json:"warnings"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Import reads the bank file at path and imports it.
func Import(ctx context.Context, s *store.Store, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ImportBytes(ctx, s, filepath.Clean(path), data)
}

// ImportBytes imports bank data recorded under name. A name whose content
// hash is already recorded is skipped.
func ImportBytes(ctx context.Context, s *store.Store, name string, data []byte) (*Result, error) {
	res := &Result{Name: name, Warnings: []string{}}
	hash := sha256sum(data)
	storedHash, err := s.GetImportedFileHash(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if storedHash == hash {
		slog.Info("bank file unchanged, skipping", "name", name)
		res.Status = StatusUnchanged
		return res, nil
	}
	if storedHash != "" {
		slog.Warn("bank file changed since last import, skipping to keep existing mocks intact", "name", name)
		res.Status = StatusChanged
		return res, nil
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	res.Exam = f.Exam.Slug

	err = s.InTx(ctx, func(tx *store.Tx) error {
		examID, err := tx.UpsertExam(ctx, model.Exam{Slug: f.Exam.Slug, Name: f.Exam.Name})
		if err != nil {
			return fmt.Errorf("upsert exam: %w", err)
		}

		subjects := make(map[string]int64, len(f.Subjects))
		topics := make(map[string]int64)
		for _, sub := range f.Subjects {
			sid, err := tx.UpsertSubject(ctx, model.Subject{ExamID: examID, Slug: sub.Slug, Name: sub.Name})
			if err != nil {
				return fmt.Errorf("upsert subject %s: %w", sub.Slug, err)
			}
			subjects[sub.Slug] = sid
			for _, tp := range sub.Topics {
				tid, err := tx.UpsertTopic(ctx, model.Topic{SubjectID: sid, Slug: tp.Slug, Name: tp.Name})
				if err != nil {
					return fmt.Errorf("upsert topic %s: %w", tp.Slug, err)
				}
				topics[topicKey(sub.Slug, tp.Slug)] = tid
			}
		}
		tags := make(map[string]int64, len(f.Tags))
		for _, tag := range f.Tags {
			id, err := tx.UpsertTag(ctx, model.Tag{Slug: tag.Slug, Name: tag.Name})
			if err != nil {
				return fmt.Errorf("upsert tag %s: %w", tag.Slug, err)
			}
			tags[tag.Slug] = id
		}

		for i, qi := range f.Questions {
			q := toModel(qi, examID)
			if qi.Subject != "" {
				sid := subjects[qi.Subject]
				q.SubjectID = &sid
			}
			for _, slug := range qi.Topics {
				q.Topics = append(q.Topics, model.Topic{ID: topics[topicKey(qi.Subject, slug)]})
			}
			for _, slug := range qi.Tags {
				q.Tags = append(q.Tags, model.Tag{ID: tags[slug]})
			}
			if w := answerKeyWarning(qi); w != "" {
				slog.Warn("importing question with unusable answer key", "name", name, "question", i+1, "problem", w)
				res.Warnings = append(res.Warnings, fmt.Sprintf("questions[%d]: %s", i, w))
			}
			if _, err := tx.InsertQuestion(ctx, q); err != nil {
				return fmt.Errorf("insert questions[%d]: %w", i, err)
			}
			res.Questions++
		}
		return tx.SetImportedFileHash(ctx, name, hash)
	})
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", name, err)
	}

	slog.Info("imported bank file", "name", name, "exam", f.Exam.Slug, "questions", res.Questions)
	res.Status = StatusImported
	return res, nil
}

// Parse decodes and validates bank data.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "parse bank file")
	}
	if err := validate.Struct(&f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, apperr.Validation("bank file: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return nil, apperr.Wrap(apperr.KindValidation, err, "bank file")
	}
	if err := checkReferences(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// checkReferences verifies slug references and per-type structure.
func checkReferences(f *File) error {
	subjects := make(map[string]bool)
	topics := make(map[string]bool)
	for _, sub := range f.Subjects {
		if subjects[sub.Slug] {
			return apperr.Validation("duplicate subject %q", sub.Slug)
		}
		subjects[sub.Slug] = true
		for _, tp := range sub.Topics {
			topics[topicKey(sub.Slug, tp.Slug)] = true
		}
	}
	tags := make(map[string]bool)
	for _, tag := range f.Tags {
		tags[tag.Slug] = true
	}

	for i, q := range f.Questions {
		if q.Subject != "" && !subjects[q.Subject] {
			return apperr.Validation("questions[%d]: unknown subject %q", i, q.Subject)
		}
		if len(q.Topics) > 0 && q.Subject == "" {
			return apperr.Validation("questions[%d]: topics require a subject", i)
		}
		for _, tp := range q.Topics {
			if !topics[topicKey(q.Subject, tp)] {
				return apperr.Validation("questions[%d]: unknown topic %q in subject %q", i, tp, q.Subject)
			}
		}
		for _, tag := range q.Tags {
			if !tags[tag] {
				return apperr.Validation("questions[%d]: unknown tag %q", i, tag)
			}
		}
		switch model.QuestionType(q.Type) {
		case model.TypeMCQ, model.TypeMSQ:
			if len(q.Options) < 2 {
				return apperr.Validation("questions[%d]: %s needs at least two options", i, q.Type)
			}
		case model.TypeNAT:
			if len(q.Options) > 0 {
				return apperr.Validation("questions[%d]: NAT questions take no options", i)
			}
		}
	}
	return nil
}

// answerKeyWarning reports a question the grader will refuse to score.
func answerKeyWarning(q Question) string {
	if model.QuestionType(q.Type) == model.TypeNAT {
		if q.Solution == nil || strings.TrimSpace(q.Solution.Answer) == "" {
			return "numeric question has no answer"
		}
		if _, err := model.Numeric(q.Solution.Answer).Float(); err != nil {
			return fmt.Sprintf("numeric answer %q is not a number", q.Solution.Answer)
		}
		return ""
	}
	for _, o := range q.Options {
		if o.Correct {
			return ""
		}
	}
	return "no option is marked correct"
}

func toModel(qi Question, examID int64) model.Question {
	q := model.Question{
		ExamID:         examID,
		Year:           qi.Year,
		Marks:          qi.Marks,
		Type:           model.QuestionType(qi.Type),
		Difficulty:     model.Difficulty(qi.Difficulty),
		IsFormulaBased: qi.Formula,
		Body:           qi.Body,
	}
	if qi.Shift != "" {
		shift := qi.Shift
		q.Shift = &shift
	}
	for _, o := range qi.Options {
		q.Options = append(q.Options, model.Option{Label: o.Label, Text: o.Text, IsCorrect: o.Correct})
	}
	if qi.Solution != nil && (qi.Solution.Answer != "" || qi.Solution.Explanation != "") {
		q.Solution = &model.Solution{AnswerText: qi.Solution.Answer, Explanation: qi.Solution.Explanation}
	}
	return q
}

func topicKey(subject, topic string) string {
	return subject + "/" + topic
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
