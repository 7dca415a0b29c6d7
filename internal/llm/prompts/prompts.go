package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/mocktest/internal/model"
)

// Templates holds the built-in prompt files.
//
//go:embed templates/*.txt
var Templates embed.FS

var (
	reportDataRegex         = regexp.MustCompile(`(?i)</?\s*report-data\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxFieldRunes caps any single bank-supplied string placed in a prompt.
const maxFieldRunes = 200

// Style selects the coaching prompt variant.
type Style string

const (
	// StyleBrief asks for a short plan focused on the weakest topics.
	StyleBrief Style = "brief"
	// StyleDetailed asks for a fuller plan covering every bucket.
	StyleDetailed Style = "detailed"
)

var validStyles = map[Style]bool{
	StyleBrief:    true,
	StyleDetailed: true,
}

var (
	loadOnce        sync.Once
	loadErr         error
	systemTemplates map[Style]*template.Template
	reportTemplate  *template.Template
)

// IsValidStyle checks if a style name is valid.
func IsValidStyle(s string) bool {
	return validStyles[Style(s)]
}

// Bucket is one line of the report table given to the model.
type Bucket struct {
	Name      string
	Attempted int
	Correct   int
	Total     int
	Accuracy  int // percent
}

// CoachData holds template data for coaching prompts.
type CoachData struct {
	Language   string
	MockName   string
	Score      int
	MaxScore   int
	Attempted  int
	Total      int
	Accuracy   int // percent
	AvgSeconds int
	Subjects   []Bucket
	Topics     []Bucket
	WeakTopics []Bucket
	Difficulty []Bucket
}

// Load parses the prompt templates found in fsys.
// It uses sync.Once so templates are parsed only once per process.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		systemTemplates = make(map[Style]*template.Template)
		for _, s := range []Style{StyleBrief, StyleDetailed} {
			tmpl, err := parse(fsys, "templates/system_"+string(s)+".txt")
			if err != nil {
				loadErr = err
				return
			}
			systemTemplates[s] = tmpl
		}
		reportTemplate, loadErr = parse(fsys, "templates/report.txt")
	})
	return loadErr
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// BuildCoachPrompt renders the system and user messages for one report.
func BuildCoachPrompt(style Style, report *model.AnalysisReport, lang string) (system, user string, err error) {
	if systemTemplates == nil || reportTemplate == nil {
		if loadErr != nil {
			return "", "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := systemTemplates[style]
	if !ok {
		return "", "", errors.New("invalid prompt style: " + string(style))
	}

	data := NewCoachData(report, lang)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", err
	}
	system = buf.String()

	buf.Reset()
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", "", err
	}
	return system, buf.String(), nil
}

// NewCoachData flattens a report into template data. Names coming from the
// question bank are sanitized.
func NewCoachData(r *model.AnalysisReport, lang string) CoachData {
	d := CoachData{
		Language:   sanitize(lang),
		MockName:   sanitize(r.Mock.Name),
		Score:      r.Overall.Score,
		MaxScore:   r.Overall.MaxScore,
		Attempted:  r.Overall.Attempted,
		Total:      r.Overall.TotalQuestions,
		Accuracy:   percent(r.Overall.Accuracy),
		AvgSeconds: int(r.Overall.AvgTimePerQuestion + 0.5),
		Subjects:   buckets(r.Subjects),
		Topics:     buckets(r.Topics),
		WeakTopics: buckets(r.WeakTopics),
	}
	if d.Language == "" {
		d.Language = "en"
	}
	for _, level := range model.Difficulties {
		if b, ok := r.Difficulty[level]; ok {
			b.Name = string(level)
			d.Difficulty = append(d.Difficulty, bucket(b))
		}
	}
	return d
}

func buckets(in []model.BucketStats) []Bucket {
	out := make([]Bucket, 0, len(in))
	for _, b := range in {
		out = append(out, bucket(b))
	}
	return out
}

func bucket(b model.BucketStats) Bucket {
	return Bucket{
		Name:      sanitize(b.Name),
		Attempted: b.Attempted,
		Correct:   b.Correct,
		Total:     b.TotalQuestions,
		Accuracy:  percent(b.Accuracy),
	}
}

func percent(f float64) int {
	return int(f*100 + 0.5)
}

func sanitize(s string) string {
	s = reportDataRegex.ReplaceAllString(s, "")
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")

	if utf8.RuneCountInString(s) > maxFieldRunes {
		runes := []rune(s)
		s = string(runes[:maxFieldRunes]) + "..."
	}
	return s
}
