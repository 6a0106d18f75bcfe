package report

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"math"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/resumechat/internal/types"
)

// Grade buckets a 0-100 score.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
)

// GradeOf maps a score to its grade.
func GradeOf(score float64) Grade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 70:
		return GradeB
	case score >= 50:
		return GradeC
	default:
		return GradeD
	}
}

// Label is the human description of the grade.
func (g Grade) Label() string {
	switch g {
	case GradeA:
		return "Excellent, low risk"
	case GradeB:
		return "Good, some claims need checking"
	case GradeC:
		return "Fair, verify key claims"
	default:
		return "Poor, proceed with caution"
	}
}

// Dimension is one scored row of the report.
type Dimension struct {
	Key   string  `json:"key"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
	Grade Grade   `json:"grade"`
}

// Report is the rendered view of an Analysis.
type Report struct {
	ConversationID  types.ConversationID `json:"conversation_id"`
	Title           string               `json:"title"`
	GeneratedAt     time.Time            `json:"generated_at"`
	Overall         float64              `json:"overall_score"`
	Grade           Grade                `json:"grade"`
	DimensionCount  int                  `json:"dimension_count"`
	Dimensions      []Dimension          `json:"dimensions"`
	Summary         string               `json:"summary,omitempty"`
	Recommendations []string             `json:"recommendations,omitempty"`
	Analysis        *Analysis            `json:"analysis"`
}

// Build derives the report for conv.
func Build(conv types.Conversation, now time.Time) (*Report, error) {
	a, err := Extract(conv.Messages)
	if err != nil {
		return nil, err
	}
	dims := dimensions(a)
	r := &Report{
		ConversationID:  conv.ID,
		Title:           conv.Title,
		GeneratedAt:     now,
		Overall:         overall(a, dims),
		Dimensions:      dims,
		DimensionCount:  a.DimensionCount,
		Summary:         a.Summary,
		Recommendations: a.Recommendations,
		Analysis:        a,
	}
	if r.DimensionCount == 0 {
		r.DimensionCount = len(dims)
	}
	r.Grade = GradeOf(r.Overall)
	if r.Overall == 0 {
		r.Grade = GradeOf(unscoredGradeInput)
	}
	if g := Grade(a.RiskLevel); g == GradeA || g == GradeB || g == GradeC || g == GradeD {
		r.Grade = g
	}
	return r, nil
}

func dimensions(a *Analysis) []Dimension {
	rows := []struct {
		key, name string
		s         *Section
	}{
		{"skills", "Skills", a.Skills},
		{"experience", "Experience", a.Experience},
		{"education", "Education", a.Education},
		{"soft_skills", "Soft skills", a.SoftSkills},
		{"stability", "Stability", a.Stability},
		{"work_attitude", "Work attitude", a.WorkAttitude},
		{"development_potential", "Development potential", a.DevelopmentPotential},
	}
	out := make([]Dimension, 0, len(rows))
	for _, row := range rows {
		var score float64
		if row.s != nil {
			score = row.s.Score
			if row.key == "skills" && row.s.CredibilityScore != 0 {
				score = row.s.CredibilityScore
			}
		}
		out = append(out, Dimension{Key: row.key, Name: row.name, Score: score, Grade: GradeOf(score)})
	}
	return out
}

// unscoredGradeInput grades an analysis that carries no score at all.
const unscoredGradeInput = 65

// overall is the headline score: credibility_score, then overall_score, then
// the mean of scored dimensions.
func overall(a *Analysis, dims []Dimension) float64 {
	if a.CredibilityScore != 0 {
		return a.CredibilityScore
	}
	if a.OverallScore != 0 {
		return a.OverallScore
	}
	var sum float64
	var n int
	for _, d := range dims {
		if d.Score != 0 {
			sum += d.Score
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Round(sum/float64(n)*10) / 10
}

//go:embed report.html.tmpl
var htmlSource string

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"score": func(f float64) string {
		if f == math.Trunc(f) {
			return fmt.Sprintf("%.0f", f)
		}
		return fmt.Sprintf("%.1f", f)
	},
}).Parse(htmlSource))

// WriteHTML renders the standalone HTML export.
func (r *Report) WriteHTML(w io.Writer) error {
	if err := htmlTemplate.Execute(w, r); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

// HTML returns the standalone HTML export.
func (r *Report) HTML() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.WriteHTML(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Markdown converts the HTML export for terminal and chat display.
func (r *Report) Markdown() (string, error) {
	page, err := r.HTML()
	if err != nil {
		return "", err
	}
	md, err := htmltomarkdown.ConvertString(string(page))
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return md, nil
}

// Export formats.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

func normalizeFormat(format string) string {
	switch format {
	case "md":
		return FormatMarkdown
	case "":
		return FormatJSON
	}
	return format
}

// Render encodes the report in format.
func (r *Report) Render(format string) ([]byte, error) {
	switch normalizeFormat(format) {
	case FormatHTML:
		return r.HTML()
	case FormatMarkdown:
		md, err := r.Markdown()
		if err != nil {
			return nil, err
		}
		return []byte(md), nil
	case FormatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal report: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

// ContentType is the MIME type of format.
func ContentType(format string) string {
	switch normalizeFormat(format) {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "application/json"
	}
}

// Export builds the report for conv, renders it and, when reports is not
// nil, keeps a copy.
func Export(ctx context.Context, reports types.ReportStore, conv types.Conversation, format string, now time.Time) ([]byte, *types.ReportMeta, error) {
	r, err := Build(conv, now)
	if err != nil {
		return nil, nil, err
	}
	body, err := r.Render(format)
	if err != nil {
		return nil, nil, err
	}
	if reports == nil {
		return body, nil, nil
	}
	format = normalizeFormat(format)
	meta, err := reports.Put(ctx, conv.ID, format, body)
	if err != nil {
		return body, nil, fmt.Errorf("store report: %w", err)
	}
	return body, meta, nil
}
