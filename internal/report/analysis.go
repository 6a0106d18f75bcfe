// Package report derives the candidate analysis report from a conversation.
//
// The analysis backend attaches its structured result to the final assistant
// message as hidden data. Older replies carry the same JSON inline in the
// message body, so extraction falls back to scanning assistant content.
package report

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/user/resumechat/internal/types"
)

// ErrNoAnalysis is returned when no assistant message carries analysis JSON.
var ErrNoAnalysis = errors.New("no analysis data in conversation")

// Analysis is the structured result produced by the analysis backend. Only
// the fields the report renders are modelled.
type Analysis struct {
	OverallScore     float64 `json:"overall_score,omitempty"`
	CredibilityScore float64 `json:"credibility_score,omitempty"`
	RiskLevel        string  `json:"risk_level,omitempty"`
	Summary          string  `json:"summary,omitempty"`
	Recommendations  Lines   `json:"recommendations,omitempty"`

	VerifiedClaims []struct {
		Claim    string `json:"claim"`
		Evidence string `json:"evidence,omitempty"`
	} `json:"verified_claims,omitempty"`
	QuestionableClaims []struct {
		Claim              string `json:"claim"`
		Concern            string `json:"concern,omitempty"`
		VerificationNeeded string `json:"verification_needed,omitempty"`
	} `json:"questionable_claims,omitempty"`
	InterviewQuestions []string `json:"interview_questions,omitempty"`

	Skills               *Section `json:"skills,omitempty"`
	Experience           *Section `json:"experience,omitempty"`
	Education            *Section `json:"education,omitempty"`
	SoftSkills           *Section `json:"soft_skills,omitempty"`
	Stability            *Section `json:"stability,omitempty"`
	WorkAttitude         *Section `json:"work_attitude,omitempty"`
	DevelopmentPotential *Section `json:"development_potential,omitempty"`

	AnalysisVersion string `json:"analysis_version,omitempty"`
	DimensionCount  int    `json:"dimension_count,omitempty"`
}

// Section is one expert dimension of the analysis.
type Section struct {
	Score            float64  `json:"score,omitempty"`
	CredibilityScore float64  `json:"credibility_score,omitempty"`
	Strengths        []string `json:"strengths,omitempty"`
}

// Lines accepts either a JSON string or an array of strings.
type Lines []string

func (l *Lines) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*l = Lines{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// HasScores reports whether the analysis carries anything worth rendering.
func (a *Analysis) HasScores() bool {
	if a.OverallScore != 0 || a.CredibilityScore != 0 {
		return true
	}
	return a.Skills != nil && (a.Skills.Score != 0 || a.Skills.CredibilityScore != 0)
}

var (
	jsonFence  = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	plainFence = regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```")
	braces     = regexp.MustCompile(`(?s)\{.*\}`)
)

// Extract finds the newest analysis in msgs. Hidden data wins over JSON
// embedded in message content.
func Extract(msgs []types.Message) (*Analysis, error) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != types.RoleAssistant || m.HiddenData == "" {
			continue
		}
		var a Analysis
		if err := json.Unmarshal([]byte(m.HiddenData), &a); err == nil {
			return &a, nil
		}
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != types.RoleAssistant {
			continue
		}
		if a, ok := fromContent(m.Content); ok {
			return a, nil
		}
	}
	return nil, ErrNoAnalysis
}

// fromContent tries each embedding in turn and stops at the first one that
// is present, even when it fails to parse.
func fromContent(content string) (*Analysis, bool) {
	var raw string
	switch {
	case jsonFence.MatchString(content):
		raw = jsonFence.FindStringSubmatch(content)[1]
	case plainFence.MatchString(content):
		raw = plainFence.FindStringSubmatch(content)[1]
	case strings.HasPrefix(strings.TrimSpace(content), "{"):
		raw = content
	case braces.MatchString(content):
		raw = braces.FindString(content)
	default:
		return nil, false
	}
	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, false
	}
	return &a, true
}
