package model

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	errx "github.com/promptchain/server/internal/core/error"
)

// Contract is implemented by every structured stage record. The parser checks
// RequiredFields before decoding and Validate after.
type Contract interface {
	Stage() StageName
	RequiredFields() []string
	Validate() error
}

// AnalysisOutput is the structured result of the analyze stage.
type AnalysisOutput struct {
	Intent             string   `json:"intent"`
	KeyPoints          []string `json:"key_points"`
	Confidence         float64  `json:"confidence"`
	Entities           []string `json:"entities,omitempty"`
	NeedsClarification bool     `json:"needs_clarification,omitempty"`
}

func (a *AnalysisOutput) Stage() StageName { return StageAnalyze }

func (a *AnalysisOutput) RequiredFields() []string {
	return []string{"intent", "key_points", "confidence"}
}

func (a *AnalysisOutput) Validate() error {
	if strings.TrimSpace(a.Intent) == "" {
		return errx.Constraint("intent", "must not be empty")
	}
	if a.KeyPoints == nil {
		return errx.Constraint("key_points", "must be a list")
	}
	return checkConfidence(a.Confidence)
}

// ProcessOutput is the structured result of the process stage.
type ProcessOutput struct {
	Outline    []string `json:"outline"`
	KeyFacts   []string `json:"key_facts"`
	Tone       string   `json:"tone"`
	Confidence float64  `json:"confidence"`
}

func (p *ProcessOutput) Stage() StageName { return StageProcess }

func (p *ProcessOutput) RequiredFields() []string {
	return []string{"outline", "key_facts", "tone", "confidence"}
}

func (p *ProcessOutput) Validate() error {
	if len(p.Outline) == 0 {
		return errx.Constraint("outline", "must contain at least one section")
	}
	for i, section := range p.Outline {
		if strings.TrimSpace(section) == "" {
			return errx.Constraint("outline", "section "+strconv.Itoa(i)+" is empty")
		}
	}
	if p.KeyFacts == nil {
		return errx.Constraint("key_facts", "must be a list")
	}
	if strings.TrimSpace(p.Tone) == "" {
		return errx.Constraint("tone", "must not be empty")
	}
	return checkConfidence(p.Confidence)
}

// SynthesisOutput is the free-text result of the synthesize stage.
type SynthesisOutput struct {
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

func (s *SynthesisOutput) Validate() error {
	if strings.TrimSpace(s.Text) == "" {
		return errx.Constraint("text", "synthesis produced no content")
	}
	return nil
}

// checkConfidence rejects values outside [0,1]; they are never clamped.
func checkConfidence(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errx.Constraint("confidence", "is not a finite number")
	}
	if v < 0 || v > 1 {
		return errx.Newf(errx.KindConstraint, http.StatusUnprocessableEntity, "confidence: %g out of range [0,1]", v)
	}
	return nil
}
