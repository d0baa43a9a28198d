// Package risk talks to the LLM-backed detector, analyzer and summary
// services and defines the findings they produce.
package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// NoRelevantLaw is the legal-basis type the analyzer uses for findings it
// could not tie to any law. Such findings are never persisted or alerted.
const NoRelevantLaw = "ไม่พบกฎหมายที่เกี่ยวข้อง"

// Unspecified fills required fields the analyzer left out.
const Unspecified = "ไม่ระบุ"

// ErrNoAIMessage is returned when an analyzer run finished without an AI reply.
var ErrNoAIMessage = errors.New("no AI response found")

// LegalBasis cites the law a finding rests on.
type LegalBasis struct {
	Type      string `json:"type"`
	Reference string `json:"reference"`
}

// Issue is one legal-risk finding as returned by the analyzer.
type Issue struct {
	RiskLevel        string     `json:"riskLevel"`
	IssueDescription string     `json:"issueDescription"`
	LegalBasis       LegalBasis `json:"legalBasis"`
	LegalReasoning   string     `json:"legalReasoning"`
	Recommendation   string     `json:"recommendation"`
	UrgencyLevel     string     `json:"urgencyLevel"`
	Disclaimer       string     `json:"disclaimer,omitempty"`

	Raw json.RawMessage `json:"-"` // the issue object exactly as received
}

// Grounded reports whether the finding cites an actual law.
func (i Issue) Grounded() bool {
	return i.LegalBasis.Type != NoRelevantLaw
}

// Grounded returns the findings that cite an actual law.
func Grounded(issues []Issue) []Issue {
	out := make([]Issue, 0, len(issues))
	for _, i := range issues {
		if i.Grounded() {
			out = append(out, i)
		}
	}
	return out
}

// AnalysisResult is the validated outcome of an analyzer run: either
// Findings or Malformed.
type AnalysisResult interface {
	analysisResult()
}

// Findings is a well-formed analyzer reply. Issues may be empty.
type Findings struct {
	Issues []Issue
}

// Malformed is an analyzer reply that did not match the expected shape.
type Malformed struct {
	Raw    string
	Reason string
}

func (Findings) analysisResult()  {}
func (Malformed) analysisResult() {}

var jsonFence = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")

// ParseAnalysis validates the analyzer's reply text. A fenced ```json block
// is preferred over the surrounding prose. The payload must be an object
// with an "issues" array of objects.
func ParseAnalysis(content string) AnalysisResult {
	payload := content
	if m := jsonFence.FindStringSubmatch(content); m != nil {
		payload = m[1]
	}

	var envelope struct {
		Issues *[]json.RawMessage `json:"issues"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &envelope); err != nil {
		return Malformed{Raw: content, Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}
	if envelope.Issues == nil {
		return Malformed{Raw: content, Reason: "missing issues array"}
	}

	issues := make([]Issue, 0, len(*envelope.Issues))
	for n, raw := range *envelope.Issues {
		var is Issue
		if err := json.Unmarshal(raw, &is); err != nil {
			return Malformed{Raw: content, Reason: fmt.Sprintf("issue %d: %v", n, err)}
		}
		is.Raw = raw
		issues = append(issues, is)
	}
	return Findings{Issues: issues}
}

// CompanyLabel maps a stored company type to the Thai label the detector
// prompt uses. Unknown values fall back to a private limited company.
func CompanyLabel(companyType string) string {
	switch companyType {
	case "PUBLIC_LIMITED", "บริษัทมหาชนจำกัด":
		return "บริษัทมหาชนจำกัด"
	}
	return "บริษัทจำกัด"
}
