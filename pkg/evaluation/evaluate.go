package evaluation

import (
	"math"
	"strings"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// Unanswered is the sentinel for a blank or undetectable bubble.
const Unanswered = "X"

// DefaultTolerance is the allowed gap between automated and manual totals.
const DefaultTolerance = 0.01

// Detail is the per-question outcome of an evaluation.
type Detail struct {
	Question      string  `json:"question"`
	CorrectAnswer string  `json:"correct_answer"`
	StudentAnswer string  `json:"student_answer"`
	IsCorrect     bool    `json:"is_correct"`
	MarksEarned   float64 `json:"marks_earned"`
	MarksPossible float64 `json:"marks_possible"`
	Confidence    float64 `json:"confidence"`
}

// Evaluation is the full scoring outcome for one sheet.
type Evaluation struct {
	TotalMarks     float64  `json:"total_marks"`
	MaxMarks       float64  `json:"max_marks"`
	Correct        int      `json:"correct_answers"`
	Incorrect      int      `json:"incorrect_answers"`
	Unanswered     int      `json:"unanswered"`
	TotalQuestions int      `json:"total_questions"`
	Percentage     float64  `json:"percentage"`
	Grade          string   `json:"grade"`
	Details        []Detail `json:"question_wise_results"`
}

// Evaluate scores detected answers against the key. Answers are compared
// case-insensitively; a missing or "X" detection counts as unanswered and
// earns nothing. Detection confidences default to 1.0 when absent. The
// details follow ascending question order so the evaluation hash is
// deterministic.
func Evaluate(detected map[string]string, key AnswerKey, confidence map[string]float64) (*Evaluation, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	ev := &Evaluation{TotalQuestions: len(key)}
	for _, label := range key.Questions() {
		entry := key[label]
		ev.MaxMarks += entry.Marks

		answer := lookupAnswer(detected, label)
		d := Detail{
			Question:      label,
			CorrectAnswer: entry.Answer,
			StudentAnswer: answer,
			MarksPossible: entry.Marks,
			Confidence:    lookupConfidence(confidence, label),
		}
		switch {
		case answer == Unanswered || answer == "":
			d.StudentAnswer = Unanswered
			ev.Unanswered++
		case strings.EqualFold(answer, entry.Answer):
			d.IsCorrect = true
			d.MarksEarned = entry.Marks
			ev.Correct++
			ev.TotalMarks += entry.Marks
		default:
			ev.Incorrect++
		}
		ev.Details = append(ev.Details, d)
	}

	if ev.MaxMarks > 0 {
		ev.Percentage = ev.TotalMarks / ev.MaxMarks * 100
	}
	ev.Grade = AssignGrade(ev.Percentage)
	return ev, nil
}

// lookupAnswer accepts detections keyed either by bare number ("1") or by
// label ("Q1").
func lookupAnswer(detected map[string]string, label string) string {
	if v, ok := detected[strings.TrimPrefix(label, "Q")]; ok {
		return v
	}
	if v, ok := detected[label]; ok {
		return v
	}
	return Unanswered
}

func lookupConfidence(confidence map[string]float64, label string) float64 {
	if confidence == nil {
		return 1.0
	}
	if v, ok := confidence[strings.TrimPrefix(label, "Q")]; ok {
		return v
	}
	if v, ok := confidence[label]; ok {
		return v
	}
	return 0.0
}

// AssignGrade maps a percentage onto the grade bands.
func AssignGrade(percentage float64) string {
	switch {
	case percentage >= 90:
		return "A+"
	case percentage >= 80:
		return "A"
	case percentage >= 70:
		return "B+"
	case percentage >= 60:
		return "B"
	case percentage >= 50:
		return "C"
	case percentage >= 40:
		return "D"
	default:
		return "F"
	}
}

// VerifyTally compares automated and manual totals within tolerance and
// returns the absolute discrepancy.
func VerifyTally(automated, manual, tolerance float64) (bool, float64) {
	discrepancy := math.Abs(automated - manual)
	return discrepancy <= tolerance, discrepancy
}

// Cause names one candidate explanation for a marks discrepancy.
type Cause struct {
	Cause          string   `json:"cause"`
	Count          int      `json:"count,omitempty"`
	Questions      []string `json:"questions,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// DiscrepancyAnalysis explains a failed tally.
type DiscrepancyAnalysis struct {
	AutomatedTotal  float64 `json:"automated_total"`
	ManualTotal     float64 `json:"manual_total"`
	Discrepancy     float64 `json:"discrepancy"`
	PotentialCauses []Cause `json:"potential_causes"`
}

// AnalyzeDiscrepancy flags low-confidence (<0.7) and ambiguous (<0.5)
// detections as candidate causes; with neither present it recommends
// manual investigation.
func AnalyzeDiscrepancy(details []Detail, automated, manual float64) *DiscrepancyAnalysis {
	a := &DiscrepancyAnalysis{
		AutomatedTotal: automated,
		ManualTotal:    manual,
		Discrepancy:    math.Abs(automated - manual),
	}

	var low, ambiguous []string
	for _, d := range details {
		if d.Confidence < 0.7 {
			low = append(low, d.Question)
		}
		if d.Confidence < 0.5 {
			ambiguous = append(ambiguous, d.Question)
		}
	}
	if len(low) > 0 {
		a.PotentialCauses = append(a.PotentialCauses, Cause{
			Cause:     "low confidence detections",
			Count:     len(low),
			Questions: low,
		})
	}
	if len(ambiguous) > 0 {
		a.PotentialCauses = append(a.PotentialCauses, Cause{
			Cause:     "ambiguous bubble detections",
			Count:     len(ambiguous),
			Questions: ambiguous,
		})
	}
	if len(a.PotentialCauses) == 0 {
		a.PotentialCauses = append(a.PotentialCauses, Cause{
			Cause:          "unknown",
			Recommendation: "review bubble detection and manual marking",
		})
	}
	return a
}

// InterventionFor maps a discrepancy analysis onto the intervention type
// the lifecycle should raise.
func InterventionFor(a *DiscrepancyAnalysis) domain.InterventionType {
	for _, c := range a.PotentialCauses {
		if c.Cause == "low confidence detections" || c.Cause == "ambiguous bubble detections" {
			return domain.InterventionLowConfidence
		}
	}
	return domain.InterventionMarksMismatch
}
