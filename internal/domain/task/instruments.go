package task

import (
	"fmt"
	"math"
)

func init() {
	register(phq9)
	register(gad7)
	register(core10)
	register(bmi)
}

func numbered(prefix string, n int, min, max float64) []Question {
	qs := make([]Question, 0, n)
	for i := 1; i <= n; i++ {
		qs = append(qs, Question{Name: fmt.Sprintf("%s%d", prefix, i), Min: min, Max: max})
	}
	return qs
}

// ---------------------------------------------------------------------------
// PHQ-9
// ---------------------------------------------------------------------------

var phq9Items = []string{"q1", "q2", "q3", "q4", "q5", "q6", "q7", "q8", "q9"}

var phq9 = &Definition{
	TableName: "phq9",
	ShortName: "PHQ-9",
	LongName:  "Patient Health Questionnaire-9",
	Questions: append(numbered("q", 9, 0, 3), Question{Name: "q10", Min: 0, Max: 3, Optional: true}),
	// Q10 (functional difficulty) is only asked when any symptom is present.
	Complete: func(a Answers) bool {
		if a.NAnswered(phq9Items...) != len(phq9Items) {
			return false
		}
		return a.Sum(phq9Items...) == 0 || a.Has("q10")
	},
	Summarize: func(a Answers) []SummaryValue {
		total := a.Sum(phq9Items...)
		core, other := phq9Symptoms(a)
		return []SummaryValue{
			{Name: "total", Value: total, Comment: "Total score (/27)"},
			{Name: "severity", Value: phq9Severity(total), Comment: "Severity"},
			{Name: "n_core", Value: core, Comment: "Number of core depressive symptoms"},
			{Name: "n_other", Value: other, Comment: "Number of other depressive symptoms"},
			{Name: "is_mds", Value: core >= 1 && core+other >= 5, Comment: "PHQ9 major depressive syndrome?"},
			{Name: "is_ods", Value: core >= 1 && core+other >= 2 && core+other <= 4, Comment: "PHQ9 other depressive syndrome?"},
		}
	},
	ClinicalText: func(a Answers) []string {
		total := a.Sum(phq9Items...)
		lines := []string{fmt.Sprintf("PHQ-9 total score %d/27 (%s)", total, phq9Severity(total))}
		if q9 := a.Int("q9"); q9 > 0 {
			lines = append(lines, fmt.Sprintf("Suicidal thoughts/self-harm: Q9 rated %d/3", q9))
		}
		return lines
	},
	Trackers: []TrackerSpec{{
		Value:           "total",
		PlotLabel:       "PHQ-9 total score (rating depressive symptoms)",
		AxisLabel:       "Score for Q1-9 (out of 27)",
		AxisMin:         -0.5,
		AxisMax:         27.5,
		HorizontalLines: []float64{19.5, 14.5, 9.5, 4.5},
		HorizontalLabels: []TrackerLabel{
			{Y: 23.5, Label: "severe"},
			{Y: 17, Label: "moderately severe"},
			{Y: 12, Label: "moderate"},
			{Y: 7, Label: "mild"},
			{Y: 2.25, Label: "none"},
		},
	}},
}

func phq9Severity(total int) string {
	switch {
	case total >= 20:
		return "severe"
	case total >= 15:
		return "moderately severe"
	case total >= 10:
		return "moderate"
	case total >= 5:
		return "mild"
	default:
		return "none"
	}
}

// phq9Symptoms counts symptoms present "more than half the days" (>=2).
// Q9 (self-harm) counts when present at all.
func phq9Symptoms(a Answers) (core, other int) {
	for _, q := range []string{"q1", "q2"} {
		if a.Int(q) >= 2 {
			core++
		}
	}
	for _, q := range []string{"q3", "q4", "q5", "q6", "q7", "q8"} {
		if a.Int(q) >= 2 {
			other++
		}
	}
	if a.Int("q9") >= 1 {
		other++
	}
	return core, other
}

// ---------------------------------------------------------------------------
// GAD-7
// ---------------------------------------------------------------------------

var gad7Items = []string{"q1", "q2", "q3", "q4", "q5", "q6", "q7"}

var gad7 = &Definition{
	TableName: "gad7",
	ShortName: "GAD-7",
	LongName:  "Generalized Anxiety Disorder Assessment",
	Questions: numbered("q", 7, 0, 3),
	Summarize: func(a Answers) []SummaryValue {
		total := a.Sum(gad7Items...)
		return []SummaryValue{
			{Name: "total", Value: total, Comment: "Total score (/21)"},
			{Name: "severity", Value: gad7Severity(total), Comment: "Severity"},
		}
	},
	ClinicalText: func(a Answers) []string {
		total := a.Sum(gad7Items...)
		return []string{fmt.Sprintf("GAD-7 total score %d/21 (%s)", total, gad7Severity(total))}
	},
	Trackers: []TrackerSpec{{
		Value:           "total",
		PlotLabel:       "GAD-7 total score",
		AxisLabel:       "Total score (out of 21)",
		AxisMin:         -0.5,
		AxisMax:         21.5,
		HorizontalLines: []float64{14.5, 9.5, 4.5},
		HorizontalLabels: []TrackerLabel{
			{Y: 17, Label: "severe"},
			{Y: 12, Label: "moderate"},
			{Y: 7, Label: "mild"},
			{Y: 2.25, Label: "none"},
		},
	}},
}

func gad7Severity(total int) string {
	switch {
	case total >= 15:
		return "severe"
	case total >= 10:
		return "moderate"
	case total >= 5:
		return "mild"
	default:
		return "none"
	}
}

// ---------------------------------------------------------------------------
// CORE-10
// ---------------------------------------------------------------------------

const core10Max = 40

var core10Items = []string{"q1", "q2", "q3", "q4", "q5", "q6", "q7", "q8", "q9", "q10"}

var core10 = &Definition{
	TableName: "core10",
	ShortName: "CORE-10",
	LongName:  "Clinical Outcomes in Routine Evaluation, 10-item measure",
	Questions: numbered("q", 10, 0, 4),
	Summarize: func(a Answers) []SummaryValue {
		return []SummaryValue{
			{Name: "total", Value: a.Sum(core10Items...), Comment: "Total score (/40)"},
			{Name: "clinical_score", Value: core10ClinicalScore(a), Comment: fmt.Sprintf("Clinical score (/%d)", core10Max)},
		}
	},
	ClinicalText: func(a Answers) []string {
		return []string{fmt.Sprintf("CORE-10 clinical score %s/%d", formatScore(core10ClinicalScore(a)), core10Max)}
	},
	Trackers: []TrackerSpec{{
		Value:           "clinical_score",
		PlotLabel:       "CORE-10 clinical score (rating distress)",
		AxisLabel:       fmt.Sprintf("Clinical score (out of %d)", core10Max),
		AxisMin:         -0.5,
		AxisMax:         core10Max + 0.5,
		HorizontalLines: []float64{30, 20, 10},
	}},
}

// core10ClinicalScore prorates the total to ten items when some are missing.
func core10ClinicalScore(a Answers) float64 {
	n := a.NAnswered(core10Items...)
	if n == 0 {
		return 0
	}
	return float64(len(core10Items)*a.Sum(core10Items...)) / float64(n)
}

// ---------------------------------------------------------------------------
// BMI
// ---------------------------------------------------------------------------

var bmi = &Definition{
	TableName: "bmi",
	ShortName: "BMI",
	LongName:  "Body mass index",
	Questions: []Question{
		{Name: "height_m", Min: 0.1, Max: 3},
		{Name: "mass_kg", Min: 0.5, Max: 700},
		{Name: "waist_cm", Min: 10, Max: 500, Optional: true},
	},
	Summarize: func(a Answers) []SummaryValue {
		v, ok := bmiValue(a)
		if !ok {
			return []SummaryValue{{Name: "bmi", Value: nil, Comment: "BMI (kg/m^2)"}}
		}
		return []SummaryValue{
			{Name: "bmi", Value: v, Comment: "BMI (kg/m^2)"},
			{Name: "category", Value: bmiCategory(v), Comment: "Category"},
		}
	},
	ClinicalText: func(a Answers) []string {
		v, _ := bmiValue(a)
		mass, _ := a.Float("mass_kg")
		height, _ := a.Float("height_m")
		line := fmt.Sprintf("BMI: %s kg/m^2 (%s). Mass: %s kg. Height: %s m.",
			formatScore(v), bmiCategory(v), formatScore(mass), formatScore(height))
		if w, ok := a.Float("waist_cm"); ok {
			line += fmt.Sprintf(" Waist circumference: %s cm.", formatScore(w))
		}
		return []string{line}
	},
	Trackers: []TrackerSpec{{
		Value:           "bmi",
		PlotLabel:       "Body mass index",
		AxisLabel:       "BMI (kg/m^2)",
		AxisMin:         10,
		AxisMax:         42,
		HorizontalLines: []float64{40, 35, 30, 25, 18.5, 17.5},
		HorizontalLabels: []TrackerLabel{
			{Y: 41, Label: "obese class III"},
			{Y: 37.5, Label: "obese class II"},
			{Y: 32.5, Label: "obese class I"},
			{Y: 27.5, Label: "overweight"},
			{Y: 21.75, Label: "normal"},
			{Y: 18, Label: "underweight"},
			{Y: 13.75, Label: "underweight (anorexia nervosa range)"},
		},
	}},
}

// bmiValue is mass / height^2 to two decimal places.
func bmiValue(a Answers) (float64, bool) {
	mass, okM := a.Float("mass_kg")
	height, okH := a.Float("height_m")
	if !okM || !okH || height <= 0 {
		return 0, false
	}
	return math.Round(mass/(height*height)*100) / 100, true
}

func bmiCategory(v float64) string {
	switch {
	case v >= 40:
		return "obese class III"
	case v >= 35:
		return "obese class II"
	case v >= 30:
		return "obese class I"
	case v >= 25:
		return "overweight"
	case v >= 18.5:
		return "normal"
	case v >= 17.5:
		return "underweight"
	default:
		return "underweight (anorexia nervosa range)"
	}
}

// formatScore prints whole numbers without a decimal point and everything
// else to one decimal place.
func formatScore(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}
