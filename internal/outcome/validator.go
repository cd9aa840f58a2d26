// Package outcome grades completed actions: did the hypothesis hold, was
// the predicted effect close to the measured one, and was the stated
// confidence honest.
package outcome

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/vigilstack/vigil-agent/internal/models"
)

// relativeTolerance is how far the actual delta may drift from the predicted
// one, relative to the prediction, and still count as accurate.
const relativeTolerance = 0.15

// absoluteTolerance applies when the prediction is "no change".
const absoluteTolerance = 0.05

// calibrationBar is the confidence above which the agent is claiming to know
// what will happen.
const calibrationBar = 0.7

// metricPriority orders metric keywords for free-text parsing; when a
// sentence mentions several, the most specific one wins. Keywords match
// whole words only, so "io" never fires inside "utilisation".
var metricPriority = []string{
	"swap", "memory", "cpu", "load", "io", "tcp", "network",
	"scheduler", "syscall", "page_fault", "general",
}

var percentRange = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*-\s*(\d+(?:\.\d+)?)\s*%`)
var percentSingle = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// Stems so that "reduce", "reduction", "reduced" all match.
var negationWords = []string{"reduc", "decreas", "drop", "lower", "free", "fall", "shrink"}

// Validator turns before/after measurements into outcome records.
type Validator struct{}

// NewValidator constructs a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate grades one executed decision. before and after are the pressure
// scores of the decision's signal measured around the action.
func (v *Validator) Validate(decision *models.Decision, before, after float64) *models.OutcomeRecord {
	rec := &models.OutcomeRecord{
		TraceID:     decision.TraceID,
		ActionName:  decision.ActionName,
		BeforeScore: before,
		AfterScore:  after,
		ValidatedAt: time.Now().UTC(),
	}

	actual := 0.0
	if before != 0 {
		actual = (after - before) / before
	}
	rec.ActualDelta = actual

	expected, haveExpected := expectedDelta(decision)
	rec.ExpectedDelta = expected

	// The hypothesis claimed the action would relieve the pressure.
	rec.HypothesisConfirmed = after < before

	if haveExpected {
		rec.PredictionAccurate = withinTolerance(expected, actual)
	} else {
		// No usable prediction is never accurate; the oracle must say
		// what it expects.
		rec.PredictionAccurate = false
	}

	claimedToKnow := decision.Confidence >= calibrationBar
	rec.CalibrationOK = claimedToKnow == rec.PredictionAccurate

	rec.AccuracyScore = 0.4*boolScore(rec.HypothesisConfirmed) +
		0.4*boolScore(rec.PredictionAccurate) +
		0.2*boolScore(rec.CalibrationOK)

	rec.Lesson = lesson(decision, rec)
	return rec
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func withinTolerance(expected, actual float64) bool {
	if expected == 0 {
		return math.Abs(actual) <= absoluteTolerance
	}
	return math.Abs(actual-expected) <= relativeTolerance*math.Abs(expected)
}

// expectedDelta prefers the structured prediction and falls back to parsing
// the free-text form the oracle sometimes produces.
func expectedDelta(decision *models.Decision) (float64, bool) {
	if decision.Prediction.Metric != "" || decision.Prediction.ExpectedDelta != 0 {
		return decision.Prediction.ExpectedDelta, true
	}
	if decision.Prediction.Text != "" {
		if _, delta, ok := ParsePredictionText(decision.Prediction.Text); ok {
			return delta, true
		}
	}
	return 0, false
}

// ParsePredictionText extracts a metric and fractional delta from prose like
// "memory usage should drop 20-30%". Ranges resolve to their midpoint and
// reduction wording flips the sign.
func ParsePredictionText(text string) (metric string, delta float64, ok bool) {
	lower := strings.ToLower(text)

	var pct float64
	if m := percentRange.FindStringSubmatch(lower); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		pct = (lo + hi) / 2
	} else if m := percentSingle.FindStringSubmatch(lower); m != nil {
		pct, _ = strconv.ParseFloat(m[1], 64)
	} else {
		return "", 0, false
	}

	delta = pct / 100
	for _, w := range negationWords {
		if strings.Contains(lower, w) {
			delta = -delta
			break
		}
	}

	metric = "general"
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		words[w] = true
	}
	for _, m := range metricPriority {
		if words[m] {
			metric = m
			break
		}
	}
	return metric, delta, true
}

func lesson(decision *models.Decision, rec *models.OutcomeRecord) string {
	verdict := "did not relieve"
	if rec.HypothesisConfirmed {
		verdict = "relieved"
	}
	msg := fmt.Sprintf("%s on %s %s the pressure (%.2f -> %.2f)",
		decision.ActionName, decision.SignalType, verdict, rec.BeforeScore, rec.AfterScore)
	if rec.PredictionAccurate {
		msg += fmt.Sprintf("; predicted delta %.0f%% held", rec.ExpectedDelta*100)
	} else {
		msg += fmt.Sprintf("; predicted %.0f%% but measured %.0f%%", rec.ExpectedDelta*100, rec.ActualDelta*100)
	}
	if !rec.CalibrationOK {
		msg += fmt.Sprintf("; stated confidence %.2f was miscalibrated", decision.Confidence)
	}
	return msg
}
