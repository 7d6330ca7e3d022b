package scoring

import (
	"encoding/json"

	"github.com/rendis/ensemble/pkg/schema"
)

// CompositeScore is the weighted average of breakdown. Criteria without a
// weight count with weight 1; an empty breakdown scores 0.
func CompositeScore(breakdown map[string]float64, weights map[string]float64) float64 {
	var sum, total float64
	for criterion, score := range breakdown {
		w, ok := weights[criterion]
		if !ok {
			w = 1
		}
		if w <= 0 {
			continue
		}
		sum += score * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// Ranges are the lower bounds of the score buckets. Scores below Acceptable
// are poor.
type Ranges struct {
	Excellent  float64 `json:"excellent"`
	Good       float64 `json:"good"`
	Acceptable float64 `json:"acceptable"`
}

// DefaultRanges returns 0.9 / 0.75 / 0.5.
func DefaultRanges() Ranges {
	return Ranges{Excellent: 0.9, Good: 0.75, Acceptable: 0.5}
}

// Classify buckets score.
func (r Ranges) Classify(score float64) schema.ScoreRange {
	switch {
	case score >= r.Excellent:
		return schema.ScoreExcellent
	case score >= r.Good:
		return schema.ScoreGood
	case score >= r.Acceptable:
		return schema.ScoreAcceptable
	default:
		return schema.ScorePoor
	}
}

// ParseResult converts an evaluator's output into a ScoringResult. A bare
// number is the score. An object may carry score, breakdown, passed,
// feedback, confidence and reasoning; a missing score is derived from the
// breakdown with weights.
func ParseResult(data any, weights map[string]float64) (*schema.ScoringResult, error) {
	if f, ok := number(data); ok {
		return &schema.ScoringResult{Score: f}, nil
	}

	obj, ok := data.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"evaluator returned %T, expected a number or an object with a score", data)
	}

	var res schema.ScoringResult
	if raw, ok := obj["breakdown"].(map[string]any); ok {
		res.Breakdown = make(map[string]float64, len(raw))
		for k, v := range raw {
			f, ok := number(v)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "breakdown %q is not a number", k)
			}
			res.Breakdown[k] = f
		}
	}

	if f, ok := number(obj["score"]); ok {
		res.Score = f
	} else if len(res.Breakdown) > 0 {
		res.Score = CompositeScore(res.Breakdown, weights)
	} else {
		return nil, schema.NewError(schema.ErrCodeValidation, "evaluator result has neither score nor breakdown")
	}

	res.Passed, _ = obj["passed"].(bool)
	res.Feedback, _ = obj["feedback"].(string)
	res.Reasoning, _ = obj["reasoning"].(string)
	res.Confidence, _ = number(obj["confidence"])
	return &res, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
