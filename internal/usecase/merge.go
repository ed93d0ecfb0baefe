// File: internal/usecase/merge.go
package usecase

import (
	"math"
	"sort"

	"email-triage-pipeline/internal/domain/model"
)

// MergePolicy holds the consensus thresholds. Both default from config.
type MergePolicy struct {
	DivergenceThreshold float64
	ConfidenceFloor     float64
}

// Review reasons recorded on the merge result.
const (
	reviewRetryRequested = "retry_requested"
	reviewDiverged       = "divergence_exceeded"
	reviewLowConfidence  = "low_confidence"
)

// MergeOutputs builds the L3 consensus from two independent passes.
// Pure: same inputs always yield the same result. L2 wins per-field on
// conflicts, tags are unioned, and review routing is decided here.
func MergeOutputs(l1, l2 *model.LayerOutput, pol MergePolicy) *model.MergeResult {
	res := &model.MergeResult{
		Tags:       unionTags(l1.Tags, l2.Tags),
		Synthesis:  l2.Synthesis,
		Scores:     overlayScores(l1.Scores, l2.Scores),
		Divergence: Divergence(l1, l2),
	}
	if res.Synthesis == "" {
		res.Synthesis = l1.Synthesis
	}

	if l2.RequestRetry {
		res.ReviewReasons = append(res.ReviewReasons, reviewRetryRequested)
	}
	if res.Divergence > pol.DivergenceThreshold {
		res.ReviewReasons = append(res.ReviewReasons, reviewDiverged)
	}
	if l2.Confidence > 0 && l2.Confidence < pol.ConfidenceFloor {
		res.ReviewReasons = append(res.ReviewReasons, reviewLowConfidence)
	}
	res.NeedsReview = len(res.ReviewReasons) > 0
	res.SuggestedActions = suggestActions(res)
	return res
}

// Divergence measures disagreement between the two passes in [0,1]:
// the worse of tag-set distance (1 - Jaccard) and mean score distance.
// Identical outputs score 0, fully disjoint tag sets score 1.
func Divergence(l1, l2 *model.LayerOutput) float64 {
	return math.Max(tagDistance(l1.Tags, l2.Tags), scoreDistance(l1.Scores, l2.Scores))
}

func tagDistance(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]int, len(a)+len(b))
	for _, t := range a {
		set[t] |= 1
	}
	for _, t := range b {
		set[t] |= 2
	}
	var inter, union int
	for _, m := range set {
		union++
		if m == 3 {
			inter++
		}
	}
	return 1 - float64(inter)/float64(union)
}

// scoreDistance averages per-dimension absolute differences over the union
// of score keys; a dimension only one pass emitted counts as full distance
// for that dimension, clamped so the result stays in [0,1].
func scoreDistance(a, b map[string]float64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	var sum float64
	for k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		switch {
		case aok && bok:
			sum += math.Min(math.Abs(av-bv), 1)
		default:
			sum += 1
		}
	}
	return sum / float64(len(keys))
}

func unionTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// overlayScores starts from L1 and lets L2 overwrite shared dimensions.
func overlayScores(l1, l2 map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(l1)+len(l2))
	for k, v := range l1 {
		out[k] = v
	}
	for k, v := range l2 {
		out[k] = v
	}
	return out
}

func suggestActions(res *model.MergeResult) []string {
	if res.NeedsReview {
		return []string{"manual-review"}
	}
	actions := make([]string, 0, len(res.Tags))
	for _, t := range res.Tags {
		actions = append(actions, "route:"+t)
	}
	if len(actions) == 0 {
		actions = append(actions, "archive")
	}
	return actions
}
