package quality

import (
	"math"

	"github.com/recordguard/recordguard/internal/domain"
)

// WeakestCriterion returns the lowest-scoring criterion in verdict that has
// a registered amendment block, along with that block's text. The
// Orchestrator uses this for spec.md §4.8 step 5's regeneration retry: the
// rewritten prompt includes the verdict's weakest-criterion hint verbatim.
// Returns ok=false if verdict scores no criterion with a registered block.
func WeakestCriterion(verdict domain.ValidationVerdict) (criterion domain.CriterionName, amendment string, ok bool) {
	worstScore := math.Inf(1)
	found := false

	for _, c := range orderedCriteria {
		score, scored := verdict.PerCriterion[c]
		if !scored {
			continue
		}
		if score < worstScore {
			worstScore = score
			criterion = c
			found = true
		}
	}
	if !found {
		return "", "", false
	}

	amendment, ok = amendmentFor(criterion)
	if !ok {
		return "", "", false
	}
	return criterion, amendment, true
}
