package quality

import "github.com/recordguard/recordguard/internal/domain"

// amendmentBlocks maps a criterion name to the fixed instruction text
// appended to a prompt's base instructions when that criterion scored
// below its threshold. Each entry is a deterministic pure function of the
// criterion name alone — never of the verdict's numbers — so the same
// failing criterion always produces the identical amendment text.
var amendmentBlocks = map[domain.CriterionName]string{
	domain.CriterionAccuracy: "Ground every claim in the supplied record. Do not state a fact that " +
		"is not directly supported by the record or a cited enrichment result.",

	domain.CriterionCompleteness: "Before finishing, verify the response addresses every requested " +
		"aspect of the generation type: cover each relevant field of the record, not just the " +
		"most prominent one.",

	domain.CriterionClarity: "Structure the response with short paragraphs or a labeled list. Avoid " +
		"run-on sentences and define any domain-specific term on first use.",

	domain.CriterionRelevance: "Stay within the domain context implied by the record and the " +
		"requested generation type. Omit tangential observations that do not serve that context.",

	domain.CriterionStructural: "Use explicit section markers (a heading or bolded label) to separate " +
		"distinct parts of the response, so each can be located without re-reading the whole text.",
}

// orderedCriteria lists every criterion with an amendment block in the
// spec's alphabetical-by-criterion-name order, so concatenation is
// deterministic regardless of map iteration order.
var orderedCriteria = []domain.CriterionName{
	domain.CriterionAccuracy,
	domain.CriterionClarity,
	domain.CriterionCompleteness,
	domain.CriterionRelevance,
	domain.CriterionStructural,
}

// amendmentFor returns the fixed amendment block for criterion, and
// whether one exists. Criteria with no registered block are skipped
// rather than erroring, so the table can grow without breaking callers.
func amendmentFor(criterion domain.CriterionName) (string, bool) {
	block, ok := amendmentBlocks[criterion]
	return block, ok
}
