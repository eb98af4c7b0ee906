package pseudonymize

import (
	"fmt"

	"github.com/recordguard/recordguard/internal/domain"
)

// fieldNameConfidence is the confidence assigned when only the field-name
// channel fires (e.g. a field called "email" holding an unrecognizable
// value).
const fieldNameConfidence = 0.80

// contentConfidence is the confidence assigned when only the content-regex
// channel fires and the pattern's validator rejected the match.
const contentConfidence = 0.55

// contentValidatedConfidence is the confidence assigned when the content
// channel fires and the pattern has no validator or its validator accepts
// the match.
const contentValidatedConfidence = 0.85

// bothChannelsConfidence is the confidence assigned when the field-name and
// content channels agree on the same kind.
const bothChannelsConfidence = 0.97

// detection is a single PII hit found while walking a record.
type detection struct {
	Path       string
	Kind       domain.PIIKind
	Value      string
	Confidence float64
}

// detector finds PII in a record using a field-name lexicon channel and a
// content-regex channel, and keeps the stronger of the two when they
// disagree, or combines them when they agree.
type detector struct {
	patterns []contentPattern
}

func newDetector() *detector {
	return &detector{patterns: contentPatterns()}
}

// detect walks the record depth-first and returns every detection whose
// confidence meets or exceeds minConfidence.
func (d *detector) detect(record domain.Record, minConfidence float64) []detection {
	var out []detection
	for k, v := range record {
		d.walk(k, k, v, minConfidence, &out)
	}
	return out
}

func (d *detector) walk(fieldName, path string, value any, minConfidence float64, out *[]detection) {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			d.walk(k, path+"."+k, child, minConfidence, out)
		}
	case []any:
		for i, child := range v {
			childPath := fmt.Sprintf("%s[%d]", path, i)
			d.walk(fieldName, childPath, child, minConfidence, out)
		}
	case string:
		if det, ok := d.classify(fieldName, path, v); ok && det.Confidence >= minConfidence {
			*out = append(*out, det)
		}
	}
}

// classify combines the field-name and content channels for a single string
// leaf value.
func (d *detector) classify(fieldName, path, value string) (detection, bool) {
	fieldKind, fieldMatched := lookupFieldName(fieldName)

	var contentKind domain.PIIKind
	contentMatched := false
	contentValidated := false

	for _, p := range d.patterns {
		loc := p.Regex.FindString(value)
		if loc == "" {
			continue
		}
		contentKind = p.Kind
		contentMatched = true
		if p.Validate != nil {
			contentValidated = p.Validate(loc)
		} else {
			contentValidated = true
		}
		if contentValidated {
			break
		}
	}

	switch {
	case fieldMatched && contentMatched && fieldKind == contentKind:
		return detection{Path: path, Kind: fieldKind, Value: value, Confidence: bothChannelsConfidence}, true
	case contentMatched && contentValidated:
		return detection{Path: path, Kind: contentKind, Value: value, Confidence: contentValidatedConfidence}, true
	case fieldMatched:
		return detection{Path: path, Kind: fieldKind, Value: value, Confidence: fieldNameConfidence}, true
	case contentMatched:
		return detection{Path: path, Kind: contentKind, Value: value, Confidence: contentConfidence}, true
	default:
		return detection{}, false
	}
}
