package testutil

import "github.com/recordguard/recordguard/internal/domain"

// SampleRecordS1 is spec scenario S1's input record: a small customer
// profile with a name, email, and one nested transaction.
func SampleRecordS1() domain.Record {
	return domain.Record{
		"customer_id": "C001",
		"name":        "Tech Solutions Inc",
		"email":       "info@ts.com",
		"transactions": []any{
			map[string]any{"amount": 5000, "type": "credit"},
		},
	}
}

// SampleRecordS5A and SampleRecordS5B are scenario S5's pair: identical
// except for customer_id, used to confirm pseudonymized tokens diverge
// only where the input diverges.
func SampleRecordS5A() domain.Record {
	return domain.Record{
		"customer_id": "C100",
		"name":        "Riverside Clinic",
		"email":       "contact@riverside-clinic.example",
	}
}

func SampleRecordS5B() domain.Record {
	return domain.Record{
		"customer_id": "C200",
		"name":        "Riverside Clinic",
		"email":       "contact@riverside-clinic.example",
	}
}

// SampleRecordWithFullPII exercises a wider spread of PIIKind detectors in
// one record: name, email, phone, SSN, and a nested address block.
func SampleRecordWithFullPII() domain.Record {
	return domain.Record{
		"customer_id": "C777",
		"name":        "Jordan Avery",
		"email":       "jordan.avery@example.com",
		"phone":       "+1-555-0182",
		"ssn":         "123-45-6789",
		"address": map[string]any{
			"street":      "742 Evergreen Terrace",
			"postal_code": "97403",
		},
	}
}

// SamplePipelineRequest wraps a record in a PipelineRequest with every
// stage enabled, context tag "support-ticket".
func SamplePipelineRequest(record domain.Record) domain.PipelineRequest {
	return domain.PipelineRequest{
		RequestID: "req-test-0001",
		Input:     record,
		Config: domain.PipelineConfig{
			EnableEnrichment:         false,
			EnableLearning:           true,
			EnableBlockingValidation: true,
			RepersonalizeOnExit:      true,
			ContextTag:               "support-ticket",
			GenerationType:           "summary",
			ValidatorMode:            domain.ValidatorStrict,
			RetryPolicy:              domain.RetryPolicy{MaxAttempts: 1},
		},
	}
}

// SampleApprovedVerdict returns a passing ValidationVerdict above the
// default 0.65 quality gate.
func SampleApprovedVerdict() domain.ValidationVerdict {
	return domain.ValidationVerdict{
		OverallScore: 0.82,
		PerCriterion: map[domain.CriterionName]float64{
			domain.CriterionClarity:    0.85,
			domain.CriterionStructural: 0.80,
			domain.CriterionRelevance:  0.81,
		},
		QualityLevel: domain.QualityHigh,
		Approved:     true,
		Rationale:    "meets all criterion thresholds",
	}
}

// SampleRejectedVerdict returns a failing ValidationVerdict, as scenario
// S3's first attempt would produce when the structural criterion is weak.
func SampleRejectedVerdict() domain.ValidationVerdict {
	return domain.ValidationVerdict{
		OverallScore: 0.42,
		PerCriterion: map[domain.CriterionName]float64{
			domain.CriterionClarity:    0.60,
			domain.CriterionStructural: 0.20,
			domain.CriterionRelevance:  0.55,
		},
		QualityLevel: domain.QualityPoor,
		Approved:     false,
		Rationale:    "structural criterion below threshold: missing section markers",
	}
}
