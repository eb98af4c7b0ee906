package pseudonymize

import (
	"testing"

	"github.com/recordguard/recordguard/internal/domain"
)

// ---------------------------------------------------------------------------
// Field-name channel
// ---------------------------------------------------------------------------

func TestDetector_FieldNameChannel(t *testing.T) {
	d := newDetector()
	record := domain.Record{
		"email": "not-actually-an-email-shaped-string",
	}

	dets := d.detect(record, 0.70)
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}
	if dets[0].Kind != domain.PIIEmail {
		t.Errorf("got kind %s, want %s", dets[0].Kind, domain.PIIEmail)
	}
}

// ---------------------------------------------------------------------------
// Content channel
// ---------------------------------------------------------------------------

func TestDetector_ContentChannel(t *testing.T) {
	d := newDetector()
	record := domain.Record{
		"notes": "reach out at jane.doe@example.com for follow up",
	}

	dets := d.detect(record, 0.50)
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}
	if dets[0].Kind != domain.PIIEmail {
		t.Errorf("got kind %s, want %s", dets[0].Kind, domain.PIIEmail)
	}
	if dets[0].Value != "reach out at jane.doe@example.com for follow up" {
		t.Errorf("got value %q", dets[0].Value)
	}
}

func TestDetector_CreditCardRequiresLuhn(t *testing.T) {
	d := newDetector()
	record := domain.Record{
		// Fails Luhn: not a valid card number.
		"card": "4111 1111 1111 1112",
	}

	// A Luhn-rejected content hit scores contentConfidence (0.55), so a
	// threshold above it must leave the field undetected.
	dets := d.detect(record, 0.60)
	if len(dets) != 0 {
		t.Fatalf("expected invalid card number to be rejected, got %d detections", len(dets))
	}
}

func TestDetector_CreditCardValidLuhn(t *testing.T) {
	d := newDetector()
	record := domain.Record{
		"card": "4111 1111 1111 1111",
	}

	dets := d.detect(record, 0.50)
	if len(dets) != 1 || dets[0].Kind != domain.PIICreditCard {
		t.Fatalf("expected a credit-card detection, got %+v", dets)
	}
}

// ---------------------------------------------------------------------------
// Confidence gating and nesting
// ---------------------------------------------------------------------------

func TestDetector_BothChannelsBoostConfidence(t *testing.T) {
	d := newDetector()
	record := domain.Record{
		"email": "jane@example.com",
	}

	dets := d.detect(record, 0.90)
	if len(dets) != 1 {
		t.Fatalf("expected a high-confidence detection when both channels agree, got %d", len(dets))
	}
}

func TestDetector_ThresholdExcludesWeakMatches(t *testing.T) {
	d := newDetector()
	record := domain.Record{
		"note": "server replied with 192.168.1.1 after retry",
	}

	dets := d.detect(record, 0.99)
	if len(dets) != 0 {
		t.Fatalf("expected no detections above an unreachable threshold, got %d", len(dets))
	}
}

func TestDetector_RecursesIntoNestedStructures(t *testing.T) {
	d := newDetector()
	record := domain.Record{
		"customer": map[string]any{
			"email": "nested@example.com",
			"tags":  []any{"vip", "contact: other@example.com"},
		},
	}

	dets := d.detect(record, 0.50)
	if len(dets) < 2 {
		t.Fatalf("expected detections in both the nested field and the array element, got %d: %+v", len(dets), dets)
	}
}

func TestDetector_NoFalsePositiveOnPlainText(t *testing.T) {
	d := newDetector()
	record := domain.Record{
		"summary": "customer called about a billing question",
	}

	dets := d.detect(record, 0.70)
	if len(dets) != 0 {
		t.Fatalf("expected no detections in plain text, got %+v", dets)
	}
}
