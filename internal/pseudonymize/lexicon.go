package pseudonymize

import (
	"regexp"
	"strings"

	"github.com/recordguard/recordguard/internal/domain"
)

// fieldLexicon maps a field-name hint (lower-cased, punctuation-stripped) to
// the PII kind it signals. Matching against this table is the field-name
// detection channel described alongside the content-regex channel.
var fieldLexicon = map[string]domain.PIIKind{
	"name":             domain.PIIName,
	"fullname":         domain.PIIName,
	"firstname":        domain.PIIName,
	"lastname":         domain.PIIName,
	"email":            domain.PIIEmail,
	"emailaddress":     domain.PIIEmail,
	"phone":            domain.PIIPhone,
	"phonenumber":      domain.PIIPhone,
	"mobile":           domain.PIIPhone,
	"ssn":              domain.PIISSN,
	"socialsecurity":   domain.PIISSN,
	"passport":         domain.PIIPassport,
	"passportnumber":   domain.PIIPassport,
	"driverslicense":   domain.PIIDriverLicense,
	"licensenumber":    domain.PIIDriverLicense,
	"nationalid":       domain.PIINationalID,
	"nationalidnumber": domain.PIINationalID,
	"address":          domain.PIIStreetAddress,
	"streetaddress":    domain.PIIStreetAddress,
	"postalcode":       domain.PIIPostalCode,
	"zip":              domain.PIIPostalCode,
	"zipcode":          domain.PIIPostalCode,
	"ip":               domain.PIIIP,
	"ipaddress":        domain.PIIIP,
	"creditcard":       domain.PIICreditCard,
	"cardnumber":       domain.PIICreditCard,
	"bankaccount":      domain.PIIBankAccount,
	"accountnumber":    domain.PIIBankAccount,
	"routing":          domain.PIIRouting,
	"routingnumber":    domain.PIIRouting,
	"iban":             domain.PIIIBAN,
	"swift":            domain.PIISWIFT,
	"swiftcode":        domain.PIISWIFT,
	"bic":              domain.PIISWIFT,
	"username":         domain.PIIUsername,
	"login":            domain.PIIUsername,
	"medicalrecordno":  domain.PIIMedicalRecordNo,
	"mrn":              domain.PIIMedicalRecordNo,
	"vin":              domain.PIIVIN,
	"vehicleid":        domain.PIIVIN,
	"gps":              domain.PIIGPS,
	"coordinates":      domain.PIIGPS,
	"location":         domain.PIIGPS,
	"biometric":        domain.PIIBiometric,
	"fingerprint":      domain.PIIBiometric,
	"customerid":       domain.PIICustomerID,
	"clientid":         domain.PIICustomerID,
	"employeeid":       domain.PIIEmployeeID,
	"staffid":          domain.PIIEmployeeID,
}

// normalizeFieldName strips everything but letters/digits and lower-cases,
// so "Full Name", "full_name", and "fullName" all resolve to "fullname".
func normalizeFieldName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lookupFieldName returns the PII kind signaled by a field name, and whether
// one was found.
func lookupFieldName(name string) (domain.PIIKind, bool) {
	k, ok := fieldLexicon[normalizeFieldName(name)]
	return k, ok
}

// contentPattern pairs a compiled content regex with an optional validator
// that reduces false positives (Luhn for credit cards, checksum rules for
// SSNs, entropy floor for generic secrets).
type contentPattern struct {
	Kind     domain.PIIKind
	Regex    *regexp.Regexp
	Validate func(match string) bool
}

// contentPatterns returns the content-regex detection channel, one or more
// patterns per PII kind.
func contentPatterns() []contentPattern {
	return []contentPattern{
		{Kind: domain.PIIEmail, Regex: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
		{Kind: domain.PIIPhone, Regex: regexp.MustCompile(`(?:\+[1-9]\d{1,14})|(?:\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4})`)},
		{Kind: domain.PIISSN, Regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Validate: validateSSN},
		{Kind: domain.PIICreditCard, Regex: regexp.MustCompile(`\b(?:\d[\s\-]?){13,19}\b`), Validate: validateCreditCard},
		{Kind: domain.PIIIBAN, Regex: regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{10,30}\b`)},
		{Kind: domain.PIISWIFT, Regex: regexp.MustCompile(`\b[A-Z]{6}[A-Z0-9]{2}(?:[A-Z0-9]{3})?\b`)},
		{Kind: domain.PIIIP, Regex: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
		{Kind: domain.PIIVIN, Regex: regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`)},
		{Kind: domain.PIIGPS, Regex: regexp.MustCompile(`-?\d{1,3}\.\d{4,},\s*-?\d{1,3}\.\d{4,}`)},
	}
}

// validateSSN checks that a matched SSN is not an obviously invalid number.
func validateSSN(match string) bool {
	if len(match) != 11 {
		return false
	}
	area := match[0:3]
	group := match[4:6]
	serial := match[7:11]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	if group == "00" || serial == "0000" {
		return false
	}
	return true
}

// validateCreditCard strips separators and runs the Luhn checksum.
func validateCreditCard(match string) bool {
	var digits strings.Builder
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	cleaned := digits.String()
	if len(cleaned) < 13 || len(cleaned) > 19 {
		return false
	}
	return luhnCheck(cleaned)
}

// luhnCheck performs the Luhn algorithm on a string of digits.
func luhnCheck(number string) bool {
	sum := 0
	alt := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}
