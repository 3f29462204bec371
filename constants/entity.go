package constants

import "strings"

// EntityType names a PII category reported by the detection service.
type EntityType string

const (
	CreditCard      EntityType = "CREDIT_CARD"
	IBANCode        EntityType = "IBAN_CODE"
	USSSN           EntityType = "US_SSN"
	USPassport      EntityType = "US_PASSPORT"
	USDriverLicense EntityType = "US_DRIVER_LICENSE"
	USBankNumber    EntityType = "US_BANK_NUMBER"
	Crypto          EntityType = "CRYPTO"
	MedicalLicense  EntityType = "MEDICAL_LICENSE"
	EmailAddress    EntityType = "EMAIL_ADDRESS"
	PhoneNumber     EntityType = "PHONE_NUMBER"
	IPAddress       EntityType = "IP_ADDRESS"
	URL             EntityType = "URL"
	Person          EntityType = "PERSON"
	Organization    EntityType = "ORGANIZATION"
	Location        EntityType = "LOCATION"
	NRP             EntityType = "NRP"
	DateTime        EntityType = "DATE_TIME"
)

// specificity orders entity types from most to least specific. Types not
// listed rank below every listed one.
var specificity = []EntityType{
	CreditCard,
	IBANCode,
	USSSN,
	USPassport,
	USDriverLicense,
	USBankNumber,
	Crypto,
	MedicalLicense,
	EmailAddress,
	PhoneNumber,
	IPAddress,
	URL,
	Person,
	Organization,
	Location,
	NRP,
	DateTime,
}

var specificityRank = func() map[EntityType]int {
	m := make(map[EntityType]int, len(specificity))
	for i, t := range specificity {
		m[t] = len(specificity) - i
	}
	return m
}()

// Specificity returns a rank where higher means more specific; unknown types rank 0.
func Specificity(t EntityType) int {
	return specificityRank[t]
}

// KnownEntityTypes returns the ranked entity types as strings.
func KnownEntityTypes() []string {
	out := make([]string, len(specificity))
	for i, t := range specificity {
		out[i] = string(t)
	}
	return out
}

// CanonicalEntityType upper-cases and trims a detector label.
func CanonicalEntityType(label string) EntityType {
	return EntityType(strings.ToUpper(strings.TrimSpace(label)))
}
