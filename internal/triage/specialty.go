package triage

import "strings"

// Specialty is a closed set of consultation specialties. An appointment's
// specialty is either one of these or unset.
type Specialty string

const (
	SpecialtyGeneralPhysician Specialty = "General Physician"
	SpecialtyCardiology       Specialty = "Cardiology"
	SpecialtyDermatology      Specialty = "Dermatology"
	SpecialtyNeurology        Specialty = "Neurology"
	SpecialtyOrthopedics      Specialty = "Orthopedics"
	SpecialtyPediatrics       Specialty = "Pediatrics"
	SpecialtyPsychiatry       Specialty = "Psychiatry"
	SpecialtyGastroenterology Specialty = "Gastroenterology"
	SpecialtyPulmonology      Specialty = "Pulmonology"
	SpecialtyENT              Specialty = "ENT"
)

// Specialties lists every supported specialty.
func Specialties() []Specialty {
	return []Specialty{
		SpecialtyGeneralPhysician,
		SpecialtyCardiology,
		SpecialtyDermatology,
		SpecialtyNeurology,
		SpecialtyOrthopedics,
		SpecialtyPediatrics,
		SpecialtyPsychiatry,
		SpecialtyGastroenterology,
		SpecialtyPulmonology,
		SpecialtyENT,
	}
}

// ParseSpecialty matches a free-form string against the closed set,
// case-insensitively. Returns false when the value is not in the set.
func ParseSpecialty(s string) (Specialty, bool) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for _, sp := range Specialties() {
		if strings.ToLower(string(sp)) == needle {
			return sp, true
		}
	}
	return "", false
}
