// Package patient holds the canonical patient record assembled from legacy
// export rows and its projection into the remote EHR payload shape.
package patient

import (
	"strings"
	"time"
)

// Gender is the normalized patient gender.
type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderOther   Gender = "other"
	GenderUnknown Gender = "unknown"
)

// ParseGender maps the legacy export's gender tokens ("M", "Female", "2")
// onto the canonical values. Anything unrecognized is unknown.
func ParseGender(value string) Gender {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "m", "male", "1":
		return GenderMale
	case "f", "female", "2":
		return GenderFemale
	case "o", "other", "3":
		return GenderOther
	}
	return GenderUnknown
}

// Address is the patient's home address as exported.
type Address struct {
	Street1    string
	Street2    *string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Patient is the canonical record for one source row. SourceID is the legacy
// system's patient key; RemoteID is filled once the record is matched or
// created remotely.
type Patient struct {
	SourceID string
	RemoteID string

	FirstName   string
	MiddleName  *string
	LastName    string
	DateOfBirth *time.Time
	Gender      Gender
	SSN         *string
	Email       *string

	Address *Address

	HomePhone   *string
	WorkPhone   *string
	MobilePhone *string
}

// FullName joins first, middle and last names.
func (p Patient) FullName() string {
	parts := []string{p.FirstName}
	if p.MiddleName != nil {
		parts = append(parts, *p.MiddleName)
	}
	parts = append(parts, p.LastName)
	return strings.Join(parts, " ")
}
