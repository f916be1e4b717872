package patient

import (
	"time"

	"github.com/ehr/fmsync/internal/normalize"
)

const dateLayout = "2006-01-02"

// defaultDOB stands in for records whose date of birth did not survive the
// export; the remote system requires one.
var defaultDOB = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultFieldMap covers the field names seen across the practice's export
// layouts. Schemas drift between FileMaker layouts, so several spellings map
// to each canonical name; deployments override this through configuration.
var DefaultFieldMap = normalize.FieldMap{
	"First Name":      "first_name",
	"FirstName":       "first_name",
	"Last Name":       "last_name",
	"LastName":        "last_name",
	"Middle Name":     "middle_name",
	"MiddleName":      "middle_name",
	"DOB":             "date_of_birth",
	"Date of Birth":   "date_of_birth",
	"DateOfBirth":     "date_of_birth",
	"Gender":          "gender",
	"Sex":             "gender",
	"SSN":             "ssn",
	"Social Security": "ssn",
	"Email":           "email",
	"EmailAddress":    "email",

	"Address":     "street1",
	"Address1":    "street1",
	"Street":      "street1",
	"Address2":    "street2",
	"City":        "city",
	"State":       "state",
	"Zip":         "postal_code",
	"ZipCode":     "postal_code",
	"Postal Code": "postal_code",

	"Phone":      "home_phone",
	"Home Phone": "home_phone",
	"HomePhone":  "home_phone",
	"Work Phone": "work_phone",
	"WorkPhone":  "work_phone",
	"Cell":       "mobile_phone",
	"Cell Phone": "mobile_phone",
	"CellPhone":  "mobile_phone",
	"Mobile":     "mobile_phone",

	"PatientID":  "patient_id",
	"Patient ID": "patient_id",
	"ID":         "patient_id",
}

// FromRecord builds the canonical patient from a raw source row. A nil
// fieldMap falls back to DefaultFieldMap. Missing names default to "Unknown"
// and a missing DOB to 1900-01-01 so a malformed row still yields a record
// the engine can account for.
func FromRecord(raw map[string]string, fieldMap normalize.FieldMap) Patient {
	if fieldMap == nil {
		fieldMap = DefaultFieldMap
	}
	m := fieldMap.Apply(raw)

	p := Patient{
		FirstName:   stringOr(m["first_name"], "Unknown"),
		MiddleName:  normalize.String(m["middle_name"]),
		LastName:    stringOr(m["last_name"], "Unknown"),
		DateOfBirth: normalize.Date(m["date_of_birth"]),
		Gender:      ParseGender(m["gender"]),
		SSN:         normalize.String(m["ssn"]),
		Email:       normalize.String(m["email"]),
		HomePhone:   normalize.String(m["home_phone"]),
		WorkPhone:   normalize.String(m["work_phone"]),
		MobilePhone: normalize.String(m["mobile_phone"]),
	}
	if id := normalize.String(m["patient_id"]); id != nil {
		p.SourceID = *id
	}

	if normalize.String(m["street1"]) != nil || normalize.String(m["city"]) != nil {
		p.Address = &Address{
			Street1:    valueOr(normalize.String(m["street1"])),
			Street2:    normalize.String(m["street2"]),
			City:       valueOr(normalize.String(m["city"])),
			State:      valueOr(normalize.String(m["state"])),
			PostalCode: valueOr(normalize.String(m["postal_code"])),
			Country:    "US",
		}
	}
	return p
}

// DOBString renders the date of birth as YYYY-MM-DD, falling back to the
// 1900-01-01 placeholder when absent.
func (p Patient) DOBString() string {
	if p.DateOfBirth == nil {
		return defaultDOB.Format(dateLayout)
	}
	return p.DateOfBirth.Format(dateLayout)
}

// Payload projects the patient into the remote API's camelCase shape.
// Absent optional fields are omitted; the legacy key rides along as
// externalId for cross-system traceability.
func (p Patient) Payload() map[string]any {
	data := map[string]any{
		"firstName":   p.FirstName,
		"lastName":    p.LastName,
		"dateOfBirth": p.DOBString(),
	}
	if p.MiddleName != nil {
		data["middleName"] = *p.MiddleName
	}
	if p.Gender != GenderUnknown {
		data["gender"] = string(p.Gender)
	}
	if p.Email != nil {
		data["email"] = *p.Email
	}
	if p.SSN != nil {
		data["ssn"] = *p.SSN
	}
	if p.Address != nil {
		addr := map[string]any{
			"street1":    p.Address.Street1,
			"city":       p.Address.City,
			"state":      p.Address.State,
			"postalCode": p.Address.PostalCode,
			"country":    p.Address.Country,
		}
		if p.Address.Street2 != nil {
			addr["street2"] = *p.Address.Street2
		}
		data["address"] = addr
	}

	phones := map[string]any{}
	if p.HomePhone != nil {
		phones["homePhone"] = *p.HomePhone
	}
	if p.WorkPhone != nil {
		phones["workPhone"] = *p.WorkPhone
	}
	if p.MobilePhone != nil {
		phones["mobilePhone"] = *p.MobilePhone
	}
	if len(phones) > 0 {
		data["phones"] = phones
	}

	if p.SourceID != "" {
		data["externalId"] = p.SourceID
	}
	return data
}

func stringOr(value, fallback string) string {
	if s := normalize.String(value); s != nil {
		return *s
	}
	return fallback
}

func valueOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
