package patient

import (
	"testing"
	"time"

	"github.com/ehr/fmsync/internal/normalize"
)

func TestFromRecord(t *testing.T) {
	raw := map[string]string{
		"PatientID":  "7081608",
		"First Name": " John ",
		"Last Name":  "Smith",
		"DOB":        "1990-01-15",
		"Sex":        "M",
		"Email":      "john@example.com",
		"Address":    "1 Main St",
		"City":       "Springfield",
		"State":      "IL",
		"Zip":        "62701",
		"Home Phone": "555-0100",
		"Cell":       "555-0101",
	}

	p := FromRecord(raw, nil)

	if p.SourceID != "7081608" {
		t.Errorf("SourceID = %q", p.SourceID)
	}
	if p.FirstName != "John" || p.LastName != "Smith" {
		t.Errorf("name = %q %q", p.FirstName, p.LastName)
	}
	want := time.Date(1990, 1, 15, 0, 0, 0, 0, time.UTC)
	if p.DateOfBirth == nil || !p.DateOfBirth.Equal(want) {
		t.Errorf("DateOfBirth = %v", p.DateOfBirth)
	}
	if p.Gender != GenderMale {
		t.Errorf("Gender = %q", p.Gender)
	}
	if p.Address == nil || p.Address.City != "Springfield" || p.Address.Country != "US" {
		t.Errorf("Address = %+v", p.Address)
	}
	if p.HomePhone == nil || *p.HomePhone != "555-0100" {
		t.Errorf("HomePhone = %v", p.HomePhone)
	}
	if p.MobilePhone == nil || *p.MobilePhone != "555-0101" {
		t.Errorf("MobilePhone = %v", p.MobilePhone)
	}
}

func TestFromRecordDefaults(t *testing.T) {
	p := FromRecord(map[string]string{"PatientID": "1", "DOB": "garbage"}, nil)

	if p.FirstName != "Unknown" || p.LastName != "Unknown" {
		t.Errorf("names should default, got %q %q", p.FirstName, p.LastName)
	}
	if p.DateOfBirth != nil {
		t.Errorf("unparseable DOB should be absent, got %v", p.DateOfBirth)
	}
	if p.DOBString() != "1900-01-01" {
		t.Errorf("DOBString = %q, want placeholder", p.DOBString())
	}
	if p.Gender != GenderUnknown {
		t.Errorf("Gender = %q", p.Gender)
	}
	if p.Address != nil {
		t.Errorf("no address fields should mean nil Address, got %+v", p.Address)
	}
}

func TestFromRecordCustomFieldMap(t *testing.T) {
	fm := normalize.FieldMap{"Pt_Num": "patient_id", "Surname": "last_name"}
	p := FromRecord(map[string]string{"Pt_Num": "42", "Surname": "Doe"}, fm)
	if p.SourceID != "42" || p.LastName != "Doe" {
		t.Errorf("custom map not applied: %+v", p)
	}
}

func TestParseGender(t *testing.T) {
	tests := []struct {
		in   string
		want Gender
	}{
		{"M", GenderMale},
		{"male", GenderMale},
		{"1", GenderMale},
		{" F ", GenderFemale},
		{"Female", GenderFemale},
		{"2", GenderFemale},
		{"o", GenderOther},
		{"", GenderUnknown},
		{"x", GenderUnknown},
	}
	for _, tt := range tests {
		if got := ParseGender(tt.in); got != tt.want {
			t.Errorf("ParseGender(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPayload(t *testing.T) {
	dob := time.Date(1990, 1, 15, 0, 0, 0, 0, time.UTC)
	email := "jane@example.com"
	mobile := "555-0102"
	p := Patient{
		SourceID:    "7081609",
		FirstName:   "Jane",
		LastName:    "Doe",
		DateOfBirth: &dob,
		Gender:      GenderFemale,
		Email:       &email,
		MobilePhone: &mobile,
		Address: &Address{
			Street1: "1 Main St", City: "Springfield", State: "IL",
			PostalCode: "62701", Country: "US",
		},
	}

	data := p.Payload()

	if data["firstName"] != "Jane" || data["dateOfBirth"] != "1990-01-15" {
		t.Errorf("payload = %v", data)
	}
	if data["gender"] != "female" {
		t.Errorf("gender = %v", data["gender"])
	}
	if data["externalId"] != "7081609" {
		t.Errorf("externalId = %v", data["externalId"])
	}
	addr, ok := data["address"].(map[string]any)
	if !ok || addr["postalCode"] != "62701" {
		t.Errorf("address = %v", data["address"])
	}
	if _, present := addr["street2"]; present {
		t.Error("absent street2 should be omitted")
	}
	phones, ok := data["phones"].(map[string]any)
	if !ok || phones["mobilePhone"] != "555-0102" {
		t.Errorf("phones = %v", data["phones"])
	}
	if _, present := phones["homePhone"]; present {
		t.Error("absent homePhone should be omitted")
	}
}

func TestPayloadOmitsUnknownGender(t *testing.T) {
	p := Patient{FirstName: "A", LastName: "B", Gender: GenderUnknown}
	if _, present := p.Payload()["gender"]; present {
		t.Error("unknown gender should be omitted from payload")
	}
	if _, present := p.Payload()["phones"]; present {
		t.Error("empty phones block should be omitted")
	}
}

func TestFullName(t *testing.T) {
	mid := "Q"
	p := Patient{FirstName: "John", MiddleName: &mid, LastName: "Smith"}
	if p.FullName() != "John Q Smith" {
		t.Errorf("FullName = %q", p.FullName())
	}
}
