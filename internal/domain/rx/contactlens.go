// Package rx holds the canonical contact lens and glasses prescriptions
// assembled from dedicated legacy Rx export files.
package rx

import (
	"strings"
	"time"

	"github.com/ehr/fmsync/internal/normalize"
)

const dateLayout = "2006-01-02"

// LensType is the normalized contact lens category.
type LensType string

const (
	LensSoft    LensType = "soft"
	LensRGP     LensType = "rgp"
	LensHybrid  LensType = "hybrid"
	LensScleral LensType = "scleral"
	LensOrthoK  LensType = "ortho_k"
)

// ParseLensType maps free-text lens descriptions onto the canonical types.
// Soft is the default; the legacy data rarely states it explicitly.
func ParseLensType(value string) LensType {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "rgp"), strings.Contains(v, "rigid"):
		return LensRGP
	case strings.Contains(v, "hybrid"):
		return LensHybrid
	case strings.Contains(v, "scleral"):
		return LensScleral
	case strings.Contains(v, "ortho"):
		return LensOrthoK
	}
	return LensSoft
}

// WearSchedule is the lens replacement schedule.
type WearSchedule string

const (
	WearDaily     WearSchedule = "daily_disposable"
	WearBiWeekly  WearSchedule = "bi_weekly"
	WearMonthly   WearSchedule = "monthly"
	WearQuarterly WearSchedule = "quarterly"
	WearAnnual    WearSchedule = "annual"
)

// ParseWearSchedule maps free-text schedules onto the canonical values.
// Empty when unrecognized.
func ParseWearSchedule(value string) WearSchedule {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "daily"):
		return WearDaily
	case strings.Contains(v, "bi-weekly"), strings.Contains(v, "biweekly"), strings.Contains(v, "2 week"):
		return WearBiWeekly
	case strings.Contains(v, "month"):
		return WearMonthly
	case strings.Contains(v, "quarter"):
		return WearQuarterly
	case strings.Contains(v, "year"), strings.Contains(v, "annual"):
		return WearAnnual
	}
	return ""
}

// ContactLensEye is one eye's lens parameters. All values are optional; the
// exports routinely leave cells blank.
type ContactLensEye struct {
	Sphere    *float64
	Cylinder  *float64
	Axis      *int
	AddPower  *float64
	BaseCurve *float64
	Diameter  *float64
	Brand     *string
}

func (e *ContactLensEye) empty() bool {
	return e == nil || (e.Sphere == nil && e.Cylinder == nil && e.BaseCurve == nil)
}

// ContactLensRx is the canonical contact lens prescription for one export
// row. SourceID is the legacy Rx key; PatientSourceID links back to the
// patient the identity map resolves.
type ContactLensRx struct {
	SourceID        string
	PatientSourceID string

	OD *ContactLensEye
	OS *ContactLensEye

	LensType     LensType
	WearSchedule WearSchedule

	Prescriber     *string
	ExamDate       *time.Time
	ExpirationDate *time.Time
	Notes          *string
}

// DefaultContactLensFieldMap covers the practice's CL Rx export layout.
var DefaultContactLensFieldMap = normalize.FieldMap{
	"RxID":      "rx_id",
	"PatientID": "patient_id",

	"OD_Sphere":   "od_sphere",
	"OD_Cylinder": "od_cylinder",
	"OD_Axis":     "od_axis",
	"OD_Add":      "od_add",
	"OD_BC":       "od_base_curve",
	"OD_Dia":      "od_diameter",
	"OD_Brand":    "od_brand",

	"OS_Sphere":   "os_sphere",
	"OS_Cylinder": "os_cylinder",
	"OS_Axis":     "os_axis",
	"OS_Add":      "os_add",
	"OS_BC":       "os_base_curve",
	"OS_Dia":      "os_diameter",
	"OS_Brand":    "os_brand",

	"Prescriber":   "prescriber",
	"ExamDate":     "exam_date",
	"ExpDate":      "expiration_date",
	"LensType":     "lens_type",
	"WearSchedule": "wear_schedule",
	"Notes":        "notes",
}

// ContactLensFromRecord builds the canonical CL Rx from a raw source row.
// A nil fieldMap falls back to DefaultContactLensFieldMap. An eye block is
// only materialized when it carries at least a sphere, cylinder or base
// curve.
func ContactLensFromRecord(raw map[string]string, fieldMap normalize.FieldMap) ContactLensRx {
	if fieldMap == nil {
		fieldMap = DefaultContactLensFieldMap
	}
	m := fieldMap.Apply(raw)

	rx := ContactLensRx{
		OD:             clEye(m, "od"),
		OS:             clEye(m, "os"),
		LensType:       ParseLensType(m["lens_type"]),
		WearSchedule:   ParseWearSchedule(m["wear_schedule"]),
		Prescriber:     normalize.String(m["prescriber"]),
		ExamDate:       normalize.Date(m["exam_date"]),
		ExpirationDate: normalize.Date(m["expiration_date"]),
		Notes:          normalize.String(m["notes"]),
	}
	if id := normalize.String(m["rx_id"]); id != nil {
		rx.SourceID = *id
	}
	if id := normalize.String(m["patient_id"]); id != nil {
		rx.PatientSourceID = *id
	}
	return rx
}

func clEye(m map[string]string, prefix string) *ContactLensEye {
	eye := &ContactLensEye{
		Sphere:    normalize.Float(m[prefix+"_sphere"]),
		Cylinder:  normalize.Float(m[prefix+"_cylinder"]),
		Axis:      normalize.Int(m[prefix+"_axis"]),
		AddPower:  normalize.Float(m[prefix+"_add"]),
		BaseCurve: normalize.Float(m[prefix+"_base_curve"]),
		Diameter:  normalize.Float(m[prefix+"_diameter"]),
		Brand:     normalize.String(m[prefix+"_brand"]),
	}
	if eye.empty() {
		return nil
	}
	return eye
}

// HasData reports whether either eye carries lens parameters.
func (rx ContactLensRx) HasData() bool {
	return !rx.OD.empty() || !rx.OS.empty()
}

// Payload projects the prescription into the remote API's camelCase shape.
func (rx ContactLensRx) Payload() map[string]any {
	data := map[string]any{
		"lensType": string(rx.LensType),
	}
	if rx.OD != nil {
		data["od"] = clEyePayload(rx.OD)
	}
	if rx.OS != nil {
		data["os"] = clEyePayload(rx.OS)
	}
	if rx.WearSchedule != "" {
		data["wearSchedule"] = string(rx.WearSchedule)
	}
	if rx.Prescriber != nil {
		data["prescriber"] = *rx.Prescriber
	}
	if rx.ExamDate != nil {
		data["examDate"] = rx.ExamDate.Format(dateLayout)
	}
	if rx.ExpirationDate != nil {
		data["expirationDate"] = rx.ExpirationDate.Format(dateLayout)
	}
	if rx.Notes != nil {
		data["notes"] = *rx.Notes
	}
	if rx.SourceID != "" {
		data["externalId"] = rx.SourceID
	}
	return data
}

func clEyePayload(e *ContactLensEye) map[string]any {
	eye := map[string]any{}
	putFloat(eye, "sphere", e.Sphere)
	putFloat(eye, "cylinder", e.Cylinder)
	putInt(eye, "axis", e.Axis)
	putFloat(eye, "addPower", e.AddPower)
	putFloat(eye, "baseCurve", e.BaseCurve)
	putFloat(eye, "diameter", e.Diameter)
	putString(eye, "brand", e.Brand)
	return eye
}

func putFloat(m map[string]any, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

func putInt(m map[string]any, key string, v *int) {
	if v != nil {
		m[key] = *v
	}
}

func putString(m map[string]any, key string, v *string) {
	if v != nil {
		m[key] = *v
	}
}
