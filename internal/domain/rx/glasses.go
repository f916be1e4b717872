package rx

import (
	"strings"
	"time"

	"github.com/ehr/fmsync/internal/normalize"
)

// RxType is the normalized glasses prescription category.
type RxType string

const (
	RxDistance    RxType = "distance"
	RxNear        RxType = "near"
	RxBifocal     RxType = "bifocal"
	RxTrifocal    RxType = "trifocal"
	RxProgressive RxType = "progressive"
	RxComputer    RxType = "computer"
)

// ParseRxType maps free-text Rx descriptions onto the canonical types.
// Distance is the default.
func ParseRxType(value string) RxType {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "prog"):
		return RxProgressive
	case strings.Contains(v, "bifocal"):
		return RxBifocal
	case strings.Contains(v, "trifocal"):
		return RxTrifocal
	case strings.Contains(v, "near"), strings.Contains(v, "reading"):
		return RxNear
	case strings.Contains(v, "computer"):
		return RxComputer
	}
	return RxDistance
}

// PrismDirection is a prism base direction.
type PrismDirection string

const (
	BaseUp   PrismDirection = "BU"
	BaseDown PrismDirection = "BD"
	BaseIn   PrismDirection = "BI"
	BaseOut  PrismDirection = "BO"
)

// ParsePrismDirection maps the export's direction tokens ("BU", "Base Up",
// "UP") onto the two-letter codes. Empty when unrecognized.
func ParsePrismDirection(value string) PrismDirection {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "BU", "BASE UP", "UP":
		return BaseUp
	case "BD", "BASE DOWN", "DOWN":
		return BaseDown
	case "BI", "BASE IN", "IN":
		return BaseIn
	case "BO", "BASE OUT", "OUT":
		return BaseOut
	}
	return ""
}

// GlassesEye is one eye's spectacle parameters.
type GlassesEye struct {
	Sphere   *float64
	Cylinder *float64
	Axis     *int
	AddPower *float64

	PrismHorizontal    *float64
	PrismHorizontalDir PrismDirection
	PrismVertical      *float64
	PrismVerticalDir   PrismDirection

	PD         *float64
	VADistance *string
}

func (e *GlassesEye) empty() bool {
	return e == nil || (e.Sphere == nil && e.Cylinder == nil)
}

// GlassesRx is the canonical spectacle prescription for one export row.
type GlassesRx struct {
	SourceID        string
	PatientSourceID string

	OD *GlassesEye
	OS *GlassesEye

	RxType     RxType
	PDDistance *float64
	PDNear     *float64

	Prescriber     *string
	ExamDate       *time.Time
	ExpirationDate *time.Time

	LensMaterial   *string
	LensTreatments *string
	Notes          *string
}

// DefaultGlassesFieldMap covers the practice's glasses Rx export layout.
var DefaultGlassesFieldMap = normalize.FieldMap{
	"RxID":      "rx_id",
	"PatientID": "patient_id",

	"OD_Sphere":      "od_sphere",
	"OD_Cylinder":    "od_cylinder",
	"OD_Axis":        "od_axis",
	"OD_Add":         "od_add",
	"OD_Prism_H":     "od_prism_h",
	"OD_Prism_H_Dir": "od_prism_h_dir",
	"OD_Prism_V":     "od_prism_v",
	"OD_Prism_V_Dir": "od_prism_v_dir",
	"OD_VA":          "od_va",
	"OD_PD":          "od_pd",

	"OS_Sphere":      "os_sphere",
	"OS_Cylinder":    "os_cylinder",
	"OS_Axis":        "os_axis",
	"OS_Add":         "os_add",
	"OS_Prism_H":     "os_prism_h",
	"OS_Prism_H_Dir": "os_prism_h_dir",
	"OS_Prism_V":     "os_prism_v",
	"OS_Prism_V_Dir": "os_prism_v_dir",
	"OS_VA":          "os_va",
	"OS_PD":          "os_pd",

	"PD":      "pd_distance",
	"PD_Near": "pd_near",

	"RxType":       "rx_type",
	"Prescriber":   "prescriber",
	"ExamDate":     "exam_date",
	"ExpDate":      "expiration_date",
	"Notes":        "notes",
	"LensMaterial": "lens_material",
	"Treatments":   "lens_treatments",
}

// GlassesFromRecord builds the canonical glasses Rx from a raw source row.
// A nil fieldMap falls back to DefaultGlassesFieldMap. An eye block is only
// materialized when it carries a sphere or cylinder.
func GlassesFromRecord(raw map[string]string, fieldMap normalize.FieldMap) GlassesRx {
	if fieldMap == nil {
		fieldMap = DefaultGlassesFieldMap
	}
	m := fieldMap.Apply(raw)

	rx := GlassesRx{
		OD:             glassesEye(m, "od"),
		OS:             glassesEye(m, "os"),
		RxType:         ParseRxType(m["rx_type"]),
		PDDistance:     normalize.Float(m["pd_distance"]),
		PDNear:         normalize.Float(m["pd_near"]),
		Prescriber:     normalize.String(m["prescriber"]),
		ExamDate:       normalize.Date(m["exam_date"]),
		ExpirationDate: normalize.Date(m["expiration_date"]),
		LensMaterial:   normalize.String(m["lens_material"]),
		LensTreatments: normalize.String(m["lens_treatments"]),
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

func glassesEye(m map[string]string, prefix string) *GlassesEye {
	eye := &GlassesEye{
		Sphere:             normalize.Float(m[prefix+"_sphere"]),
		Cylinder:           normalize.Float(m[prefix+"_cylinder"]),
		Axis:               normalize.Int(m[prefix+"_axis"]),
		AddPower:           normalize.Float(m[prefix+"_add"]),
		PrismHorizontal:    normalize.Float(m[prefix+"_prism_h"]),
		PrismHorizontalDir: ParsePrismDirection(m[prefix+"_prism_h_dir"]),
		PrismVertical:      normalize.Float(m[prefix+"_prism_v"]),
		PrismVerticalDir:   ParsePrismDirection(m[prefix+"_prism_v_dir"]),
		PD:                 normalize.Float(m[prefix+"_pd"]),
		VADistance:         normalize.String(m[prefix+"_va"]),
	}
	if eye.empty() {
		return nil
	}
	return eye
}

// HasData reports whether either eye carries spectacle parameters.
func (rx GlassesRx) HasData() bool {
	return !rx.OD.empty() || !rx.OS.empty()
}

// Payload projects the prescription into the remote API's camelCase shape.
// Prism values are paired with their directions; an eye block always carries
// sphere/cylinder/axis, everything else only when present.
func (rx GlassesRx) Payload() map[string]any {
	data := map[string]any{
		"rxType": string(rx.RxType),
	}
	if rx.OD != nil {
		data["od"] = glassesEyePayload(rx.OD)
	}
	if rx.OS != nil {
		data["os"] = glassesEyePayload(rx.OS)
	}
	putFloat(data, "pdDistance", rx.PDDistance)
	putFloat(data, "pdNear", rx.PDNear)
	putString(data, "prescriber", rx.Prescriber)
	if rx.ExamDate != nil {
		data["examDate"] = rx.ExamDate.Format(dateLayout)
	}
	if rx.ExpirationDate != nil {
		data["expirationDate"] = rx.ExpirationDate.Format(dateLayout)
	}
	putString(data, "lensMaterial", rx.LensMaterial)
	putString(data, "lensTreatments", rx.LensTreatments)
	putString(data, "notes", rx.Notes)
	if rx.SourceID != "" {
		data["externalId"] = rx.SourceID
	}
	return data
}

func glassesEyePayload(e *GlassesEye) map[string]any {
	eye := map[string]any{}
	putFloat(eye, "sphere", e.Sphere)
	putFloat(eye, "cylinder", e.Cylinder)
	putInt(eye, "axis", e.Axis)
	putFloat(eye, "addPower", e.AddPower)
	if e.PrismHorizontal != nil {
		eye["prismHorizontal"] = *e.PrismHorizontal
		eye["prismHorizontalDirection"] = string(e.PrismHorizontalDir)
	}
	if e.PrismVertical != nil {
		eye["prismVertical"] = *e.PrismVertical
		eye["prismVerticalDirection"] = string(e.PrismVerticalDir)
	}
	putFloat(eye, "pd", e.PD)
	return eye
}
