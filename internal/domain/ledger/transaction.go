// Package ledger parses the practice's 38-column financial transaction
// export. Besides the charge itself, each row embeds the contact lens
// prescription dispensed at that visit (one primary and one alternate block
// per eye), which is the only Rx record many historical patients have.
package ledger

import (
	"time"

	"github.com/ehr/fmsync/internal/normalize"
)

const dateLayout = "2006-01-02"

// Lens holds one eye's dispensed lens parameters. Values stay as cleaned
// strings: the legacy cells mix numbers with annotations ("8.6/8.9",
// "-2.25 DS") that must survive verbatim.
type Lens struct {
	Name      *string
	BaseCurve *string
	Diameter  *string
	Sphere    *string
	Cylinder  *string
	Axis      *string
	AddPower  *string
	Quantity  *int
}

// HasData reports whether the block was filled in at all. A lens name or a
// sphere is the minimum the practice ever recorded.
func (l Lens) HasData() bool {
	return l.Name != nil || l.Sphere != nil
}

// Transaction is one ledger row.
type Transaction struct {
	TransactionNum string
	PatientID      string
	Date           *time.Time

	Doctor         *string
	ExamProc       *string
	CLFittingProc  *string
	ExpirationDate *time.Time

	OD    Lens
	OS    Lens
	ODAlt Lens
	OSAlt Lens

	Notes *string
}

// HasContactLensRx reports whether the row carries anything worth uploading
// as a contact lens prescription. A fitting procedure code alone counts:
// those rows record a fit whose parameters live in the notes.
func (t Transaction) HasContactLensRx() bool {
	return t.OD.HasData() || t.OS.HasData() ||
		t.ODAlt.HasData() || t.OSAlt.HasData() ||
		t.CLFittingProc != nil
}

// DefaultPositionMap is the 38-column transactions export layout: identity
// columns, provider columns, four seven-or-eight-column lens blocks, then
// notes. The alternate blocks carry no quantity column.
var DefaultPositionMap = normalize.PositionMap{
	0: "transaction_num",
	1: "patient_id",
	2: "date",

	3: "doctor",
	4: "exam_proc",
	5: "cl_fitting_proc",
	6: "expiration_date",

	7:  "od_lens_name",
	8:  "od_base_curve",
	9:  "od_diameter",
	10: "od_sphere",
	11: "od_cylinder",
	12: "od_axis",
	13: "od_add",
	14: "od_quantity",

	15: "os_lens_name",
	16: "os_base_curve",
	17: "os_diameter",
	18: "os_sphere",
	19: "os_cylinder",
	20: "os_axis",
	21: "os_add",
	22: "os_quantity",

	23: "od_alt_lens_name",
	24: "od_alt_base_curve",
	25: "od_alt_diameter",
	26: "od_alt_sphere",
	27: "od_alt_cylinder",
	28: "od_alt_axis",
	29: "od_alt_add",

	30: "os_alt_lens_name",
	31: "os_alt_base_curve",
	32: "os_alt_diameter",
	33: "os_alt_sphere",
	34: "os_alt_cylinder",
	35: "os_alt_axis",
	36: "os_alt_add",

	37: "notes",
}

// FromRecord builds the transaction from a position-mapped record.
func FromRecord(rec map[string]string) Transaction {
	t := Transaction{
		Date:           normalize.Date(rec["date"]),
		Doctor:         normalize.String(rec["doctor"]),
		ExamProc:       normalize.String(rec["exam_proc"]),
		CLFittingProc:  normalize.String(rec["cl_fitting_proc"]),
		ExpirationDate: normalize.Date(rec["expiration_date"]),
		OD:             lensFrom(rec, "od", true),
		OS:             lensFrom(rec, "os", true),
		ODAlt:          lensFrom(rec, "od_alt", false),
		OSAlt:          lensFrom(rec, "os_alt", false),
		Notes:          normalize.String(rec["notes"]),
	}
	if v := normalize.String(rec["transaction_num"]); v != nil {
		t.TransactionNum = *v
	}
	if v := normalize.String(rec["patient_id"]); v != nil {
		t.PatientID = *v
	}
	return t
}

// FromRow parses one raw positional row through DefaultPositionMap. Short
// rows are tolerated; cells past the end are simply absent.
func FromRow(row []string) Transaction {
	rec, _ := DefaultPositionMap.ApplyRow(row)
	return FromRecord(rec)
}

func lensFrom(rec map[string]string, prefix string, withQuantity bool) Lens {
	l := Lens{
		Name:      normalize.String(rec[prefix+"_lens_name"]),
		BaseCurve: normalize.String(rec[prefix+"_base_curve"]),
		Diameter:  normalize.String(rec[prefix+"_diameter"]),
		Sphere:    normalize.String(rec[prefix+"_sphere"]),
		Cylinder:  normalize.String(rec[prefix+"_cylinder"]),
		Axis:      normalize.String(rec[prefix+"_axis"]),
		AddPower:  normalize.String(rec[prefix+"_add"]),
	}
	if withQuantity {
		l.Quantity = normalize.Int(rec[prefix+"_quantity"])
	}
	return l
}

// Payload flattens the transaction's lens data into the remote API's
// contact-lens-from-ledger shape. Empty values are dropped; the alternate
// blocks appear only when filled. Returns nil when the row has no Rx data.
func (t Transaction) Payload() map[string]any {
	if !t.HasContactLensRx() {
		return nil
	}

	data := map[string]any{
		"od_lens_type": "soft",
		"os_lens_type": "soft",
	}
	if t.Date != nil {
		data["rx_date"] = t.Date.Format(dateLayout)
	}
	if t.ExpirationDate != nil {
		data["expiration_date"] = t.ExpirationDate.Format(dateLayout)
	}
	putLens(data, "od", t.OD)
	putLens(data, "os", t.OS)
	if t.ODAlt.HasData() {
		putLens(data, "od_alt", t.ODAlt)
	}
	if t.OSAlt.HasData() {
		putLens(data, "os_alt", t.OSAlt)
	}
	if t.TransactionNum != "" {
		data["external_rx_id"] = t.TransactionNum
	}
	return data
}

func putLens(data map[string]any, prefix string, l Lens) {
	put(data, prefix+"_product_name", l.Name)
	put(data, prefix+"_base_curve", l.BaseCurve)
	put(data, prefix+"_diameter", l.Diameter)
	put(data, prefix+"_sphere", l.Sphere)
	put(data, prefix+"_cylinder", l.Cylinder)
	put(data, prefix+"_axis", l.Axis)
	put(data, prefix+"_add", l.AddPower)
}

func put(data map[string]any, key string, v *string) {
	if v != nil {
		data[key] = *v
	}
}
