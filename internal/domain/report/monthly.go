// Package report parses the practice's monthly "internals report" into
// per-month records and renders them as spreadsheet rows. The report is a
// year-sectioned table: a "Year2024" marker line, then one line per month
// with the period's charges, payments, visit counts and fee breakdowns.
package report

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/ehr/fmsync/internal/normalize"
)

// SheetColumns is the destination spreadsheet's header, in column order.
var SheetColumns = []string{
	"Year", "Month", "Charges", "Payments", "Exams", "Images", "Image Fees",
	"CL evals", "CL ann supply", "cl units", "walk in traffic", "99***",
	"Tot Service", "Other Serv", "Tot Balance", "Patient Pd", "OV fees",
	"CL fit fees", "credit card", "Insurance discount", "check",
	"total CL fees", "Period", "Key",
}

var monthNames = []string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

// MonthIndex returns the 1-based month number, or 0 for an unknown name.
func MonthIndex(month string) int {
	for i, name := range monthNames {
		if name == month {
			return i + 1
		}
	}
	return 0
}

// MonthlyRecord is one month's figures from the internals report.
type MonthlyRecord struct {
	Year  int
	Month string

	Charges  float64
	Payments float64

	Exams         int
	Images        int
	ImageFees     float64
	CLEvals       int
	CLAnnSupply   int
	CLUnits       int
	WalkInTraffic int
	Code99        int

	TotService        float64
	OtherServ         float64
	TotBalance        float64
	PatientPd         float64
	OVFees            float64
	CLFitFees         float64
	CreditCard        float64
	InsuranceDiscount float64
	Check             float64
	TotalCLFees       float64
}

// Period renders the record's period key, e.g. "2024-03-01 0:00:00". The
// destination sheet keys rows by this value.
func (r MonthlyRecord) Period() string {
	return fmt.Sprintf("%d-%02d-01 0:00:00", r.Year, MonthIndex(r.Month))
}

// SheetRow renders the record as one spreadsheet row in SheetColumns order.
// The period appears twice: once as the display column and once as the key.
func (r MonthlyRecord) SheetRow() []any {
	period := r.Period()
	return []any{
		r.Year, r.Month, r.Charges, r.Payments, r.Exams,
		r.Images, r.ImageFees, r.CLEvals, r.CLAnnSupply,
		r.CLUnits, r.WalkInTraffic, r.Code99, r.TotService,
		r.OtherServ, r.TotBalance, r.PatientPd, r.OVFees,
		r.CLFitFees, r.CreditCard, r.InsuranceDiscount,
		r.Check, r.TotalCLFees, period, period,
	}
}

// ParseText extracts monthly records from the report's plain text. Year
// marker lines ("Year2024") set the year for the month lines that follow;
// header and total lines are skipped. Month lines before any year marker
// are dropped.
func ParseText(text string) []MonthlyRecord {
	var records []MonthlyRecord
	year := 0

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		first := fields[0]

		if strings.HasPrefix(first, "Year") && len(first) == 8 {
			if y := normalize.Count(first[4:]); y > 0 {
				year = y
			}
			continue
		}
		if MonthIndex(first) == 0 || len(fields) < 5 || year == 0 {
			continue
		}
		records = append(records, parseMonthRow(year, first, fields))
	}
	return records
}

// parseMonthRow maps a month line's cells by position. Cell 1 is the
// report's unused second column; data starts at cell 2. Short rows read as
// zeroes.
func parseMonthRow(year int, month string, cells []string) MonthlyRecord {
	num := func(idx int) float64 { return normalize.Amount(cellAt(cells, idx)) }
	cnt := func(idx int) int { return normalize.Count(cellAt(cells, idx)) }

	return MonthlyRecord{
		Year:  year,
		Month: month,

		Charges:  num(2),
		Payments: num(3),

		Exams:         cnt(4),
		Images:        cnt(5),
		ImageFees:     num(6),
		CLEvals:       cnt(7),
		CLAnnSupply:   cnt(8),
		CLUnits:       cnt(9),
		WalkInTraffic: cnt(10),
		Code99:        cnt(11),

		TotService:        num(12),
		OtherServ:         num(13),
		TotBalance:        num(14),
		PatientPd:         num(15),
		OVFees:            num(16),
		CLFitFees:         num(17),
		CreditCard:        num(18),
		InsuranceDiscount: num(19),
		Check:             num(20),
		TotalCLFees:       num(21),
	}
}

func cellAt(cells []string, idx int) string {
	if idx >= len(cells) {
		return ""
	}
	return cells[idx]
}

// Latest returns the most recent record by (year, month), or nil when the
// report yielded nothing.
func Latest(records []MonthlyRecord) *MonthlyRecord {
	var latest *MonthlyRecord
	for i := range records {
		r := &records[i]
		if latest == nil ||
			r.Year > latest.Year ||
			(r.Year == latest.Year && MonthIndex(r.Month) > MonthIndex(latest.Month)) {
			latest = r
		}
	}
	return latest
}
