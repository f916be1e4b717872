package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ehr/fmsync/internal/normalize"
)

// XMLSource reads FMPXMLRESULT exports, the grammar FileMaker Pro 9 emits:
// a METADATA block of FIELD definitions followed by a RESULTSET of ROW/COL
// elements whose DATA children line up positionally with the fields.
type XMLSource struct{}

// NewXMLSource creates an XML-export-backed record source.
func NewXMLSource() *XMLSource {
	return &XMLSource{}
}

type fmpField struct {
	Name string `xml:"NAME,attr"`
	Type string `xml:"TYPE,attr"`
}

type fmpCol struct {
	Data []string `xml:"DATA"`
}

type fmpRow struct {
	Cols []fmpCol `xml:"COL"`
}

// fmpResult matches FMPXMLRESULT by local element name, so documents with
// or without the filemaker namespace both parse.
type fmpResult struct {
	XMLName xml.Name `xml:"FMPXMLRESULT"`

	Metadata struct {
		Fields []fmpField `xml:"FIELD"`
	} `xml:"METADATA"`

	ResultSet struct {
		Rows []fmpRow `xml:"ROW"`
	} `xml:"RESULTSET"`
}

// Fetch parses the XML export at locator.
func (s *XMLSource) Fetch(_ context.Context, _ Entity, locator string, limit int) ([]Record, error) {
	f, err := os.Open(locator)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("open XML export %s: %w", locator, err)
	}
	defer f.Close()

	return parseFMPXML(f, limit)
}

func parseFMPXML(r io.Reader, limit int) ([]Record, error) {
	var doc fmpResult
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse FMPXMLRESULT: %w", err)
	}
	if len(doc.Metadata.Fields) == 0 {
		return nil, fmt.Errorf("parse FMPXMLRESULT: no METADATA field definitions")
	}

	var records []Record
	for _, row := range doc.ResultSet.Rows {
		rec := make(Record, len(doc.Metadata.Fields))
		for i, col := range row.Cols {
			if i >= len(doc.Metadata.Fields) {
				break
			}
			name := doc.Metadata.Fields[i].Name
			rec[name] = colValue(col)
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

// colValue flattens a column's DATA elements. Repeating fields (multiple
// DATA children) are joined with "; ".
func colValue(col fmpCol) string {
	switch len(col.Data) {
	case 0:
		return ""
	case 1:
		return cleaned(col.Data[0])
	default:
		parts := make([]string, 0, len(col.Data))
		for _, d := range col.Data {
			if v := cleaned(d); v != "" {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, "; ")
	}
}

func cleaned(v string) string {
	if s := normalize.String(v); s != nil {
		return *s
	}
	return ""
}
