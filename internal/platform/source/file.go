package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ehr/fmsync/internal/normalize"
)

// FileOptions configures a FileSource.
type FileOptions struct {
	// Encoding names the export charset: "utf-8" (default),
	// "windows-1252", "latin-1", or "macintosh". FileMaker Pro 9 exports
	// are rarely UTF-8.
	Encoding string
	// Delimiter is the field separator; 0 means detect from a sample.
	Delimiter rune
	// NoHeader marks exports without a header row; records are then built
	// from PositionMaps.
	NoHeader bool
	// PositionMaps supplies the per-entity column→field mapping used when
	// NoHeader is set.
	PositionMaps map[Entity]normalize.PositionMap
	// KeepBlankRows disables pruning of rows whose mapped fields are all
	// empty (positional reads only).
	KeepBlankRows bool
}

// FileSource reads delimited (CSV/tab) legacy export files.
type FileSource struct {
	opts FileOptions
}

// NewFileSource creates a file-backed record source.
func NewFileSource(opts FileOptions) *FileSource {
	return &FileSource{opts: opts}
}

// Fetch reads the export file at locator. Headerless entities require a
// position map; header files key records by the header names.
func (s *FileSource) Fetch(_ context.Context, entity Entity, locator string, limit int) ([]Record, error) {
	f, err := os.Open(locator)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("open export %s: %w", locator, err)
	}
	defer f.Close()

	reader, err := s.decoded(f)
	if err != nil {
		return nil, err
	}

	delim := s.opts.Delimiter
	if delim == 0 {
		buffered := bufio.NewReaderSize(reader, 64*1024)
		delim, err = detectDelimiter(buffered)
		if err != nil {
			return nil, fmt.Errorf("detect delimiter in %s: %w", locator, err)
		}
		reader = buffered
	}

	cr := csv.NewReader(reader)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	if s.opts.NoHeader {
		pm, ok := s.opts.PositionMaps[entity]
		if !ok {
			return nil, fmt.Errorf("no position map configured for entity %q", entity)
		}
		return s.readPositional(cr, pm, limit)
	}
	return s.readWithHeader(cr, limit)
}

func (s *FileSource) readWithHeader(cr *csv.Reader, limit int) ([]Record, error) {
	header, err := cr.Read()
	if err == io.EOF {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records []Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		rec := make(Record, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			v := ""
			if i < len(row) {
				if cleaned := normalize.String(row[i]); cleaned != nil {
					v = *cleaned
				}
			}
			rec[name] = v
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

func (s *FileSource) readPositional(cr *csv.Reader, pm normalize.PositionMap, limit int) ([]Record, error) {
	var records []Record
	rowNum := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		rowNum++

		mapped, hasData := pm.ApplyRow(row)
		if !hasData && !s.opts.KeepBlankRows {
			continue
		}
		rec := Record(mapped)
		rec[RowNumberField] = strconv.Itoa(rowNum)
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

// decoded wraps r with a charset decoder when the configured encoding is
// not UTF-8.
func (s *FileSource) decoded(r io.Reader) (io.Reader, error) {
	enc, err := lookupEncoding(s.opts.Encoding)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return r, nil
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "latin-1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "macintosh", "macroman":
		return charmap.Macintosh, nil
	default:
		return nil, fmt.Errorf("unsupported export encoding %q", name)
	}
}

// detectDelimiter samples the first lines of the export and picks the most
// frequent candidate separator.
func detectDelimiter(r *bufio.Reader) (rune, error) {
	const sampleLines = 5
	sample, err := r.Peek(32 * 1024)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return 0, err
	}
	lines := strings.SplitN(string(sample), "\n", sampleLines+1)
	if len(lines) > sampleLines {
		lines = lines[:sampleLines]
	}
	text := strings.Join(lines, "\n")

	best := ','
	bestCount := -1
	for _, cand := range []rune{',', '\t', ';', '|'} {
		if n := strings.Count(text, string(cand)); n > bestCount {
			best, bestCount = cand, n
		}
	}
	return best, nil
}
