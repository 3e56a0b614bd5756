// Package csvio holds the CSV plumbing shared by the tariff resolver, the ETL
// extractor and the history mirror: delimiter sniffing and header lookup.
package csvio

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sniffWindow bounds how much of the input is inspected to pick a delimiter.
const sniffWindow = 4096

var (
	// ErrEmpty is returned when the input has no header row.
	ErrEmpty = errors.New("csv input is empty")
	// ErrMissingColumn is returned when a required header column is absent.
	ErrMissingColumn = errors.New("csv column missing")

	candidates = []rune{',', ';', '\t', '|'}
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
)

// SniffDelimiter picks the candidate delimiter that occurs most often in the
// first line of sample. Ties and lines without any candidate resolve to ','.
func SniffDelimiter(sample []byte) rune {
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		sample = sample[:i]
	}

	best, bestCount := ',', 0
	for _, c := range candidates {
		if n := bytes.Count(sample, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

// NewReader returns a csv.Reader whose delimiter has been detected from the
// first line of r. A leading UTF-8 byte order mark is discarded. The reader
// accepts a variable number of fields per record so callers can count short
// rows instead of aborting on them.
func NewReader(r io.Reader) (*csv.Reader, error) {
	br := bufio.NewReaderSize(r, sniffWindow)

	head, err := br.Peek(sniffWindow)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("failed to peek csv input: %w", err)
	}

	if bytes.HasPrefix(head, utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return nil, fmt.Errorf("failed to skip byte order mark: %w", err)
		}
		head = head[len(utf8BOM):]
	}

	reader := csv.NewReader(br)
	reader.Comma = SniffDelimiter(head)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	return reader, nil
}

// Header maps normalized column names to their positions.
type Header map[string]int

// ReadHeader consumes the first record of reader as a header row.
func ReadHeader(reader *csv.Reader) (Header, error) {
	record, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	header := make(Header, len(record))
	for i, name := range record {
		key := normalize(name)
		if _, dup := header[key]; !dup {
			header[key] = i
		}
	}
	return header, nil
}

// Index returns the position of the first column matching any of names.
func (h Header) Index(names ...string) (int, error) {
	for _, name := range names {
		if i, ok := h[normalize(name)]; ok {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(names, "|"))
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
