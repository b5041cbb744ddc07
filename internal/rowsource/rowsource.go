// Package rowsource streams rows of a delimited text file as header-keyed maps.
//
// A Source reads the header row on Open and then yields one Row per data line.
// Its position is an absolute byte offset into the file: Tell returns the offset
// just past the last row read and Seek jumps back to such an offset, which is how
// an interrupted import resumes where its last batch ended.
package rowsource

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
)

// Row is one data line zipped against the header. When the header repeats a name,
// the later column wins.
type Row map[string]string

// Options configures the dialect of the file.
type Options struct {
	// Delimiter separates fields. Zero means a comma.
	Delimiter rune
	// Enclosure quotes fields. Zero means a double quote. Must be a single-byte character.
	Enclosure rune
	// SkipInvalid makes Next skip rows whose field count differs from the header.
	SkipInvalid bool
}

// MalformedRowError reports a row whose field count differs from the header.
type MalformedRowError struct {
	Offset int64
	Got    int
	Want   int
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed row at byte %d: %d fields, header has %d", e.Offset, e.Got, e.Want)
}

// ErrEmptyFile is returned by Open when the file has no header row.
var ErrEmptyFile = errors.New("empty file: no header row")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Source is an open delimited file.
type Source struct {
	opts Options
	f    *os.File

	r         *csv.Reader
	base      int64
	header    []string
	headerEnd int64
	skipped   int
}

// Open opens path and reads its header row.
func Open(path string, opts Options) (*Source, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.Enclosure == 0 {
		opts.Enclosure = '"'
	}
	if opts.Enclosure >= 0x80 || opts.Enclosure == opts.Delimiter {
		return nil, errors.Errorf("invalid enclosure %q", opts.Enclosure)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open csv")
	}

	s := &Source{opts: opts, f: f}

	var bom [3]byte
	n, err := io.ReadFull(f, bom[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		return nil, errors.Wrap(err, "read csv")
	}
	start := int64(0)
	if n == 3 && bom == [3]byte(utf8BOM) {
		start = 3
	}

	if err := s.reset(start); err != nil {
		f.Close()
		return nil, err
	}

	header, err := s.r.Read()
	if err == io.EOF {
		f.Close()
		return nil, ErrEmptyFile
	}
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read header")
	}
	s.header = s.restore(header)
	s.headerEnd = s.Tell()

	return s, nil
}

// reset positions the reader at the absolute offset.
func (s *Source) reset(offset int64) error {
	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek csv")
	}

	var in io.Reader = NewUTF8Sanitizer(s.f)
	if s.opts.Enclosure != '"' {
		in = &enclosureSwapper{r: in, enc: byte(s.opts.Enclosure)}
	}

	r := csv.NewReader(in)
	r.Comma = s.opts.Delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	s.r = r
	s.base = offset
	return nil
}

// Columns returns the header row.
func (s *Source) Columns() []string {
	out := make([]string, len(s.header))
	copy(out, s.header)
	return out
}

// Next returns the next row or io.EOF.
func (s *Source) Next() (Row, error) {
	for {
		offset := s.Tell()
		fields, err := s.r.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && s.opts.SkipInvalid {
				s.skipped++
				continue
			}
			return nil, errors.Wrap(err, "read row")
		}

		if len(fields) != len(s.header) {
			if s.opts.SkipInvalid {
				s.skipped++
				continue
			}
			return nil, &MalformedRowError{Offset: offset, Got: len(fields), Want: len(s.header)}
		}

		fields = s.restore(fields)
		row := make(Row, len(fields))
		for i, name := range s.header {
			row[name] = fields[i]
		}
		return row, nil
	}
}

// Seek moves to an absolute byte offset previously returned by Tell. Offsets inside the
// header resume at the first data row.
func (s *Source) Seek(offset int64) error {
	if offset < s.headerEnd {
		offset = s.headerEnd
	}
	return s.reset(offset)
}

// Tell returns the byte offset just past the last row read.
func (s *Source) Tell() int64 {
	return s.base + s.r.InputOffset()
}

// Skipped returns the number of malformed rows skipped since Open.
func (s *Source) Skipped() int {
	return s.skipped
}

// Close closes the underlying file.
func (s *Source) Close() error {
	return s.f.Close()
}

// restore undoes the enclosure swap on parsed fields.
func (s *Source) restore(fields []string) []string {
	if s.opts.Enclosure == '"' {
		return fields
	}
	enc := s.opts.Enclosure
	swap := func(r rune) rune {
		switch r {
		case '"':
			return enc
		case enc:
			return '"'
		}
		return r
	}
	for i, f := range fields {
		if strings.ContainsRune(f, '"') || strings.ContainsRune(f, enc) {
			fields[i] = strings.Map(swap, f)
		}
	}
	return fields
}

// Count reads the whole file and returns the number of valid and malformed data rows.
func Count(path string, opts Options) (valid, skipped int, err error) {
	opts.SkipInvalid = true
	s, err := Open(path, opts)
	if err != nil {
		return 0, 0, err
	}
	defer s.Close()

	for {
		if _, err := s.Next(); err == io.EOF {
			break
		} else if err != nil {
			return valid, s.Skipped(), err
		}
		valid++
	}
	return valid, s.Skipped(), nil
}

// enclosureSwapper exchanges a custom enclosure byte with '"' so encoding/csv can
// tokenize the stream. The swap is byte-for-byte and keeps offsets intact.
type enclosureSwapper struct {
	r   io.Reader
	enc byte
}

func (e *enclosureSwapper) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	for i := 0; i < n; i++ {
		switch p[i] {
		case e.enc:
			p[i] = '"'
		case '"':
			p[i] = e.enc
		}
	}
	return n, err
}
