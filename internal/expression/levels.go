// Package expression computes FPKM and TPM expression levels from
// tab-separated tracking files.
package expression

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/exprutils/server/internal/errs"
	"github.com/exprutils/server/internal/features"
)

const (
	fpkmColumnName = "FPKM"
	// Column tried when the configured id column holds no known feature.
	fallbackIDColumn = 1
	tpmScale         = 1e6
)

var (
	// ErrNoFPKMColumn is returned when the header has no column named FPKM.
	ErrNoFPKMColumn = errors.New("unable to find an FPKM column")

	// ErrZeroFPKMSum is recorded as a warning when TPM values cannot be
	// normalized because every FPKM value is zero.
	ErrZeroFPKMSum = errors.New("unable to compute TPM values as sum of FPKM values is 0")
)

// ParseError reports an FPKM field that is missing or not a number.
type ParseError struct {
	Line  int
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: invalid FPKM value %q: %v", e.Line, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errMissingField = errors.New("row has no FPKM column")
	errOutOfRange   = errors.New("FPKM must be a finite non-negative number")
	errSumOverflow  = errors.New("FPKM sum overflows")
)

// Levels holds log2-scaled expression values keyed by feature id.
type Levels struct {
	FPKM     map[string]float64 `json:"fpkm"`
	TPM      map[string]float64 `json:"tpm"`
	Warnings []string           `json:"warnings,omitempty"`
}

// Calculator computes expression levels. It holds no per-file state and
// may be shared.
type Calculator struct {
	logger *log.Logger
}

// NewCalculator creates a calculator. A nil logger logs to the standard logger.
func NewCalculator(logger *log.Logger) *Calculator {
	if logger == nil {
		logger = log.Default()
	}
	return &Calculator{logger: logger}
}

// Compute reads the tracking file at path and returns log2(FPKM+1) and
// log2(TPM+1) for every row. Every row must name a feature in ids, either
// in column idCol or in column 1.
func (c *Calculator) Compute(path string, ids features.Set, idCol int) (*Levels, error) {
	f, err := openTracking(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return c.ComputeReader(f, path, ids, idCol)
}

// ComputeReader is Compute over an open stream; name is used in messages.
func (c *Calculator) ComputeReader(r io.Reader, name string, ids features.Set, idCol int) (*Levels, error) {
	if idCol < 0 {
		return nil, fmt.Errorf("invalid id column %d", idCol)
	}

	br := bufio.NewReader(r)
	header, err := readLine(br)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read header of %s: %w", name, err)
	}
	fpkmCol := columnIndex(header, fpkmColumnName)
	if fpkmCol < 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFPKMColumn, name)
	}
	c.logger.Printf("Using FPKM at col %d in %s", fpkmCol, name)

	levels := &Levels{
		FPKM: make(map[string]float64),
		TPM:  make(map[string]float64),
	}
	sum := 0.0
	lineNo := 1
	for {
		line, err := readLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		lineNo++
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(unquote(line), "\t")
		id, ok := featureID(fields, idCol, ids)
		if !ok {
			return nil, &errs.DataIntegrityError{Line: lineNo, Text: line}
		}
		if id == "" {
			continue
		}

		if fpkmCol >= len(fields) {
			return nil, &ParseError{Line: lineNo, Err: errMissingField}
		}
		raw := strings.TrimSpace(fields[fpkmCol])
		fpkm, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Value: raw, Err: err}
		}
		if math.IsNaN(fpkm) || math.IsInf(fpkm, 0) || fpkm < 0 {
			return nil, &ParseError{Line: lineNo, Value: raw, Err: errOutOfRange}
		}
		sum += fpkm
		if math.IsInf(sum, 0) {
			return nil, &ParseError{Line: lineNo, Value: raw, Err: errSumOverflow}
		}
		levels.FPKM[id] = math.Log2(fpkm + 1)
		levels.TPM[id] = fpkm
	}

	if sum == 0 {
		c.logger.Printf("%v (%s)", ErrZeroFPKMSum, name)
		levels.Warnings = append(levels.Warnings, ErrZeroFPKMSum.Error())
		return levels, nil
	}
	for id, fpkm := range levels.TPM {
		levels.TPM[id] = math.Log2((fpkm/sum)*tpmScale + 1)
	}
	return levels, nil
}

// FPKMColumn returns the index of the FPKM column in the header of the
// tracking file at path.
func FPKMColumn(path string) (int, error) {
	f, err := openTracking(path)
	if err != nil {
		return -1, err
	}
	defer f.Close()

	header, err := readLine(bufio.NewReader(f))
	if err != nil && err != io.EOF {
		return -1, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	idx := columnIndex(header, fpkmColumnName)
	if idx < 0 {
		return -1, fmt.Errorf("%w in %s", ErrNoFPKMColumn, path)
	}
	return idx, nil
}

func featureID(fields []string, idCol int, ids features.Set) (string, bool) {
	if idCol < len(fields) && ids.Contains(fields[idCol]) {
		return fields[idCol], true
	}
	if fallbackIDColumn < len(fields) && ids.Contains(fields[fallbackIDColumn]) {
		return fields[fallbackIDColumn], true
	}
	return "", false
}

func columnIndex(header, name string) int {
	for i, col := range strings.Split(strings.TrimSpace(header), "\t") {
		if col == name {
			return i
		}
	}
	return -1
}

// readLine returns the next line without its terminator. A final line
// with no newline is returned with a nil error.
func readLine(br *bufio.Reader) (string, error) {
	s, err := br.ReadString('\n')
	if err == io.EOF && s != "" {
		err = nil
	}
	return strings.TrimRight(s, "\r\n"), err
}

type trackingFile struct {
	io.Reader
	closers []io.Closer
}

func (t *trackingFile) Close() error {
	var first error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openTracking opens a tracking file, decoding gzip transparently.
func openTracking(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking file: %w", err)
	}
	br := bufio.NewReader(f)
	magic, _ := br.Peek(2)
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		return &trackingFile{Reader: gz, closers: []io.Closer{f, gz}}, nil
	}
	return &trackingFile{Reader: br, closers: []io.Closer{f}}, nil
}
