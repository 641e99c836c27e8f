// Package export writes result matrices to TileDB dense arrays.
//
// TileDB support is only compiled in with the "tiledb" build tag; the
// default build returns ErrUnsupported so the server runs without the
// TileDB C library.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/exprutils/server/internal/matrix"
)

var (
	// ErrUnsupported indicates this binary was built without TileDB support.
	ErrUnsupported = errors.New("tiledb export is not enabled in this build (build server with: go build -tags tiledb)")
)

// Array dimension and attribute names.
const (
	rowDim    = "row"
	colDim    = "col"
	valueAttr = "value"
)

// ResolveDir cleans and expands the export directory.
func ResolveDir(dir string) (string, error) {
	p := strings.TrimSpace(dir)
	if p == "" {
		return "", errors.New("empty tiledb_dir")
	}
	return filepath.Clean(os.ExpandEnv(p)), nil
}

// ArrayURI returns the array location for one result matrix of a job.
func ArrayURI(dir, jobID string, metric matrix.Metric) string {
	return filepath.Join(dir, jobID, string(metric))
}

func checkShape(m *matrix.FloatMatrix2D) error {
	if len(m.RowIDs) == 0 || len(m.ColIDs) == 0 {
		return fmt.Errorf("cannot export an empty matrix")
	}
	if len(m.Values) != len(m.RowIDs) {
		return fmt.Errorf("matrix has %d rows of values for %d row ids", len(m.Values), len(m.RowIDs))
	}
	for i, row := range m.Values {
		if len(row) != len(m.ColIDs) {
			return fmt.Errorf("row %s has %d values for %d columns", m.RowIDs[i], len(row), len(m.ColIDs))
		}
	}
	return nil
}

// flatten lays out values in row-major order.
func flatten(m *matrix.FloatMatrix2D) []float64 {
	out := make([]float64, 0, len(m.RowIDs)*len(m.ColIDs))
	for _, row := range m.Values {
		out = append(out, row...)
	}
	return out
}
