// Package matrix assembles per-sample expression levels into expression
// matrices.
package matrix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Workspace type and attributes of saved matrices.
const (
	ExpressionMatrixType = "KBaseFeatureValues.ExpressionMatrix"
	ScaleLog2            = "log2"
	TypeLevel            = "level"
)

// FloatMatrix2D is a labelled dense matrix. Missing values are NaN and are
// encoded as JSON null.
type FloatMatrix2D struct {
	RowIDs []string    `json:"row_ids"`
	ColIDs []string    `json:"col_ids"`
	Values [][]float64 `json:"-"`
}

type wireMatrix struct {
	RowIDs []string         `json:"row_ids"`
	ColIDs []string         `json:"col_ids"`
	Values [][]nullableFloat `json:"values"`
}

type nullableFloat float64

func (f nullableFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *nullableFloat) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = nullableFloat(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = nullableFloat(v)
	return nil
}

// MarshalJSON encodes the matrix with NaN cells as null.
func (m FloatMatrix2D) MarshalJSON() ([]byte, error) {
	w := wireMatrix{RowIDs: m.RowIDs, ColIDs: m.ColIDs, Values: make([][]nullableFloat, len(m.Values))}
	for i, row := range m.Values {
		w.Values[i] = make([]nullableFloat, len(row))
		for j, v := range row {
			w.Values[i][j] = nullableFloat(v)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a matrix, mapping null cells to NaN.
func (m *FloatMatrix2D) UnmarshalJSON(b []byte) error {
	var w wireMatrix
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.RowIDs = w.RowIDs
	m.ColIDs = w.ColIDs
	m.Values = make([][]float64, len(w.Values))
	for i, row := range w.Values {
		m.Values[i] = make([]float64, len(row))
		for j, v := range row {
			m.Values[i][j] = float64(v)
		}
	}
	return nil
}

// Range returns the smallest and largest finite values. ok is false when
// the matrix holds no finite value.
func (m *FloatMatrix2D) Range() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, row := range m.Values {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
			ok = true
		}
	}
	return lo, hi, ok
}

// Slice returns rows [offset, offset+limit) as a new matrix sharing the
// column ids.
func (m *FloatMatrix2D) Slice(offset, limit int) *FloatMatrix2D {
	if offset > len(m.RowIDs) {
		offset = len(m.RowIDs)
	}
	end := offset + limit
	if limit < 0 || end > len(m.RowIDs) {
		end = len(m.RowIDs)
	}
	return &FloatMatrix2D{
		RowIDs: m.RowIDs[offset:end],
		ColIDs: m.ColIDs,
		Values: m.Values[offset:end],
	}
}

// Sample is one column of a matrix: a named map of feature id to value.
type Sample struct {
	Name   string
	Values map[string]float64
}

// Assemble builds a matrix whose rows are the union of the samples'
// feature ids in ascending order and whose columns are the samples in the
// given order. Features absent from a sample are NaN.
func Assemble(samples []Sample) (*FloatMatrix2D, error) {
	seen := make(map[string]bool, len(samples))
	rowSet := make(map[string]struct{})
	cols := make([]string, 0, len(samples))
	for _, s := range samples {
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate sample name %q", s.Name)
		}
		seen[s.Name] = true
		cols = append(cols, s.Name)
		for id := range s.Values {
			rowSet[id] = struct{}{}
		}
	}

	rows := make([]string, 0, len(rowSet))
	for id := range rowSet {
		rows = append(rows, id)
	}
	sort.Strings(rows)

	values := make([][]float64, len(rows))
	for i, id := range rows {
		row := make([]float64, len(samples))
		for j, s := range samples {
			v, ok := s.Values[id]
			if !ok {
				v = math.NaN()
			}
			row[j] = v
		}
		values[i] = row
	}

	return &FloatMatrix2D{RowIDs: rows, ColIDs: cols, Values: values}, nil
}

// ExpressionMatrix is the workspace representation of a matrix of
// log2-scaled expression levels.
type ExpressionMatrix struct {
	GenomeRef      string            `json:"genome_ref,omitempty"`
	Scale          string            `json:"scale"`
	Type           string            `json:"type"`
	FeatureMapping map[string]string `json:"feature_mapping"`
	Data           *FloatMatrix2D    `json:"data"`
}

// NewExpressionMatrix wraps data as a log2 level matrix of genomeRef.
// Every row id maps to itself as a feature of the genome.
func NewExpressionMatrix(genomeRef string, data *FloatMatrix2D) *ExpressionMatrix {
	mapping := make(map[string]string, len(data.RowIDs))
	for _, id := range data.RowIDs {
		mapping[id] = id
	}
	return &ExpressionMatrix{
		GenomeRef:      genomeRef,
		Scale:          ScaleLog2,
		Type:           TypeLevel,
		FeatureMapping: mapping,
		Data:           data,
	}
}

// Metric names one of the two matrices a job produces.
type Metric string

const (
	FPKM Metric = "fpkm"
	TPM  Metric = "tpm"
)

// ParseMetric accepts "fpkm" or "tpm"; empty means fpkm.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", FPKM:
		return FPKM, nil
	case TPM:
		return TPM, nil
	}
	return "", fmt.Errorf("invalid metric %q (expected fpkm or tpm)", s)
}
