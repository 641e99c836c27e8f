//go:build tiledb

package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/exprutils/server/internal/matrix"
)

// maxTileExtent bounds the tile extent along each dimension.
const maxTileExtent = 1024

// Writer writes result matrices as 2D dense TileDB arrays with row and
// column ids stored as array metadata.
type Writer struct {
	dir string
	ctx *tiledb.Context
}

func NewWriter(dir string) (*Writer, error) {
	d, err := ResolveDir(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tiledb dir: %w", err)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	return &Writer{dir: d, ctx: ctx}, nil
}

func (w *Writer) Supported() bool { return true }

func (w *Writer) Dir() string { return w.dir }

// WriteMatrix creates the array for jobID/metric and writes m into it. It
// returns the array URI.
func (w *Writer) WriteMatrix(jobID string, metric matrix.Metric, m *matrix.FloatMatrix2D) (string, error) {
	if err := checkShape(m); err != nil {
		return "", err
	}
	uri := ArrayURI(w.dir, jobID, metric)
	if err := os.MkdirAll(filepath.Dir(uri), 0755); err != nil {
		return "", fmt.Errorf("failed to create array parent: %w", err)
	}
	// Arrays are written once; a retried job replaces its previous export.
	if err := os.RemoveAll(uri); err != nil {
		return "", fmt.Errorf("failed to remove stale array: %w", err)
	}

	nRows, nCols := int64(len(m.RowIDs)), int64(len(m.ColIDs))
	if err := w.createArray(uri, nRows, nCols); err != nil {
		return "", err
	}

	arr, err := tiledb.NewArray(w.ctx, uri)
	if err != nil {
		return "", fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_WRITE); err != nil {
		return "", fmt.Errorf("failed to open array for write: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return "", fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName(rowDim, tiledb.MakeRange[int64](0, nRows-1)); err != nil {
		return "", fmt.Errorf("failed to add row range: %w", err)
	}
	if err := sub.AddRangeByName(colDim, tiledb.MakeRange[int64](0, nCols-1)); err != nil {
		return "", fmt.Errorf("failed to add col range: %w", err)
	}

	q, err := tiledb.NewQuery(w.ctx, arr)
	if err != nil {
		return "", fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return "", fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return "", fmt.Errorf("failed to set layout: %w", err)
	}
	if _, err := q.SetDataBuffer(valueAttr, flatten(m)); err != nil {
		return "", fmt.Errorf("failed to set buffer %s: %w", valueAttr, err)
	}
	if err := q.Submit(); err != nil {
		return "", fmt.Errorf("query submit failed: %w", err)
	}
	if err := q.Finalize(); err != nil {
		return "", fmt.Errorf("query finalize failed: %w", err)
	}

	if err := putIDs(arr, "row_ids", m.RowIDs); err != nil {
		return "", err
	}
	if err := putIDs(arr, "col_ids", m.ColIDs); err != nil {
		return "", err
	}
	return uri, nil
}

func (w *Writer) createArray(uri string, nRows, nCols int64) error {
	domain, err := tiledb.NewDomain(w.ctx)
	if err != nil {
		return fmt.Errorf("failed to create domain: %w", err)
	}
	defer domain.Free()

	rows, err := tiledb.NewDimension(w.ctx, rowDim, tiledb.TILEDB_INT64, []int64{0, nRows - 1}, extent(nRows))
	if err != nil {
		return fmt.Errorf("failed to create row dimension: %w", err)
	}
	defer rows.Free()
	cols, err := tiledb.NewDimension(w.ctx, colDim, tiledb.TILEDB_INT64, []int64{0, nCols - 1}, extent(nCols))
	if err != nil {
		return fmt.Errorf("failed to create col dimension: %w", err)
	}
	defer cols.Free()
	if err := domain.AddDimensions(rows, cols); err != nil {
		return fmt.Errorf("failed to add dimensions: %w", err)
	}

	schema, err := tiledb.NewArraySchema(w.ctx, tiledb.TILEDB_DENSE)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	defer schema.Free()
	if err := schema.SetDomain(domain); err != nil {
		return fmt.Errorf("failed to set domain: %w", err)
	}
	if err := schema.SetCellOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set cell order: %w", err)
	}
	if err := schema.SetTileOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set tile order: %w", err)
	}

	attr, err := tiledb.NewAttribute(w.ctx, valueAttr, tiledb.TILEDB_FLOAT64)
	if err != nil {
		return fmt.Errorf("failed to create attribute: %w", err)
	}
	defer attr.Free()
	if err := schema.AddAttributes(attr); err != nil {
		return fmt.Errorf("failed to add attribute: %w", err)
	}

	arr, err := tiledb.NewArray(w.ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to create array handle (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Create(schema); err != nil {
		return fmt.Errorf("failed to create array (%s): %w", uri, err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.ctx.Free()
	return nil
}

func extent(n int64) int64 {
	if n > maxTileExtent {
		return maxTileExtent
	}
	return n
}

func putIDs(arr *tiledb.Array, key string, ids []string) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := arr.PutMetadata(key, string(b)); err != nil {
		return fmt.Errorf("failed to put %s metadata: %w", key, err)
	}
	return nil
}
