//go:build !tiledb

package export

import "github.com/exprutils/server/internal/matrix"

// Writer is a stub when built without "-tags tiledb".
type Writer struct {
	dir string
}

// NewWriter resolves the export directory so config issues surface early,
// but WriteMatrix always returns ErrUnsupported.
func NewWriter(dir string) (*Writer, error) {
	d, err := ResolveDir(dir)
	if err != nil {
		return nil, err
	}
	return &Writer{dir: d}, nil
}

func (w *Writer) Supported() bool { return false }

func (w *Writer) Dir() string { return w.dir }

func (w *Writer) WriteMatrix(jobID string, metric matrix.Metric, m *matrix.FloatMatrix2D) (string, error) {
	if err := checkShape(m); err != nil {
		return "", err
	}
	return "", ErrUnsupported
}

func (w *Writer) Close() error { return nil }
