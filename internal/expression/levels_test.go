package expression

import (
	"bytes"
	"errors"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/exprutils/server/internal/errs"
	"github.com/exprutils/server/internal/features"
)

func writeTracking(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genes.fpkm_tracking")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write tracking file: %v", err)
	}
	return path
}

func newTestCalculator() (*Calculator, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewCalculator(log.New(&buf, "", 0)), &buf
}

func assertClose(t *testing.T, what string, got, want float64) {
	t.Helper()
	if got != want && math.Abs(got-want) > 1e-12 {
		t.Errorf("%s: got %.17g, want %.17g", what, got, want)
	}
}

func TestCompute_Example(t *testing.T) {
	path := writeTracking(t, "id\tFPKM\tTPM\ng1\t3.0\t10\ng2\t1.0\t5\n")
	calc, _ := newTestCalculator()

	levels, err := calc.Compute(path, features.NewSet([]string{"g1", "g2"}), 0)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	assertClose(t, "fpkm g1", levels.FPKM["g1"], math.Log2(4.0))
	assertClose(t, "fpkm g2", levels.FPKM["g2"], math.Log2(2.0))
	assertClose(t, "tpm g1", levels.TPM["g1"], math.Log2((3.0/4.0)*1e6+1))
	assertClose(t, "tpm g2", levels.TPM["g2"], math.Log2((1.0/4.0)*1e6+1))
	if len(levels.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", levels.Warnings)
	}
}

func TestCompute_KeySetsMatchObservedIDs(t *testing.T) {
	path := writeTracking(t, "tracking_id\tgene_id\tFPKM\nt1\tg1\t2.5\nt2\tg3\t0\n")
	calc, _ := newTestCalculator()

	levels, err := calc.Compute(path, features.NewSet([]string{"g1", "g2", "g3"}), 0)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	keys := func(m map[string]float64) []string {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		return features.NewSet(out).Sorted()
	}
	want := []string{"g1", "g3"}
	if got := keys(levels.FPKM); !reflect.DeepEqual(got, want) {
		t.Errorf("fpkm keys: got %v, want %v", got, want)
	}
	if got := keys(levels.TPM); !reflect.DeepEqual(got, want) {
		t.Errorf("tpm keys: got %v, want %v", got, want)
	}
}

func TestCompute_FallbackToColumnOne(t *testing.T) {
	path := writeTracking(t, "tracking_id\tgene_id\tx\tFPKM\nXLOC_1\tAT1G01010\t.\t7\n")
	calc, _ := newTestCalculator()

	t.Run("defaultColumn", func(t *testing.T) {
		levels, err := calc.Compute(path, features.NewSet([]string{"AT1G01010"}), 0)
		if err != nil {
			t.Fatalf("Compute error: %v", err)
		}
		assertClose(t, "fpkm", levels.FPKM["AT1G01010"], 3)
	})

	t.Run("nonDefaultColumn", func(t *testing.T) {
		levels, err := calc.Compute(path, features.NewSet([]string{"AT1G01010"}), 2)
		if err != nil {
			t.Fatalf("Compute error: %v", err)
		}
		if _, ok := levels.FPKM["AT1G01010"]; !ok {
			t.Fatalf("expected fallback id, got %v", levels.FPKM)
		}
	})

	t.Run("idColumnPreferred", func(t *testing.T) {
		levels, err := calc.Compute(path, features.NewSet([]string{"AT1G01010", "XLOC_1"}), 0)
		if err != nil {
			t.Fatalf("Compute error: %v", err)
		}
		if _, ok := levels.FPKM["XLOC_1"]; !ok || len(levels.FPKM) != 1 {
			t.Fatalf("expected id from column 0, got %v", levels.FPKM)
		}
	})

	t.Run("idColumnBeyondRow", func(t *testing.T) {
		levels, err := calc.Compute(path, features.NewSet([]string{"AT1G01010"}), 40)
		if err != nil {
			t.Fatalf("Compute error: %v", err)
		}
		if len(levels.FPKM) != 1 {
			t.Fatalf("expected fallback id, got %v", levels.FPKM)
		}
	})
}

func TestCompute_UnknownFeatureFails(t *testing.T) {
	// The third data row has a malformed FPKM; it must never be reached.
	path := writeTracking(t, "id\tFPKM\ng1\t1\nmystery\t2\ng2\tnot-a-number\n")
	calc, _ := newTestCalculator()

	levels, err := calc.Compute(path, features.NewSet([]string{"g1", "g2"}), 0)
	if levels != nil {
		t.Fatalf("expected no partial output, got %#v", levels)
	}
	var integrity *errs.DataIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected DataIntegrityError, got %v", err)
	}
	if integrity.Line != 3 {
		t.Errorf("expected line 3, got %d", integrity.Line)
	}
	if !strings.Contains(err.Error(), "mystery\t2") {
		t.Errorf("error should name the offending line: %q", err.Error())
	}
}

func TestCompute_ZeroSumWarning(t *testing.T) {
	path := writeTracking(t, "id\tFPKM\ng1\t0\ng2\t0.0\n")
	calc, logs := newTestCalculator()

	levels, err := calc.Compute(path, features.NewSet([]string{"g1", "g2"}), 0)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if len(levels.Warnings) != 1 || levels.Warnings[0] != ErrZeroFPKMSum.Error() {
		t.Fatalf("expected zero-sum warning, got %v", levels.Warnings)
	}
	if !strings.Contains(logs.String(), ErrZeroFPKMSum.Error()) {
		t.Errorf("expected warning to be logged, got %q", logs.String())
	}
	for id, v := range levels.TPM {
		if v != 0 {
			t.Errorf("tpm %s: expected raw FPKM 0, got %v", id, v)
		}
	}
}

func TestCompute_MissingFPKMColumn(t *testing.T) {
	path := writeTracking(t, "id\tfpkm\tTPM\ng1\t1\t2\n")
	calc, _ := newTestCalculator()

	_, err := calc.Compute(path, features.NewSet([]string{"g1"}), 0)
	if !errors.Is(err, ErrNoFPKMColumn) {
		t.Fatalf("expected ErrNoFPKMColumn, got %v", err)
	}
	if _, err := FPKMColumn(path); !errors.Is(err, ErrNoFPKMColumn) {
		t.Fatalf("FPKMColumn: expected ErrNoFPKMColumn, got %v", err)
	}
}

func TestCompute_EmptyFile(t *testing.T) {
	path := writeTracking(t, "")
	calc, _ := newTestCalculator()

	if _, err := calc.Compute(path, features.NewSet(nil), 0); !errors.Is(err, ErrNoFPKMColumn) {
		t.Fatalf("expected ErrNoFPKMColumn, got %v", err)
	}
}

func TestCompute_NonNumericFPKM(t *testing.T) {
	path := writeTracking(t, "id\tFPKM\ng1\tabc\n")
	calc, _ := newTestCalculator()

	_, err := calc.Compute(path, features.NewSet([]string{"g1"}), 0)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Line != 2 || parseErr.Value != "abc" {
		t.Errorf("unexpected parse error: %+v", parseErr)
	}
}

func TestCompute_OutOfRangeFPKM(t *testing.T) {
	for _, value := range []string{"NaN", "nan", "inf", "-Inf", "-1", "-0.5", "1e400"} {
		t.Run(value, func(t *testing.T) {
			path := writeTracking(t, "id\tFPKM\ng1\t2\ng2\t"+value+"\ng3\t1\n")
			calc, _ := newTestCalculator()

			levels, err := calc.Compute(path, features.NewSet([]string{"g1", "g2", "g3"}), 0)
			if levels != nil {
				t.Fatalf("expected no levels, got %+v", levels)
			}
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if parseErr.Line != 3 || parseErr.Value != value {
				t.Errorf("unexpected parse error: %+v", parseErr)
			}
		})
	}
}

func TestCompute_FPKMSumOverflow(t *testing.T) {
	path := writeTracking(t, "id\tFPKM\ng1\t1e308\ng2\t1e308\n")
	calc, _ := newTestCalculator()

	_, err := calc.Compute(path, features.NewSet([]string{"g1", "g2"}), 0)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Line != 3 || !errors.Is(err, errSumOverflow) {
		t.Errorf("unexpected parse error: %+v", parseErr)
	}
}

func TestCompute_ShortRow(t *testing.T) {
	path := writeTracking(t, "id\tname\tFPKM\ng1\tx\n")
	calc, _ := newTestCalculator()

	_, err := calc.Compute(path, features.NewSet([]string{"g1"}), 0)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestCompute_PercentEncodedIDs(t *testing.T) {
	path := writeTracking(t, "id\tFPKM\ngene%3A1\t1\ngene%2\t1\n")
	calc, _ := newTestCalculator()

	levels, err := calc.Compute(path, features.NewSet([]string{"gene:1", "gene%2"}), 0)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if _, ok := levels.FPKM["gene:1"]; !ok {
		t.Errorf("expected decoded id gene:1, got %v", levels.FPKM)
	}
	if _, ok := levels.FPKM["gene%2"]; !ok {
		t.Errorf("expected malformed escape kept verbatim, got %v", levels.FPKM)
	}
}

func TestCompute_CRLFAndBlankLines(t *testing.T) {
	path := writeTracking(t, "id\tFPKM\r\ng1\t1\r\n\r\ng2\t3")
	calc, _ := newTestCalculator()

	levels, err := calc.Compute(path, features.NewSet([]string{"g1", "g2"}), 0)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	assertClose(t, "fpkm g2", levels.FPKM["g2"], 2)
	assertClose(t, "tpm g1", levels.TPM["g1"], math.Log2(0.25*1e6+1))
}

func TestCompute_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	io.WriteString(zw, "id\tFPKM\ng1\t3\ng2\t1\n")
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	path := filepath.Join(t.TempDir(), "genes.fpkm_tracking.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	calc, _ := newTestCalculator()

	levels, err := calc.Compute(path, features.NewSet([]string{"g1", "g2"}), 0)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	assertClose(t, "fpkm g1", levels.FPKM["g1"], 2)
}

func TestCompute_Idempotent(t *testing.T) {
	path := writeTracking(t, "id\tFPKM\na\t0.5\nb\t12.25\nc\t100\n")
	ids := features.NewSet([]string{"a", "b", "c"})
	calc, _ := newTestCalculator()

	first, err := calc.Compute(path, ids, 0)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	second, err := calc.Compute(path, ids, 0)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("outputs differ:\n%#v\n%#v", first, second)
	}
}

func TestCompute_DuplicateIDsSumBothRows(t *testing.T) {
	path := writeTracking(t, "id\tFPKM\ng1\t1\ng1\t3\ng2\t4\n")
	calc, _ := newTestCalculator()

	levels, err := calc.Compute(path, features.NewSet([]string{"g1", "g2"}), 0)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	assertClose(t, "fpkm g1", levels.FPKM["g1"], 2)
	assertClose(t, "tpm g1", levels.TPM["g1"], math.Log2((3.0/8.0)*1e6+1))
}

func TestCompute_NegativeIDColumn(t *testing.T) {
	path := writeTracking(t, "id\tFPKM\ng1\t1\n")
	calc, _ := newTestCalculator()
	if _, err := calc.Compute(path, features.NewSet([]string{"g1"}), -1); err == nil {
		t.Fatal("expected error for negative id column")
	}
}

func TestUnquote(t *testing.T) {
	cases := map[string]string{
		"plain":       "plain",
		"a%20b":       "a b",
		"a+b":         "a+b",
		"%zz":         "%zz",
		"trailing%2":  "trailing%2",
		"%41%42%43":   "ABC",
		"pct%25lit":   "pct%lit",
		"mixed%3a%3A": "mixed::",
		"caf%C3%A9":   "café",
		"caf%E9":      "caf�",
		"%E9%E9x":     "��x",
		"%C3x%A9":     "�x�",
	}
	for in, want := range cases {
		if got := unquote(in); got != want {
			t.Errorf("unquote(%q) = %q, want %q", in, got, want)
		}
	}
}
