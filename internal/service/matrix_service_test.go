package service

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/exprutils/server/internal/errs"
	"github.com/exprutils/server/internal/jobstore"
	"github.com/exprutils/server/internal/matrix"
)

type matrixFixture struct {
	ws       *fakeWorkspace
	blobs    fakeBlobs
	resolver *fakeResolver
	store    *jobstore.Store
	exporter *fakeExporter
	svc      *MatrixService
}

type fakeExporter struct {
	written []matrix.Metric
}

func (f *fakeExporter) Supported() bool { return true }

func (f *fakeExporter) WriteMatrix(jobID string, metric matrix.Metric, m *matrix.FloatMatrix2D) (string, error) {
	f.written = append(f.written, metric)
	return "/tiledb/" + jobID + "/" + string(metric), nil
}

func newMatrixFixture(t *testing.T) *matrixFixture {
	t.Helper()
	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &matrixFixture{
		ws:       newFakeWorkspace(),
		blobs:    fakeBlobs{},
		resolver: &fakeResolver{ids: []string{"g1", "g2", "g3"}},
		store:    store,
		exporter: &fakeExporter{},
	}
	f.ws.workspaces["myws"] = true
	f.svc = NewMatrixService(f.ws, f.blobs, NewLevelsService(f.resolver, nil), MatrixServiceConfig{
		ScratchDir: t.TempDir(),
		Exporter:   f.exporter,
	})
	return f
}

func (f *matrixFixture) addExpression(t *testing.T, ref, name, node, tracking string) {
	t.Helper()
	f.ws.add(ref, name, "KBaseRNASeq.RNASeqExpression-4.0", map[string]interface{}{
		"genome_id": "1/9/1",
		"file":      map[string]string{"id": node, "file_name": name + ".zip"},
	})
	f.blobs[node] = zipArchive(t, map[string]string{
		"stringtie_out/genes.fpkm_tracking": tracking,
		"stringtie_out/transcripts.gtf":     "",
	})
}

func (f *matrixFixture) submit(t *testing.T, p jobstore.MatrixJobParams) string {
	t.Helper()
	job := &jobstore.MatrixJob{ID: "job1", Status: jobstore.JobStatusQueued, Params: p, CreatedAt: time.Now()}
	if err := f.store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	return job.ID
}

func TestCheckInputs(t *testing.T) {
	f := newMatrixFixture(t)
	f.ws.add("1/2/3", "set", "KBaseSets.ExpressionSet-2.0", map[string]interface{}{})
	f.ws.add("1/5/1", "reads", "KBaseFile.PairedEndLibrary-2.1", map[string]interface{}{})

	tests := []struct {
		name    string
		params  jobstore.MatrixJobParams
		wantMsg string
	}{
		{
			name:    "unknown workspace",
			params:  jobstore.MatrixJobParams{WorkspaceName: "1s", OutputObjName: "out", ExpressionSetRef: "1/2/3"},
			wantMsg: "No workspace with name 1s exists",
		},
		{
			name:    "wrong set type",
			params:  jobstore.MatrixJobParams{WorkspaceName: "myws", OutputObjName: "out", ExpressionSetRef: "1/5/1"},
			wantMsg: "expressionset_ref should be of type KBaseRNASeq.RNASeqExpressionSet or KBaseSets.ExpressionSet",
		},
		{
			name:    "illegal workspace name",
			params:  jobstore.MatrixJobParams{WorkspaceName: "&bad", OutputObjName: "out", ExpressionSetRef: "1/2/3"},
			wantMsg: "Illegal character in workspace name &bad: &",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.CheckInputs(context.Background(), tt.params)
			if err == nil || err.Error() != tt.wantMsg {
				t.Fatalf("got %v, want %q", err, tt.wantMsg)
			}
		})
	}

	var typeErr *errs.TypeError
	err := f.svc.CheckInputs(context.Background(), tests[1].params)
	if !errors.As(err, &typeErr) || typeErr.Type != "KBaseFile.PairedEndLibrary-2.1" {
		t.Fatalf("expected TypeError carrying the actual type, got %v", err)
	}

	ok := jobstore.MatrixJobParams{WorkspaceName: "myws", OutputObjName: "out", ExpressionSetRef: "1/2/3"}
	if err := f.svc.CheckInputs(context.Background(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExecuteMatrixJob_SetsAPI(t *testing.T) {
	f := newMatrixFixture(t)
	f.addExpression(t, "1/10/1", "leaf", "node-a", "tracking_id\tgene_id\tFPKM\nt1\tg1\t1\nt2\tg2\t3\n")
	f.addExpression(t, "1/11/1", "root", "node-b", "tracking_id\tgene_id\tFPKM\nt3\tg3\t7\nt1\tg1\t0\n")
	f.ws.add("1/2/3", "set", "KBaseSets.ExpressionSet-2.0", map[string]interface{}{
		"items": []map[string]string{{"ref": "1/10/1"}, {"ref": "1/11/1"}},
	})

	jobID := f.submit(t, jobstore.MatrixJobParams{WorkspaceName: "myws", OutputObjName: "out", ExpressionSetRef: "1/2/3"})
	if err := f.svc.ExecuteMatrixJob(context.Background(), f.store, jobID); err != nil {
		t.Fatalf("ExecuteMatrixJob error: %v", err)
	}

	if len(f.ws.saved) != 2 || f.ws.saved[0].Name != "out_FPKM" || f.ws.saved[1].Name != "out_TPM" {
		t.Fatalf("unexpected saved objects: %+v", f.ws.saved)
	}
	if f.ws.saved[0].Type != matrix.ExpressionMatrixType {
		t.Fatalf("unexpected saved type %q", f.ws.saved[0].Type)
	}
	em := f.ws.saved[0].Data.(*matrix.ExpressionMatrix)
	if em.GenomeRef != "1/9/1" || em.Scale != "log2" {
		t.Fatalf("unexpected matrix attributes: %+v", em)
	}

	job, _ := f.store.GetJob(jobID)
	if job.FPKMRef != "42/1/1" || job.TPMRef != "42/2/1" {
		t.Fatalf("unexpected refs: %s %s", job.FPKMRef, job.TPMRef)
	}
	if job.NSamples != 2 || job.NFeatures != 3 {
		t.Fatalf("unexpected counts: %+v", job)
	}

	fpkm, err := f.store.LoadResult(jobID, matrix.FPKM)
	if err != nil || fpkm == nil {
		t.Fatalf("LoadResult = %v, %v", fpkm, err)
	}
	if strings.Join(fpkm.RowIDs, ",") != "g1,g2,g3" || strings.Join(fpkm.ColIDs, ",") != "leaf,root" {
		t.Fatalf("unexpected labels: %v %v", fpkm.RowIDs, fpkm.ColIDs)
	}
	if fpkm.Values[0][0] != 1 || fpkm.Values[1][0] != 2 || fpkm.Values[2][1] != 3 {
		t.Fatalf("unexpected FPKM values: %v", fpkm.Values)
	}
	if !math.IsNaN(fpkm.Values[1][1]) || !math.IsNaN(fpkm.Values[2][0]) {
		t.Fatalf("expected NaN for features missing from a sample: %v", fpkm.Values)
	}

	tpm, _ := f.store.LoadResult(jobID, matrix.TPM)
	// leaf: g1 = log2(0.25e6+1), root: g3 is the only expressed feature
	if math.Abs(tpm.Values[0][0]-math.Log2(0.25e6+1)) > 1e-9 || math.Abs(tpm.Values[2][1]-math.Log2(1e6+1)) > 1e-9 {
		t.Fatalf("unexpected TPM values: %v", tpm.Values)
	}
	if len(f.exporter.written) != 2 {
		t.Fatalf("expected both matrices exported, got %v", f.exporter.written)
	}
}

func TestExecuteMatrixJob_RNASeqSetMappedFallback(t *testing.T) {
	f := newMatrixFixture(t)
	f.addExpression(t, "1/10/1", "s1", "node-a", "tracking_id\tgene_id\tFPKM\nt1\tg1\t0\n")
	f.ws.add("1/2/3", "set", "KBaseRNASeq.RNASeqExpressionSet-3.0", map[string]interface{}{
		"mapped_expression_ids": []map[string]string{{"1/7/1": "1/10/1"}},
	})

	jobID := f.submit(t, jobstore.MatrixJobParams{WorkspaceName: "myws", OutputObjName: "out", ExpressionSetRef: "1/2/3"})
	if err := f.svc.ExecuteMatrixJob(context.Background(), f.store, jobID); err != nil {
		t.Fatalf("ExecuteMatrixJob error: %v", err)
	}

	job, _ := f.store.GetJob(jobID)
	if len(job.Warnings) != 1 || !strings.HasPrefix(job.Warnings[0], "s1: unable to compute TPM") {
		t.Fatalf("expected zero-sum warning for s1, got %v", job.Warnings)
	}
}

func TestExecuteMatrixJob_Failures(t *testing.T) {
	t.Run("unknown feature aborts job", func(t *testing.T) {
		f := newMatrixFixture(t)
		f.addExpression(t, "1/10/1", "s1", "node-a", "tracking_id\tgene_id\tFPKM\nt1\tnope\t1\n")
		f.ws.add("1/2/3", "set", "KBaseSets.ExpressionSet-2.0", map[string]interface{}{
			"items": []map[string]string{{"ref": "1/10/1"}},
		})
		jobID := f.submit(t, jobstore.MatrixJobParams{WorkspaceName: "myws", OutputObjName: "out", ExpressionSetRef: "1/2/3"})

		err := f.svc.ExecuteMatrixJob(context.Background(), f.store, jobID)
		var dataErr *errs.DataIntegrityError
		if !errors.As(err, &dataErr) {
			t.Fatalf("expected DataIntegrityError, got %v", err)
		}
		if len(f.ws.saved) != 0 {
			t.Fatal("expected nothing saved after a failed sample")
		}
	})

	t.Run("missing tracking file", func(t *testing.T) {
		f := newMatrixFixture(t)
		f.addExpression(t, "1/10/1", "s1", "node-a", "")
		f.blobs["node-a"] = zipArchive(t, map[string]string{"other.txt": "x"})
		f.ws.add("1/2/3", "set", "KBaseSets.ExpressionSet-2.0", map[string]interface{}{
			"items": []map[string]string{{"ref": "1/10/1"}},
		})
		jobID := f.submit(t, jobstore.MatrixJobParams{WorkspaceName: "myws", OutputObjName: "out", ExpressionSetRef: "1/2/3"})

		err := f.svc.ExecuteMatrixJob(context.Background(), f.store, jobID)
		if err == nil || !strings.Contains(err.Error(), "no genes.fpkm_tracking in expression archive") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newMatrixFixture(t)
		f.addExpression(t, "1/10/1", "s1", "node-a", "tracking_id\tgene_id\tFPKM\nt1\tg1\t1\n")
		f.ws.add("1/2/3", "set", "KBaseSets.ExpressionSet-2.0", map[string]interface{}{
			"items": []map[string]string{{"ref": "1/10/1"}},
		})
		jobID := f.submit(t, jobstore.MatrixJobParams{WorkspaceName: "myws", OutputObjName: "out", ExpressionSetRef: "1/2/3"})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := f.svc.ExecuteMatrixJob(ctx, f.store, jobID); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("empty set", func(t *testing.T) {
		f := newMatrixFixture(t)
		f.ws.add("1/2/3", "set", "KBaseSets.ExpressionSet-2.0", map[string]interface{}{"items": []interface{}{}})
		jobID := f.submit(t, jobstore.MatrixJobParams{WorkspaceName: "myws", OutputObjName: "out", ExpressionSetRef: "1/2/3"})

		var valErr *errs.ValidationError
		if err := f.svc.ExecuteMatrixJob(context.Background(), f.store, jobID); !errors.As(err, &valErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestUnzipRejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	blobs := fakeBlobs{"n": zipArchive(t, map[string]string{"../escape.txt": "x"})}
	if err := blobs.Download(context.Background(), "n", archive); err != nil {
		t.Fatal(err)
	}
	if err := unzip(archive, filepath.Join(dir, "out")); err == nil {
		t.Fatal("expected error for path escaping destination")
	}
}
