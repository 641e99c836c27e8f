package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/exprutils/server/internal/errs"
	"github.com/exprutils/server/internal/jobstore"
	"github.com/exprutils/server/internal/kbase"
	"github.com/exprutils/server/internal/matrix"
)

// Accepted expression set types.
const (
	RNASeqExpressionSetType = "KBaseRNASeq.RNASeqExpressionSet"
	ExpressionSetType       = "KBaseSets.ExpressionSet"
)

// WorkspaceAPI is the subset of the workspace service used by matrix jobs.
type WorkspaceAPI interface {
	ObjectType(ctx context.Context, ref string) (string, error)
	GetObject(ctx context.Context, ref string, out interface{}) (*kbase.ObjectInfo, error)
	GetWorkspaceInfo(ctx context.Context, name string) (*kbase.WorkspaceInfo, error)
	SaveObjects(ctx context.Context, workspace string, objs []kbase.ObjectSaveData) ([]kbase.ObjectInfo, error)
}

// Downloader fetches a blob store node into a local file.
type Downloader interface {
	Download(ctx context.Context, node, dest string) error
}

// MatrixExporter writes result matrices to an external array store.
type MatrixExporter interface {
	Supported() bool
	WriteMatrix(jobID string, metric matrix.Metric, m *matrix.FloatMatrix2D) (string, error)
}

// MatrixServiceConfig contains matrix job settings.
type MatrixServiceConfig struct {
	ScratchDir   string
	TrackingFile string
	Exporter     MatrixExporter // optional
	Logger       *log.Logger
}

// MatrixService builds FPKM and TPM expression matrices from expression sets.
type MatrixService struct {
	ws     WorkspaceAPI
	blobs  Downloader
	levels *LevelsService
	cfg    MatrixServiceConfig
	logger *log.Logger
}

// NewMatrixService creates a new matrix service.
func NewMatrixService(ws WorkspaceAPI, blobs Downloader, levels *LevelsService, cfg MatrixServiceConfig) *MatrixService {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.TrackingFile == "" {
		cfg.TrackingFile = "genes.fpkm_tracking"
	}
	return &MatrixService{ws: ws, blobs: blobs, levels: levels, cfg: cfg, logger: cfg.Logger}
}

// CheckInputs validates params, the target workspace and the type of the
// expression set. It runs before a job is queued.
func (s *MatrixService) CheckInputs(ctx context.Context, p jobstore.MatrixJobParams) error {
	if err := ValidateMatrixParams(p); err != nil {
		return err
	}

	if _, err := s.ws.GetWorkspaceInfo(ctx, p.WorkspaceName); err != nil {
		var serr *kbase.ServerError
		if errors.As(err, &serr) {
			return errs.Validationf("No workspace with name %s exists", p.WorkspaceName)
		}
		return fmt.Errorf("failed to get workspace info: %w", err)
	}

	_, err := s.setKind(ctx, p.ExpressionSetRef)
	return err
}

type setKind int

const (
	rnaseqSet setKind = iota
	setsAPISet
)

func (s *MatrixService) setKind(ctx context.Context, ref string) (setKind, error) {
	typ, err := s.ws.ObjectType(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("failed to get type of %s: %w", ref, err)
	}
	switch {
	case strings.Contains(typ, RNASeqExpressionSetType):
		return rnaseqSet, nil
	case strings.Contains(typ, ExpressionSetType):
		return setsAPISet, nil
	}
	return 0, &errs.TypeError{
		Field:    "expressionset_ref",
		Type:     typ,
		Accepted: []string{RNASeqExpressionSetType, ExpressionSetType},
	}
}

// expressionSample is one expression object of a set.
type expressionSample struct {
	Ref       string
	Name      string
	GenomeRef string
	Node      string
}

type rnaseqExpressionSet struct {
	SampleExpressionIDs []string            `json:"sample_expression_ids"`
	MappedExpressionIDs []map[string]string `json:"mapped_expression_ids"`
}

type setsExpressionSet struct {
	Items []struct {
		Ref string `json:"ref"`
	} `json:"items"`
}

type rnaseqExpression struct {
	GenomeID string `json:"genome_id"`
	File     struct {
		ID       string `json:"id"`
		FileName string `json:"file_name"`
	} `json:"file"`
}

// sampleRefs lists the expression object refs of a set in set order.
func (s *MatrixService) sampleRefs(ctx context.Context, ref string) ([]string, error) {
	kind, err := s.setKind(ctx, ref)
	if err != nil {
		return nil, err
	}

	var refs []string
	switch kind {
	case rnaseqSet:
		var set rnaseqExpressionSet
		if _, err := s.ws.GetObject(ctx, ref, &set); err != nil {
			return nil, fmt.Errorf("failed to get expression set %s: %w", ref, err)
		}
		refs = set.SampleExpressionIDs
		if len(refs) == 0 {
			for _, m := range set.MappedExpressionIDs {
				keys := make([]string, 0, len(m))
				for k := range m {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					refs = append(refs, m[k])
				}
			}
		}
	case setsAPISet:
		var set setsExpressionSet
		if _, err := s.ws.GetObject(ctx, ref, &set); err != nil {
			return nil, fmt.Errorf("failed to get expression set %s: %w", ref, err)
		}
		for _, item := range set.Items {
			refs = append(refs, item.Ref)
		}
	}

	if len(refs) == 0 {
		return nil, errs.Validationf("expression set %s has no expression objects", ref)
	}
	return refs, nil
}

func (s *MatrixService) loadSample(ctx context.Context, ref string) (expressionSample, error) {
	var expr rnaseqExpression
	info, err := s.ws.GetObject(ctx, ref, &expr)
	if err != nil {
		return expressionSample{}, fmt.Errorf("failed to get expression %s: %w", ref, err)
	}
	if expr.GenomeID == "" {
		return expressionSample{}, errs.Validationf("expression %s has no genome_id", ref)
	}
	if expr.File.ID == "" {
		return expressionSample{}, errs.Validationf("expression %s has no file handle", ref)
	}
	return expressionSample{
		Ref:       ref,
		Name:      info.Name,
		GenomeRef: expr.GenomeID,
		Node:      expr.File.ID,
	}, nil
}

// ExecuteMatrixJob runs a matrix job (called by JobManager worker).
func (s *MatrixService) ExecuteMatrixJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	p := job.Params

	// Phase 1: Validate inputs again, the workspace may have changed since submit
	store.UpdateJobProgress(jobID, "validating", 0, 1)
	if err := s.CheckInputs(ctx, p); err != nil {
		return err
	}

	// Phase 2: Collect expression objects
	refs, err := s.sampleRefs(ctx, p.ExpressionSetRef)
	if err != nil {
		return err
	}
	samples := make([]expressionSample, 0, len(refs))
	for _, ref := range refs {
		sample, err := s.loadSample(ctx, ref)
		if err != nil {
			return err
		}
		samples = append(samples, sample)
	}
	s.logger.Printf("[MatrixService] job %s: %d expression objects in %s", jobID, len(samples), p.ExpressionSetRef)

	workDir := filepath.Join(s.cfg.ScratchDir, "matrix_"+jobID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Phase 3: Compute levels per sample
	var warnings []string
	fpkmCols := make([]matrix.Sample, 0, len(samples))
	tpmCols := make([]matrix.Sample, 0, len(samples))
	for i, sample := range samples {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		store.UpdateJobProgress(jobID, "computing_levels", i, len(samples))

		path, err := s.fetchTrackingFile(ctx, sample, filepath.Join(workDir, strconv.Itoa(i)))
		if err != nil {
			return err
		}
		levels, err := s.levels.ExpressionLevels(ctx, path, sample.GenomeRef, p.IDColumn)
		if err != nil {
			return fmt.Errorf("expression %s: %w", sample.Name, err)
		}
		for _, w := range levels.Warnings {
			warnings = append(warnings, fmt.Sprintf("%s: %s", sample.Name, w))
		}
		fpkmCols = append(fpkmCols, matrix.Sample{Name: sample.Name, Values: levels.FPKM})
		tpmCols = append(tpmCols, matrix.Sample{Name: sample.Name, Values: levels.TPM})
	}

	// Phase 4: Assemble matrices
	store.UpdateJobProgress(jobID, "assembling", len(samples), len(samples))
	fpkm, err := matrix.Assemble(fpkmCols)
	if err != nil {
		return fmt.Errorf("failed to assemble FPKM matrix: %w", err)
	}
	tpm, err := matrix.Assemble(tpmCols)
	if err != nil {
		return fmt.Errorf("failed to assemble TPM matrix: %w", err)
	}

	genomeRef := samples[0].GenomeRef
	for _, sample := range samples[1:] {
		if sample.GenomeRef != genomeRef {
			warnings = append(warnings, fmt.Sprintf("expressions reference different genomes (%s, %s); matrices use %s",
				genomeRef, sample.GenomeRef, genomeRef))
			break
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 5: Save matrices to the workspace
	store.UpdateJobProgress(jobID, "saving_matrices", 0, 2)
	infos, err := s.ws.SaveObjects(ctx, p.WorkspaceName, []kbase.ObjectSaveData{
		{Type: matrix.ExpressionMatrixType, Name: p.OutputObjName + "_FPKM", Data: matrix.NewExpressionMatrix(genomeRef, fpkm)},
		{Type: matrix.ExpressionMatrixType, Name: p.OutputObjName + "_TPM", Data: matrix.NewExpressionMatrix(genomeRef, tpm)},
	})
	if err != nil {
		return fmt.Errorf("failed to save expression matrices: %w", err)
	}
	if len(infos) != 2 {
		return fmt.Errorf("expected 2 saved objects, got %d", len(infos))
	}

	// Phase 6: Store results locally
	store.UpdateJobProgress(jobID, "storing_results", 1, 2)
	for _, r := range []struct {
		metric matrix.Metric
		m      *matrix.FloatMatrix2D
	}{{matrix.FPKM, fpkm}, {matrix.TPM, tpm}} {
		if err := store.SaveResult(jobID, r.metric, r.m); err != nil {
			return fmt.Errorf("failed to save %s result: %w", r.metric, err)
		}
		s.export(jobID, r.metric, r.m)
	}

	if err := store.UpdateJobOutputs(jobID, jobstore.Outputs{
		NSamples:  len(samples),
		NFeatures: len(fpkm.RowIDs),
		FPKMRef:   infos[0].Ref(),
		TPMRef:    infos[1].Ref(),
		Warnings:  warnings,
	}); err != nil {
		return fmt.Errorf("failed to record outputs: %w", err)
	}
	store.UpdateJobProgress(jobID, "done", 2, 2)
	return nil
}

func (s *MatrixService) export(jobID string, metric matrix.Metric, m *matrix.FloatMatrix2D) {
	if s.cfg.Exporter == nil || !s.cfg.Exporter.Supported() {
		return
	}
	uri, err := s.cfg.Exporter.WriteMatrix(jobID, metric, m)
	if err != nil {
		s.logger.Printf("[MatrixService] job %s: tiledb export of %s failed: %v", jobID, metric, err)
		return
	}
	s.logger.Printf("[MatrixService] job %s: exported %s to %s", jobID, metric, uri)
}

// fetchTrackingFile downloads and unpacks the archive of sample into dir
// and returns the path of its tracking file.
func (s *MatrixService) fetchTrackingFile(ctx context.Context, sample expressionSample, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	archive := filepath.Join(dir, "expression.zip")
	if err := s.blobs.Download(ctx, sample.Node, archive); err != nil {
		return "", fmt.Errorf("expression %s: %w", sample.Name, err)
	}
	if err := unzip(archive, filepath.Join(dir, "files")); err != nil {
		return "", fmt.Errorf("expression %s: %w", sample.Name, err)
	}
	path, err := findFile(filepath.Join(dir, "files"), s.cfg.TrackingFile)
	if err != nil {
		return "", fmt.Errorf("expression %s: %w", sample.Name, err)
	}
	return path, nil
}

// unzip extracts archive into dest, rejecting entries that escape dest.
func unzip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range zr.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("illegal path in archive: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// findFile returns the first file named name (or name.gz) under root in
// lexical walk order.
func findFile(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if base := d.Name(); base == name || base == name+".gz" {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no %s in expression archive", name)
	}
	return found, nil
}
