package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/exprutils/server/internal/cache"
	"github.com/exprutils/server/internal/errs"
	"github.com/exprutils/server/internal/expression"
	"github.com/exprutils/server/internal/jobstore"
	"github.com/exprutils/server/internal/kbase"
	"github.com/exprutils/server/internal/matrix"
	"github.com/exprutils/server/internal/render"
)

const (
	defaultResultLimit = 50
	maxResultLimit     = 500
)

// LevelsComputer computes expression levels of one tracking file.
type LevelsComputer interface {
	ExpressionLevels(ctx context.Context, path, ref string, idCol int) (*expression.Levels, error)
}

// InputChecker validates matrix job parameters before a job is queued.
type InputChecker interface {
	CheckInputs(ctx context.Context, p jobstore.MatrixJobParams) error
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	CORSOrigins     []string
	ScratchDir      string
	DefaultIDColumn int
	Levels          LevelsComputer
	Inputs          InputChecker
	JobManager      *JobManager
	Cache           *cache.Manager
	Renderer        *render.HeatmapRenderer
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/expression_levels", expressionLevelsHandler(cfg))

		r.Route("/matrix/jobs", func(r chi.Router) {
			r.Post("/", matrixJobSubmitHandler(cfg))
			r.Get("/{job_id}", matrixJobStatusHandler(cfg.JobManager))
			r.Get("/{job_id}/result", matrixJobResultHandler(cfg))
			r.Get("/{job_id}/heatmap.png", matrixJobHeatmapHandler(cfg))
			r.Delete("/{job_id}", matrixJobCancelHandler(cfg))
		})

		if cfg.Cache != nil {
			r.Get("/cache/stats", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, cfg.Cache.Stats())
			})
		}
	})

	return r
}

// statusForError maps an error to the HTTP status reported to clients.
func statusForError(err error) int {
	var (
		cfgErr   *errs.ConfigurationError
		valErr   *errs.ValidationError
		typeErr  *errs.TypeError
		dataErr  *errs.DataIntegrityError
		parseErr *expression.ParseError
		srvErr   *kbase.ServerError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &valErr), errors.As(err, &typeErr):
		return http.StatusBadRequest
	case errors.As(err, &dataErr), errors.As(err, &parseErr), errors.Is(err, expression.ErrNoFPKMColumn):
		return http.StatusUnprocessableEntity
	case errors.As(err, &srvErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusForError(err))
}

// writeJSON encodes v before writing the status so an unencodable value
// becomes a 500 instead of an empty success.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[API] failed to encode response: %v", err)
		http.Error(w, "failed to encode response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

// scratchPath resolves p against the scratch directory and rejects paths
// outside it.
func scratchPath(scratch, p string) (string, error) {
	root, err := filepath.Abs(scratch)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.Validationf("file_path must be inside the scratch directory: %s", p)
	}
	return p, nil
}

// Expression levels handler

type expressionLevelsRequest struct {
	FilePath  string `json:"file_path"`
	GenomeRef string `json:"genome_ref"`
	IDCol     *int   `json:"id_col"`
}

func expressionLevelsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Levels == nil {
			http.Error(w, "levels service not configured", http.StatusNotImplemented)
			return
		}

		var req expressionLevelsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		path := req.FilePath
		if path != "" {
			p, err := scratchPath(cfg.ScratchDir, path)
			if err != nil {
				writeError(w, err)
				return
			}
			path = p
		}
		idCol := cfg.DefaultIDColumn
		if req.IDCol != nil {
			idCol = *req.IDCol
		}

		levels, err := cfg.Levels.ExpressionLevels(r.Context(), path, req.GenomeRef, idCol)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, levels)
	}
}

// Matrix job handlers

type matrixJobSubmitRequest struct {
	ExpressionSetRef string `json:"expressionset_ref"`
	WorkspaceName    string `json:"workspace_name"`
	OutputObjName    string `json:"output_obj_name"`
	IDCol            *int   `json:"id_col"`
}

func matrixJobSubmitHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jm := cfg.JobManager
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req matrixJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		params := jobstore.MatrixJobParams{
			ExpressionSetRef: req.ExpressionSetRef,
			WorkspaceName:    req.WorkspaceName,
			OutputObjName:    req.OutputObjName,
			IDColumn:         cfg.DefaultIDColumn,
		}
		if req.IDCol != nil {
			params.IDColumn = *req.IDCol
		}

		if cfg.Inputs != nil {
			if err := cfg.Inputs.CheckInputs(r.Context(), params); err != nil {
				writeError(w, err)
				return
			}
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func matrixJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// completedJob loads a job and checks that it has results. It writes the
// error response and returns nil when the job cannot serve results.
func completedJob(w http.ResponseWriter, r *http.Request, jm *JobManager) *jobstore.MatrixJob {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	if job.Status != jobstore.JobStatusCompleted {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
		return nil
	}
	return job
}

// loadResult returns a result matrix, preferring the decoded-result cache.
func loadResult(cfg RouterConfig, jobID string, metric matrix.Metric) (*matrix.FloatMatrix2D, error) {
	key := cache.ResultKey(jobID, string(metric))
	raw, ok := []byte(nil), false
	if cfg.Cache != nil {
		raw, ok = cfg.Cache.GetResult(key)
	}
	if !ok {
		var err error
		raw, err = cfg.JobManager.Store().LoadResultJSON(jobID, metric)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, nil
		}
		if cfg.Cache != nil {
			cfg.Cache.SetResult(key, raw)
		}
	}

	var m matrix.FloatMatrix2D
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func matrixJobResultHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := completedJob(w, r, cfg.JobManager)
		if job == nil {
			return
		}

		query := r.URL.Query()
		metric, err := matrix.ParseMetric(query.Get("metric"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Parse pagination params
		offset := 0
		limit := defaultResultLimit
		if offsetStr := query.Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := query.Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = v
				if limit > maxResultLimit {
					limit = maxResultLimit
				}
			}
		}

		m, err := loadResult(cfg, job.ID, metric)
		if err != nil {
			http.Error(w, "failed to load result: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if m == nil {
			http.Error(w, "result not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id": job.ID,
			"metric": metric,
			"total":  len(m.RowIDs),
			"offset": offset,
			"limit":  limit,
			"data":   m.Slice(offset, limit),
		})
	}
}

func matrixJobHeatmapHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Renderer == nil {
			http.Error(w, "renderer not configured", http.StatusNotImplemented)
			return
		}
		job := completedJob(w, r, cfg.JobManager)
		if job == nil {
			return
		}

		query := r.URL.Query()
		metric, err := matrix.ParseMetric(query.Get("metric"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rows := 0
		if rowsStr := query.Get("rows"); rowsStr != "" {
			v, err := strconv.Atoi(rowsStr)
			if err != nil {
				http.Error(w, "invalid rows", http.StatusBadRequest)
				return
			}
			rows = v
		}
		rows = cfg.Renderer.ClampRows(rows)
		colormapName := query.Get("colormap")

		key := cache.HeatmapKey(job.ID, string(metric), colormapName, rows)
		if cfg.Cache != nil {
			if data, ok := cfg.Cache.GetHeatmap(key); ok {
				writePNG(w, data)
				return
			}
		}

		m, err := loadResult(cfg, job.ID, metric)
		if err != nil {
			http.Error(w, "failed to load result: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if m == nil {
			http.Error(w, "result not found", http.StatusNotFound)
			return
		}

		data, err := cfg.Renderer.Render(m, rows, colormapName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if cfg.Cache != nil {
			cfg.Cache.SetHeatmap(key, data)
		}
		writePNG(w, data)
	}
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func matrixJobCancelHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jm := cfg.JobManager
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		cancelled := jm.Cancel(jobID)

		purged := false
		if r.URL.Query().Get("purge") == "true" && (job.Status.Finished() || job.Status == jobstore.JobStatusQueued) {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			if cfg.Cache != nil {
				cfg.Cache.InvalidateJob(jobID)
			}
			purged = true
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": cancelled,
			"purged":    purged,
		})
	}
}
