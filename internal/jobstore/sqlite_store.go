// Package jobstore provides persistent storage for expression matrix jobs
// and their result matrices using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/exprutils/server/internal/matrix"
)

// JobStatus represents the current state of a matrix job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// MatrixJobParams contains the parameters for a matrix job.
type MatrixJobParams struct {
	ExpressionSetRef string `json:"expressionset_ref"`
	WorkspaceName    string `json:"workspace_name"`
	OutputObjName    string `json:"output_obj_name"`
	IDColumn         int    `json:"id_col"`
}

// JobProgress represents the progress of a matrix job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// MatrixJob represents an expression matrix job.
type MatrixJob struct {
	ID         string          `json:"job_id"`
	Status     JobStatus       `json:"status"`
	Params     MatrixJobParams `json:"params"`
	Progress   JobProgress     `json:"progress"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	NSamples   int             `json:"n_samples"`
	NFeatures  int             `json:"n_features"`
	FPKMRef    string          `json:"exprMatrix_FPKM_ref,omitempty"`
	TPMRef     string          `json:"exprMatrix_TPM_ref,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Outputs are the results recorded when a job completes.
type Outputs struct {
	NSamples  int
	NFeatures int
	FPKMRef   string
	TPMRef    string
	Warnings  []string
}

// Store provides persistent storage for matrix jobs using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS matrix_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_samples INTEGER DEFAULT 0,
		n_features INTEGER DEFAULT 0,
		fpkm_ref TEXT DEFAULT '',
		tpm_ref TEXT DEFAULT '',
		warnings_json TEXT DEFAULT '[]',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_matrix_jobs_status ON matrix_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_matrix_jobs_finished ON matrix_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS matrix_results (
		job_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		n_rows INTEGER NOT NULL,
		n_cols INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (job_id, metric),
		FOREIGN KEY (job_id) REFERENCES matrix_jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, status, params_json, phase, done, total, n_samples, n_features,
	fpkm_ref, tpm_ref, warnings_json, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *MatrixJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	warningsJSON, err := json.Marshal(nonNil(job.Warnings))
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO matrix_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NSamples,
		job.NFeatures,
		job.FPKMRef,
		job.TPMRef,
		string(warningsJSON),
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil when no job exists.
func (s *Store) GetJob(jobID string) (*MatrixJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM matrix_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// UpdateJobStatus updates the job status and error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE matrix_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted moves a queued job to running with its start time. It
// reports false when the job is no longer queued.
func (s *Store) UpdateJobStarted(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE matrix_jobs SET status = ?, started_at = ?
		WHERE job_id = ? AND status = ?
	`, string(JobStatusRunning), now, jobID, string(JobStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE matrix_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobOutputs records counts, saved object refs and warnings.
func (s *Store) UpdateJobOutputs(jobID string, out Outputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	warningsJSON, err := json.Marshal(nonNil(out.Warnings))
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE matrix_jobs SET n_samples = ?, n_features = ?, fpkm_ref = ?, tpm_ref = ?, warnings_json = ?
		WHERE job_id = ?
	`, out.NSamples, out.NFeatures, out.FPKMRef, out.TPMRef, string(warningsJSON), jobID)
	return err
}

// SaveResult stores a result matrix, zstd-compressed, replacing any
// previous matrix of the same metric.
func (s *Store) SaveResult(jobID string, metric matrix.Metric, m *matrix.FloatMatrix2D) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal matrix: %w", err)
	}
	blob := s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4))

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO matrix_results (job_id, metric, n_rows, n_cols, data)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, string(metric), len(m.RowIDs), len(m.ColIDs), blob)
	return err
}

// LoadResultJSON returns the JSON encoding of a stored result matrix. It
// returns nil, nil when the job has no such result.
func (s *Store) LoadResultJSON(jobID string, metric matrix.Metric) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`
		SELECT data FROM matrix_results WHERE job_id = ? AND metric = ?
	`, jobID, string(metric)).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return raw, nil
}

// LoadResult returns a stored result matrix, or nil, nil when absent.
func (s *Store) LoadResult(jobID string, metric matrix.Metric) (*matrix.FloatMatrix2D, error) {
	raw, err := s.LoadResultJSON(jobID, metric)
	if err != nil || raw == nil {
		return nil, err
	}
	var m matrix.FloatMatrix2D
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal matrix: %w", err)
	}
	return &m, nil
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*MatrixJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM matrix_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*MatrixJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE matrix_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM matrix_results WHERE job_id IN (
			SELECT job_id FROM matrix_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM matrix_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM matrix_results WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM matrix_jobs WHERE job_id = ?", jobID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*MatrixJob, error) {
	var job MatrixJob
	var paramsJSON, warningsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.NSamples,
		&job.NFeatures,
		&job.FPKMRef,
		&job.TPMRef,
		&warningsJSON,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if warningsJSON != "" {
		if err := json.Unmarshal([]byte(warningsJSON), &job.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	if len(job.Warnings) == 0 {
		job.Warnings = nil
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
