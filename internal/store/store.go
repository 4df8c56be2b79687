// Package store persists jobs, sources and chunks in a local SQLite
// database under the workspace. Jobs are upserted; sources and chunks are
// append-only so a resumed job never loses acquired material.
package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"deepscholar/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// JobRecord is a persisted research job. Checkpoint holds the versioned
// JSON state the job machine writes after every transition.
type JobRecord struct {
	ID         string
	Prompt     string
	State      string
	Checkpoint []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SourceRecord is an acquired (or failed) source. Content is immutable once
// written.
type SourceRecord struct {
	ID          string
	JobID       string
	URL         string
	Domain      string
	Title       string
	Engine      string
	Outcome     string
	Content     string // markdown; empty for failed fetches
	ContentHash string
	FetchedAt   time.Time
}

// ChunkRecord is one indexed span of a source. Embedding is empty when the
// pipeline degraded to lexical-only.
type ChunkRecord struct {
	ID        string
	JobID     string
	SourceID  string
	Seq       int
	Text      string
	Embedding []float32
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	state TEXT NOT NULL,
	checkpoint BLOB,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	url TEXT NOT NULL,
	domain TEXT NOT NULL,
	title TEXT,
	engine TEXT,
	outcome TEXT NOT NULL,
	content TEXT,
	content_hash TEXT,
	fetched_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_job ON sources(job_id);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	source_id TEXT NOT NULL REFERENCES sources(id),
	seq INTEGER NOT NULL,
	text TEXT NOT NULL,
	embedding BLOB
);
CREATE INDEX IF NOT EXISTS idx_chunks_job ON chunks(job_id);
`

// Open opens (creating if needed) the store at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer keeps SQLite happy under concurrent pipeline stages.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logging.Store("Opened store at %s", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ====== JOBS ======

// SaveJob upserts the job row.
func (s *Store) SaveJob(job *JobRecord) error {
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, prompt, state, checkpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			checkpoint = excluded.checkpoint,
			updated_at = excluded.updated_at`,
		job.ID, job.Prompt, job.State, job.Checkpoint, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	logging.StoreDebug("Saved job %s state=%s", job.ID, job.State)
	return nil
}

// GetJob loads one job. Returns sql.ErrNoRows wrapped when absent.
func (s *Store) GetJob(id string) (*JobRecord, error) {
	var job JobRecord
	err := s.db.QueryRow(`
		SELECT id, prompt, state, checkpoint, created_at, updated_at
		FROM jobs WHERE id = ?`, id).
		Scan(&job.ID, &job.Prompt, &job.State, &job.Checkpoint, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns all jobs, most recently updated first.
func (s *Store) ListJobs() ([]JobRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, prompt, state, checkpoint, created_at, updated_at
		FROM jobs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		var job JobRecord
		if err := rows.Scan(&job.ID, &job.Prompt, &job.State, &job.Checkpoint, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ====== SOURCES ======

// AddSource appends a source row. Source rows are never updated.
func (s *Store) AddSource(src *SourceRecord) error {
	if src.FetchedAt.IsZero() {
		src.FetchedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO sources (id, job_id, url, domain, title, engine, outcome, content, content_hash, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.JobID, src.URL, src.Domain, src.Title, src.Engine, src.Outcome, src.Content, src.ContentHash, src.FetchedAt)
	if err != nil {
		return fmt.Errorf("failed to add source %s: %w", src.URL, err)
	}
	return nil
}

// SourcesForJob returns every source row for a job in insertion order.
func (s *Store) SourcesForJob(jobID string) ([]SourceRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, url, domain, title, engine, outcome, content, content_hash, fetched_at
		FROM sources WHERE job_id = ? ORDER BY fetched_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []SourceRecord
	for rows.Next() {
		var src SourceRecord
		if err := rows.Scan(&src.ID, &src.JobID, &src.URL, &src.Domain, &src.Title, &src.Engine, &src.Outcome, &src.Content, &src.ContentHash, &src.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ====== CHUNKS ======

// AddChunks appends chunk rows in one transaction.
func (s *Store) AddChunks(chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, job_id, source_id, seq, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.Exec(c.ID, c.JobID, c.SourceID, c.Seq, c.Text, EncodeVector(c.Embedding)); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	logging.StoreDebug("Inserted %d chunks", len(chunks))
	return nil
}

// ChunksForJob returns every chunk for a job ordered by source then sequence.
func (s *Store) ChunksForJob(jobID string) ([]ChunkRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, source_id, seq, text, embedding
		FROM chunks WHERE job_id = ? ORDER BY source_id, seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ChunkRecord
	for rows.Next() {
		var (
			c    ChunkRecord
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.JobID, &c.SourceID, &c.Seq, &c.Text, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Embedding = DecodeVector(blob)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ====== VECTOR ENCODING ======

// EncodeVector serializes a float32 vector as a little-endian blob.
// Returns nil for an empty vector.
func EncodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes an EncodeVector blob. Returns nil for empty or
// malformed input.
func DecodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
