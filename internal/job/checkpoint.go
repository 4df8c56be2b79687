package job

import (
	"encoding/json"
	"fmt"
	"time"

	"deepscholar/internal/coverage"
	"deepscholar/internal/engine"
	"deepscholar/internal/search"
)

// CheckpointVersion is written into every checkpoint. Readers accept any
// version at or above 1 and ignore fields they do not know, so a checkpoint
// written by a newer build still resumes here.
const CheckpointVersion = 1

// Checkpoint is the full resumable state of a job, serialized into the job
// row after every transition.
type Checkpoint struct {
	Version int    `json:"version"`
	JobID   string `json:"job_id"`
	Prompt  string `json:"prompt"`

	State       State `json:"state"`
	ResumeState State `json:"resume_state,omitempty"` // set while paused

	Plan           *search.Plan    `json:"plan,omitempty"`
	SeenURLs       []string        `json:"seen_urls,omitempty"`
	PendingQueries []string        `json:"pending_queries,omitempty"`
	Candidates     []engine.Result `json:"candidates,omitempty"` // awaiting acquisition

	Iteration       int `json:"iteration"`
	SourcesAcquired int `json:"sources_acquired"`
	SourcesFailed   int `json:"sources_failed"`

	Assessment  *coverage.Assessment         `json:"assessment,omitempty"`
	Sufficiency *coverage.SufficiencyVerdict `json:"sufficiency,omitempty"`
	Remediated  bool                         `json:"remediated"`

	DraftBody       string              `json:"draft_body,omitempty"`
	DraftExtractive bool                `json:"draft_extractive,omitempty"`
	GroundingScore  float64             `json:"grounding_score,omitempty"`
	LaneReports     []engine.LaneReport `json:"lane_reports,omitempty"`

	Report    string    `json:"report,omitempty"`
	FailedErr string    `json:"failed_err,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Marshal serializes the checkpoint, stamping version and time.
func (c *Checkpoint) Marshal() ([]byte, error) {
	c.Version = CheckpointVersion
	c.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// LoadCheckpoint deserializes a checkpoint. Unknown fields from newer
// versions are ignored; a version below 1 is rejected.
func LoadCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if c.Version < 1 {
		return nil, fmt.Errorf("unsupported checkpoint version %d", c.Version)
	}
	if c.State == "" {
		return nil, fmt.Errorf("checkpoint missing state")
	}
	return &c, nil
}
