// internal/state/job.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Job kinds.
const (
	JobSync = "sync"
	JobSend = "send"
)

// Job is a named piece of recurring work: either a conversation list sync
// or a message sent into a conversation on a schedule.
type Job struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	Schedule       string `json:"schedule"`
	ConversationID string `json:"conversation_id,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	UseAgent       bool   `json:"use_agent,omitempty"`
	Notify         string `json:"notify,omitempty"`
	Enabled        bool   `json:"enabled"`
}

// Validate checks that the job is well-formed for its kind.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.Schedule == "" {
		return fmt.Errorf("job %s: schedule is required", j.Name)
	}
	switch j.Kind {
	case JobSync:
	case JobSend:
		if j.ConversationID == "" || j.Prompt == "" {
			return fmt.Errorf("job %s: send jobs need a conversation and a prompt", j.Name)
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", j.Name, j.Kind)
	}
	return nil
}

// JobStore is a JSON-file-backed store for jobs.
type JobStore struct {
	path string
	mu   sync.RWMutex
}

// NewJobStore creates a new file-backed JobStore at the given file path.
func NewJobStore(path string) *JobStore {
	return &JobStore{path: path}
}

// Path returns the file path used by this store.
func (s *JobStore) Path() string {
	return s.path
}

// List returns all jobs. Returns an empty slice if the file doesn't exist.
func (s *JobStore) List() ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, err := s.load()
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		return []*Job{}, nil
	}
	return jobs, nil
}

// Get finds a job by name.
func (s *JobStore) Get(name string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, err := s.load()
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if job.Name == name {
			return job, nil
		}
	}
	return nil, fmt.Errorf("job %s: %w", name, ErrNotFound)
}

// Add appends a job. Returns an error if it is invalid or the name is taken.
func (s *JobStore) Add(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return err
	}

	for _, existing := range jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("job already exists: %s", job.Name)
		}
	}

	jobs = append(jobs, job)
	return s.save(jobs)
}

// Remove deletes a job by name.
func (s *JobStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return err
	}

	for i, job := range jobs {
		if job.Name == name {
			jobs = append(jobs[:i], jobs[i+1:]...)
			return s.save(jobs)
		}
	}
	return fmt.Errorf("job %s: %w", name, ErrNotFound)
}

// SetEnabled toggles the enabled flag for a job.
func (s *JobStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.Name == name {
			job.Enabled = enabled
			return s.save(jobs)
		}
	}
	return fmt.Errorf("job %s: %w", name, ErrNotFound)
}

func (s *JobStore) load() ([]*Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) save(jobs []*Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}
	return writeFileAtomic(s.path, data, 0o644)
}
