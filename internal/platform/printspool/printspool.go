// Package printspool holds rendered, watermarked print jobs until the browser
// fetches them for printing. It defines the Store interface and an in-memory
// implementation with per-job expiry.
package printspool

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound        = errors.New("print job not found")
	ErrJobExpired         = errors.New("print job expired")
	ErrJobTooLarge        = errors.New("print job exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
)

// MaxJobSize is the maximum rendered job size in bytes (20 MB).
const MaxJobSize = 20 * 1024 * 1024

// DefaultTTL is how long a job stays fetchable.
const DefaultTTL = 15 * time.Minute

// AllowedContentTypes lists the renderings the spool accepts.
var AllowedContentTypes = map[string]bool{
	"application/json": true,
	"application/pdf":  true,
	"text/html":        true,
	"text/plain":       true,
}

// Job describes one spooled print job.
type Job struct {
	ID          string    `json:"id"`
	FactID      string    `json:"factId"`
	ActorID     string    `json:"actorId"`
	PatientID   string    `json:"patientId"`
	Title       string    `json:"title"`
	ContentType string    `json:"contentType"`
	Pages       int       `json:"pages"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store is the contract for spool backends.
type Store interface {
	Put(ctx context.Context, job Job, content io.Reader) (*Job, error)
	Open(ctx context.Context, id string) (io.ReadCloser, *Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	ListByActor(ctx context.Context, actorID string) ([]*Job, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type storedJob struct {
	job     Job
	content []byte
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*storedJob
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore returns a store whose jobs expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{jobs: make(map[string]*storedJob), ttl: ttl, now: time.Now}
}

// Put reads content, hashes it and stores the job. ID, Size, Hash, CreatedAt
// and ExpiresAt are assigned here.
func (s *MemoryStore) Put(_ context.Context, job Job, content io.Reader) (*Job, error) {
	if !AllowedContentTypes[job.ContentType] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContentType, job.ContentType)
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxJobSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxJobSize {
		return nil, ErrJobTooLarge
	}

	h := sha256.Sum256(data)
	now := s.now().UTC()
	job.ID = uuid.New().String()
	job.Size = int64(len(data))
	job.Hash = fmt.Sprintf("%x", h)
	job.CreatedAt = now
	job.ExpiresAt = now.Add(s.ttl)

	s.mu.Lock()
	s.jobs[job.ID] = &storedJob{job: job, content: data}
	s.mu.Unlock()

	out := job
	return &out, nil
}

func (s *MemoryStore) lookup(id string) (*storedJob, error) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	if !s.now().Before(j.job.ExpiresAt) {
		return nil, ErrJobExpired
	}
	return j, nil
}

// Open returns a reader over the job content and its metadata.
func (s *MemoryStore) Open(_ context.Context, id string) (io.ReadCloser, *Job, error) {
	j, err := s.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	job := j.job
	return io.NopCloser(bytes.NewReader(j.content)), &job, nil
}

// Get returns job metadata without content.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	job := j.job
	return &job, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// ListByActor returns the live jobs of one actor, newest first.
func (s *MemoryStore) ListByActor(_ context.Context, actorID string) ([]*Job, error) {
	now := s.now()
	s.mu.RLock()
	var out []*Job
	for _, j := range s.jobs {
		if j.job.ActorID != actorID || !now.Before(j.job.ExpiresAt) {
			continue
		}
		job := j.job
		out = append(out, &job)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}

// PurgeExpired drops every job that expired at or before now.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if !now.Before(j.job.ExpiresAt) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
