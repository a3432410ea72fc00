package printspool

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)

func newStore(clock *time.Time) *MemoryStore {
	s := NewMemoryStore(10 * time.Minute)
	s.now = func() time.Time { return *clock }
	return s
}

func TestMemoryStore_PutAndOpen(t *testing.T) {
	clock := t0
	s := newStore(&clock)
	ctx := context.Background()

	job, err := s.Put(ctx, Job{FactID: "F1", ActorID: "U1", ContentType: "application/json", Pages: 2}, strings.NewReader(`{"pages":[]}`))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, int64(12), job.Size)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256([]byte(`{"pages":[]}`))), job.Hash)
	assert.Equal(t, t0.Add(10*time.Minute), job.ExpiresAt)

	rc, meta, err := s.Open(ctx, job.ID)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"pages":[]}`, string(body))
	assert.Equal(t, "F1", meta.FactID)
}

func TestMemoryStore_RejectsUnknownContentType(t *testing.T) {
	s := NewMemoryStore(0)
	_, err := s.Put(context.Background(), Job{ContentType: "image/png"}, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidContentType)
}

func TestMemoryStore_RejectsOversizedJob(t *testing.T) {
	s := NewMemoryStore(0)
	big := strings.NewReader(strings.Repeat("a", MaxJobSize+1))
	_, err := s.Put(context.Background(), Job{ContentType: "text/plain"}, big)
	assert.ErrorIs(t, err, ErrJobTooLarge)
}

func TestMemoryStore_Expiry(t *testing.T) {
	clock := t0
	s := newStore(&clock)
	ctx := context.Background()

	job, err := s.Put(ctx, Job{ActorID: "U1", ContentType: "text/plain"}, strings.NewReader("page"))
	require.NoError(t, err)

	clock = t0.Add(10 * time.Minute)
	_, err = s.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobExpired)

	jobs, err := s.ListByActor(ctx, "U1")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	n, err := s.PurgeExpired(ctx, clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryStore_ListByActorNewestFirst(t *testing.T) {
	clock := t0
	s := newStore(&clock)
	ctx := context.Background()

	first, err := s.Put(ctx, Job{ActorID: "U1", ContentType: "text/plain"}, strings.NewReader("1"))
	require.NoError(t, err)
	clock = t0.Add(time.Minute)
	second, err := s.Put(ctx, Job{ActorID: "U1", ContentType: "text/plain"}, strings.NewReader("2"))
	require.NoError(t, err)
	_, err = s.Put(ctx, Job{ActorID: "U2", ContentType: "text/plain"}, strings.NewReader("3"))
	require.NoError(t, err)

	jobs, err := s.ListByActor(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	job, err := s.Put(ctx, Job{ContentType: "text/plain"}, strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, job.ID))
	assert.ErrorIs(t, s.Delete(ctx, job.ID), ErrJobNotFound)
}
