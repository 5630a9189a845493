package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

type fakeJobStore struct {
	mu        sync.Mutex
	pending   []models.Job
	completed map[uuid.UUID]map[string]any
	failed    map[uuid.UUID]models.JobError
	canceled  map[uuid.UUID]bool
	cancelReq map[uuid.UUID]bool
	events    []models.JobProgress
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		completed: map[uuid.UUID]map[string]any{},
		failed:    map[uuid.UUID]models.JobError{},
		canceled:  map[uuid.UUID]bool{},
		cancelReq: map[uuid.UUID]bool{},
	}
}

func (s *fakeJobStore) ClaimNextJob(ctx context.Context, jobTypes []string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return models.Job{}, false, nil
	}
	j := s.pending[0]
	s.pending = s.pending[1:]
	return j, true, nil
}

func (s *fakeJobStore) UpdateProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, p)
	return nil
}

func (s *fakeJobStore) CompleteJob(ctx context.Context, id uuid.UUID, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = result
	return nil
}

func (s *fakeJobStore) FailJob(ctx context.Context, id uuid.UUID, jobErr models.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = jobErr
	return nil
}

func (s *fakeJobStore) CancelJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled[id] = true
	return nil
}

func (s *fakeJobStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReq[id], nil
}

func (s *fakeJobStore) requestCancel(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelReq[id] = true
}

func TestRunnerCompletesNoopJob(t *testing.T) {
	store := newFakeJobStore()
	jobID := uuid.New()
	store.pending = append(store.pending, models.Job{ID: jobID, Type: JobTypeNoop, Params: map[string]any{"steps": 3.0}})

	runner := NewRunner(store, map[string]JobFunc{JobTypeNoop: NoopV1}, 2, 10*time.Millisecond, logging.New(nil), metrics.NoopProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go runner.Run(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.completed[jobID]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestRunnerCancelsJobOnRequest(t *testing.T) {
	store := newFakeJobStore()
	jobID := uuid.New()
	store.pending = append(store.pending, models.Job{ID: jobID, Type: JobTypeNoop, Params: map[string]any{"steps": 5000.0}})

	runner := NewRunner(store, map[string]JobFunc{JobTypeNoop: NoopV1}, 1, 10*time.Millisecond, logging.New(nil), metrics.NoopProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go runner.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	store.requestCancel(jobID)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.canceled[jobID]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunnerFailsUnknownJobType(t *testing.T) {
	store := newFakeJobStore()
	jobID := uuid.New()
	store.pending = append(store.pending, models.Job{ID: jobID, Type: "not_registered"})

	runner := NewRunner(store, map[string]JobFunc{JobTypeNoop: NoopV1}, 1, 10*time.Millisecond, logging.New(nil), metrics.NoopProvider())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go runner.Run(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.failed[jobID]
		return ok
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, "unknown_job_type", store.failed[jobID].Code)
}
