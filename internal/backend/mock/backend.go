package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// Backend satisfies models.ClusterBackend for testing. Nil function fields
// fall back to an in-memory scheduler whose job states are set with
// SetStatus.
type Backend struct {
	Name_      string
	SubmitFunc func(ctx context.Context, jobs []models.JobDescriptor) (models.SubmitResult, error)
	PollFunc   func(ctx context.Context, refs []string) (map[string]models.LiveStatus, error)
	CancelFunc func(ctx context.Context, refs []string) (int, error)

	mu        sync.Mutex
	next      int
	states    map[string]models.LiveStatus
	submitted []models.JobDescriptor
	cancelled []string
}

func (m *Backend) Name() string { return m.Name_ }

func (m *Backend) Submit(ctx context.Context, jobs []models.JobDescriptor) (models.SubmitResult, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, jobs...)
	m.mu.Unlock()
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, jobs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	res := models.NewSubmitResult()
	for _, j := range jobs {
		m.next++
		ref := fmt.Sprintf("mock-%d", m.next)
		m.state()[ref] = models.LiveQueued
		res.Refs[j.JobID] = ref
	}
	return res, nil
}

func (m *Backend) Poll(ctx context.Context, refs []string) (map[string]models.LiveStatus, error) {
	if m.PollFunc != nil {
		return m.PollFunc(ctx, refs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.LiveStatus, len(refs))
	for _, ref := range refs {
		s, ok := m.state()[ref]
		if !ok {
			s = models.LiveUnknown
		}
		out[ref] = s
	}
	return out, nil
}

func (m *Backend) Cancel(ctx context.Context, refs []string) (int, error) {
	m.mu.Lock()
	m.cancelled = append(m.cancelled, refs...)
	m.mu.Unlock()
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, refs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ref := range refs {
		if _, ok := m.state()[ref]; ok {
			delete(m.states, ref)
			n++
		}
	}
	return n, nil
}

// SetStatus changes what the in-memory scheduler reports for ref.
func (m *Backend) SetStatus(ref string, s models.LiveStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state()[ref] = s
}

// Forget makes the in-memory scheduler lose ref, as after a crash.
func (m *Backend) Forget(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state(), ref)
}

// Submitted returns every descriptor handed to Submit so far.
func (m *Backend) Submitted() []models.JobDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobDescriptor(nil), m.submitted...)
}

// Cancelled returns every reference handed to Cancel so far.
func (m *Backend) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

func (m *Backend) state() map[string]models.LiveStatus {
	if m.states == nil {
		m.states = map[string]models.LiveStatus{}
	}
	return m.states
}

// NewBackend returns a Backend driven by the in-memory scheduler.
func NewBackend() *Backend {
	return &Backend{Name_: "mock"}
}

// NewRejectingBackend accepts every job except those in reject, which are
// refused with the mapped reason.
func NewRejectingBackend(reject map[string]string) *Backend {
	m := NewBackend()
	m.SubmitFunc = func(_ context.Context, jobs []models.JobDescriptor) (models.SubmitResult, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		res := models.NewSubmitResult()
		for _, j := range jobs {
			if reason, ok := reject[j.JobID]; ok {
				res.Rejected[j.JobID] = &models.RejectionError{JobID: j.JobID, Reason: reason}
				continue
			}
			m.next++
			ref := fmt.Sprintf("mock-%d", m.next)
			m.state()[ref] = models.LiveQueued
			res.Refs[j.JobID] = ref
		}
		return res, nil
	}
	return m
}

// NewFailingBackend returns a Backend whose every call fails with err.
func NewFailingBackend(err error) *Backend {
	return &Backend{
		Name_: "mock-failing",
		SubmitFunc: func(_ context.Context, _ []models.JobDescriptor) (models.SubmitResult, error) {
			return models.SubmitResult{}, err
		},
		PollFunc: func(_ context.Context, _ []string) (map[string]models.LiveStatus, error) {
			return nil, err
		},
		CancelFunc: func(_ context.Context, _ []string) (int, error) {
			return 0, err
		},
	}
}

// NewUnavailableBackend returns a Backend that is never reachable.
func NewUnavailableBackend() *Backend {
	b := NewFailingBackend(fmt.Errorf("%w: connection refused", models.ErrBackendUnavailable))
	b.Name_ = "mock-unavailable"
	return b
}

// Compile-time check that Backend implements ClusterBackend.
var _ models.ClusterBackend = (*Backend)(nil)
