package saga

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Status is the state of a compensated flow.
type Status string

// Flow statuses.
const (
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusStuck        Status = "STUCK"
	StatusResolved     Status = "RESOLVED"
)

// StepStatus is the outcome of one undo action.
type StepStatus string

// Step outcomes.
const (
	StepCompensated StepStatus = "COMPENSATED"
	StepFailed      StepStatus = "FAILED"
)

// StepResult records one undo action.
type StepResult struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Flow is the record of one compensation run.
type Flow struct {
	CorrelationID string       `json:"correlation_id"`
	TenantID      string       `json:"tenant_id"`
	Status        Status       `json:"status"`
	Reason        string       `json:"reason"`
	Steps         []StepResult `json:"steps"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at,omitempty"`

	// ResolvedAt and ResolutionNote are set when an operator resolves a
	// STUCK flow.
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
}

// Failed returns the number of failed steps.
func (f *Flow) Failed() int {
	n := 0
	for _, s := range f.Steps {
		if s.Status == StepFailed {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (f *Flow) Clone() *Flow {
	cp := *f
	cp.Steps = append([]StepResult(nil), f.Steps...)
	if f.ResolvedAt != nil {
		t := *f.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Store persists compensation runs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create persists a new flow.
	Create(ctx context.Context, flow *Flow) error

	// Update persists changes to an existing flow.
	Update(ctx context.Context, flow *Flow) error

	// Get retrieves a flow by correlation id.
	Get(ctx context.Context, correlationID string) (*Flow, error)

	// List returns flows matching the filter, oldest first.
	List(ctx context.Context, filter *ListFilter) ([]*Flow, error)

	// Delete removes a flow.
	Delete(ctx context.Context, correlationID string) error
}

// ListFilter specifies criteria for listing flows.
type ListFilter struct {
	// Status filters by flow status.
	Status Status

	// TenantID filters by tenant.
	TenantID string

	// Limit is the maximum number of results.
	Limit int
}

// Store errors.
var (
	ErrFlowNotFound      = errors.New("flow not found")
	ErrFlowExists        = errors.New("flow already exists")
	ErrCorrelationNeeded = errors.New("correlation id is required")
)

// MemoryStore is an in-memory Store implementation.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	flows map[string]*Flow
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory flow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows: make(map[string]*Flow),
	}
}

// Create persists a new flow.
func (s *MemoryStore) Create(_ context.Context, flow *Flow) error {
	if flow.CorrelationID == "" {
		return ErrCorrelationNeeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[flow.CorrelationID]; exists {
		return ErrFlowExists
	}
	s.flows[flow.CorrelationID] = flow.Clone()
	return nil
}

// Update persists changes to an existing flow.
func (s *MemoryStore) Update(_ context.Context, flow *Flow) error {
	if flow.CorrelationID == "" {
		return ErrCorrelationNeeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[flow.CorrelationID]; !exists {
		return ErrFlowNotFound
	}
	s.flows[flow.CorrelationID] = flow.Clone()
	return nil
}

// Get retrieves a flow by correlation id.
func (s *MemoryStore) Get(_ context.Context, correlationID string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.flows[correlationID]
	if !exists {
		return nil, ErrFlowNotFound
	}
	return f.Clone(), nil
}

// List returns flows matching the filter.
func (s *MemoryStore) List(_ context.Context, filter *ListFilter) ([]*Flow, error) {
	s.mu.RLock()
	var result []*Flow
	for _, f := range s.flows {
		if filter != nil {
			if filter.Status != "" && f.Status != filter.Status {
				continue
			}
			if filter.TenantID != "" && f.TenantID != filter.TenantID {
				continue
			}
		}
		result = append(result, f.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].CorrelationID < result[j].CorrelationID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	if filter != nil && filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Delete removes a flow.
func (s *MemoryStore) Delete(_ context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[correlationID]; !exists {
		return ErrFlowNotFound
	}
	delete(s.flows, correlationID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
