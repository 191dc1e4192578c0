package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"vetting/internal/verification/models"
	id "vetting/pkg/domain"
	"vetting/pkg/platform/audit"
	auditmemory "vetting/pkg/platform/audit/store/memory"
	"vetting/pkg/platform/sentinel"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return sentinel.ErrNotFound when the record does not exist
// - Return sentinel.ErrConflict when the stored version differs from the expected one
// - Return errors from the mutate callback unchanged; nothing is written in that case
// - Return wrapped errors with context for infrastructure failures

// InMemoryStore keeps records and their audit trail in memory for tests and
// local development. A single mutex makes each record write and its audit
// entries one atomic step.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[id.RecordID]*models.Record
	byUser  map[id.UserID]id.RecordID
	audit   *auditmemory.InMemoryStore
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[id.RecordID]*models.Record),
		byUser:  make(map[id.UserID]id.RecordID),
		audit:   auditmemory.NewInMemoryStore(),
	}
}

// CreateOrGet inserts rec unless the user already has a record. entry is
// appended only when the record is created.
func (s *InMemoryStore) CreateOrGet(ctx context.Context, rec *models.Record, entry audit.Entry) (*models.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byUser[rec.UserID]; ok {
		return s.records[existingID].Clone(), false, nil
	}
	if err := entry.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid audit entry: %w", err)
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		return nil, false, err
	}
	stored := rec.Clone()
	s.records[stored.ID] = stored
	s.byUser[stored.UserID] = stored.ID
	return stored.Clone(), true, nil
}

func (s *InMemoryStore) GetByID(_ context.Context, recordID id.RecordID) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return nil, fmt.Errorf("verification record %s: %w", recordID, sentinel.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) GetByUserID(_ context.Context, userID id.UserID) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recordID, ok := s.byUser[userID]
	if !ok {
		return nil, fmt.Errorf("verification record for user %s: %w", userID, sentinel.ErrNotFound)
	}
	return s.records[recordID].Clone(), nil
}

// UpdateWithExpectedVersion runs mutate on a copy of the stored record and
// commits it, with entries, only if the stored version still equals expected.
func (s *InMemoryStore) UpdateWithExpectedVersion(
	ctx context.Context,
	recordID id.RecordID,
	expected int64,
	mutate func(*models.Record) error,
	entries ...audit.Entry,
) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[recordID]
	if !ok {
		return nil, fmt.Errorf("verification record %s: %w", recordID, sentinel.ErrNotFound)
	}
	if current.Version != expected {
		return nil, fmt.Errorf("record %s at version %d, expected %d: %w", recordID, current.Version, expected, sentinel.ErrConflict)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.ID != current.ID || next.UserID != current.UserID {
		return nil, fmt.Errorf("mutate must not change record identity")
	}
	next.Version = expected + 1

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid audit entry: %w", err)
		}
	}
	for _, e := range entries {
		if err := s.audit.Append(ctx, e); err != nil {
			return nil, err
		}
	}
	s.records[recordID] = next
	return next.Clone(), nil
}

// AuditLog exposes the audit store backing this repository.
func (s *InMemoryStore) AuditLog() audit.Store {
	return s.audit
}

func (s *InMemoryStore) AppendAudit(ctx context.Context, entry audit.Entry) error {
	return s.audit.Append(ctx, entry)
}

func (s *InMemoryStore) ListAudit(ctx context.Context, recordID id.RecordID) ([]audit.Entry, error) {
	return s.audit.ListByRecord(ctx, recordID)
}

// ListByStatus returns records in any of statuses, oldest status change first.
func (s *InMemoryStore) ListByStatus(_ context.Context, statuses []models.Status, limit int) ([]*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Record
	for _, rec := range s.records {
		if slices.Contains(statuses, rec.Status) {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Record) int {
		return a.StatusChangedAt.Compare(b.StatusChangedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountStaleByStatus counts records that entered status before olderThan.
func (s *InMemoryStore) CountStaleByStatus(_ context.Context, status models.Status, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.records {
		if rec.Status == status && rec.StatusChangedAt.Before(olderThan) {
			count++
		}
	}
	return count, nil
}
