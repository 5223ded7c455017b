package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// repoState is one repository plus its membership, guarded by its own
// mutex so imports into different repositories don't contend.
type repoState struct {
	mu      sync.Mutex
	repo    Repository
	members map[string]*Membership
	order   []string // insertion order of addresses
}

// MemStore is an in-memory Store. It backs single-binary deployments with
// no DATABASE_URL and every engine test. The per-repository mutex is the
// lock scope the check-then-insert discipline requires.
type MemStore struct {
	mu    sync.RWMutex
	repos map[uuid.UUID]*repoState
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{repos: make(map[uuid.UUID]*repoState)}
}

func (s *MemStore) state(id uuid.UUID) (*repoState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.repos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st, nil
}

// CreateRepository registers a repository, assigning ID and timestamps.
func (s *MemStore) CreateRepository(_ context.Context, r *Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.repos {
		if st.repo.OwnerID == r.OwnerID && strings.EqualFold(st.repo.Name, r.Name) {
			return ErrNameTaken
		}
	}

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	cp := *r
	s.repos[r.ID] = &repoState{
		repo:    cp,
		members: make(map[string]*Membership),
	}
	return nil
}

// GetRepository returns a copy of the repository.
func (s *MemStore) GetRepository(_ context.Context, id uuid.UUID) (*Repository, error) {
	st, err := s.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := st.repo
	return &cp, nil
}

// ListRepositories returns the owner's repositories sorted by name.
func (s *MemStore) ListRepositories(_ context.Context, owner uuid.UUID) ([]*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Repository
	for _, st := range s.repos {
		st.mu.Lock()
		if st.repo.OwnerID == owner {
			cp := st.repo
			out = append(out, &cp)
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ArchiveRepository marks the repository immutable.
func (s *MemStore) ArchiveRepository(_ context.Context, id uuid.UUID, reason string) error {
	st, err := s.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.repo.Archived {
		return ErrArchived
	}
	now := time.Now()
	st.repo.Archived = true
	st.repo.ArchivedReason = reason
	st.repo.ArchivedAt = &now
	st.repo.UpdatedAt = now
	return nil
}

// InsertMemberships adds entries under the repository lock. Already-present
// addresses are skipped; the call reports how many were actually inserted.
func (s *MemStore) InsertMemberships(_ context.Context, repoID uuid.UUID, entries []*Membership) (int, error) {
	st, err := s.state(repoID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.repo.Archived {
		return 0, ErrArchived
	}

	inserted := 0
	for _, e := range entries {
		if _, exists := st.members[e.Email]; exists {
			continue
		}
		cp := *e
		cp.RepositoryID = repoID
		if cp.AddedAt.IsZero() {
			cp.AddedAt = time.Now()
		}
		if cp.Status == "" {
			cp.Status = StatusPending
		}
		st.members[cp.Email] = &cp
		st.order = append(st.order, cp.Email)
		inserted++
	}
	if inserted > 0 {
		st.repo.UpdatedAt = time.Now()
	}
	return inserted, nil
}

// ListMemberships returns entries in insertion order.
func (s *MemStore) ListMemberships(_ context.Context, repoID uuid.UUID) ([]*Membership, error) {
	st, err := s.state(repoID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*Membership, 0, len(st.order))
	for _, addr := range st.order {
		cp := *st.members[addr]
		out = append(out, &cp)
	}
	return out, nil
}

// GetMembership returns one entry or ErrNotFound.
func (s *MemStore) GetMembership(_ context.Context, repoID uuid.UUID, address string) (*Membership, error) {
	st, err := s.state(repoID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	m, ok := st.members[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// MemberEmails returns the normalized-address set.
func (s *MemStore) MemberEmails(_ context.Context, repoID uuid.UUID) (map[string]struct{}, error) {
	st, err := s.state(repoID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	set := make(map[string]struct{}, len(st.members))
	for addr := range st.members {
		set[addr] = struct{}{}
	}
	return set, nil
}

// UpdateMembershipStatus applies a verification status transition.
func (s *MemStore) UpdateMembershipStatus(_ context.Context, repoID uuid.UUID, address, status string) error {
	st, err := s.state(repoID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.repo.Archived {
		return ErrArchived
	}
	m, ok := st.members[address]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	return nil
}

// RemoveMembership deletes one entry.
func (s *MemStore) RemoveMembership(_ context.Context, repoID uuid.UUID, address string) error {
	st, err := s.state(repoID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.repo.Archived {
		return ErrArchived
	}
	if _, ok := st.members[address]; !ok {
		return ErrNotFound
	}
	delete(st.members, address)
	for i, addr := range st.order {
		if addr == address {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	return nil
}

// GrowthSince counts total membership and entries added at or after cutoff.
func (s *MemStore) GrowthSince(_ context.Context, repoID uuid.UUID, cutoff time.Time) (GrowthCounts, error) {
	st, err := s.state(repoID)
	if err != nil {
		return GrowthCounts{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	counts := GrowthCounts{Total: len(st.members)}
	for _, m := range st.members {
		if !m.AddedAt.Before(cutoff) {
			counts.Added++
		}
	}
	return counts, nil
}
