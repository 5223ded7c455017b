// Package snowball implements referral-growth attribution: new addresses
// are credited to the member that introduced them, forming per-repository
// referral forests queried by generation and chain.
package snowball

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/emberwire/listgrowth/internal/email"
	"github.com/emberwire/listgrowth/internal/repo"
)

var (
	// ErrParentNotFound is returned when the referring address has no
	// membership entry in the repository.
	ErrParentNotFound = errors.New("parent address is not a member")

	// ErrChainCorrupt is returned when chain reconstruction observes a
	// cycle or a generation that doesn't decrease toward the seed. The
	// write path makes this unreachable; the check is defensive.
	ErrChainCorrupt = errors.New("referral chain is corrupt")

	// ErrNoAddresses is returned for an empty attribution batch.
	ErrNoAddresses = errors.New("no addresses to attribute")
)

// Node is one entry in a repository's referral forest.
type Node struct {
	RepositoryID uuid.UUID `json:"repository_id"`
	Email        string    `json:"email"`
	Parent       string    `json:"parent,omitempty"`
	Generation   int       `json:"generation"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// AttributeResult reports one attribution batch.
type AttributeResult struct {
	Nodes      []Node   `json:"nodes"`
	Duplicates []string `json:"duplicates,omitempty"`
}

// GrowthStats summarizes membership growth over a trailing window.
type GrowthStats struct {
	Total         int     `json:"total"`
	AddedInWindow int     `json:"added_in_window"`
	Rate          float64 `json:"rate"`
	WindowDays    float64 `json:"window_days"`
}

// Engine attributes referral batches and answers chain queries.
type Engine struct {
	store repo.Store
}

// NewEngine creates a snowball engine over the given store.
func NewEngine(store repo.Store) *Engine {
	return &Engine{store: store}
}

// Attribute records a batch of addresses in the repository's referral
// forest. With parent == "" every address becomes a generation-0 seed;
// otherwise the parent's membership is looked up and children are created
// one generation deeper. Addresses already present are rejected as
// duplicates (reported, never re-parented), so the no-duplicate-membership
// invariant and the generation lineage both hold by construction.
func (e *Engine) Attribute(ctx context.Context, repoID uuid.UUID, addresses []string, parent string, addedBy *uuid.UUID) (*AttributeResult, error) {
	if len(addresses) == 0 {
		return nil, ErrNoAddresses
	}

	lineageFor, err := e.resolveParent(ctx, repoID, parent)
	if err != nil {
		return nil, err
	}

	normalized := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if n := email.Normalize(a); n != "" {
			normalized = append(normalized, n)
		}
	}

	existing, err := e.store.MemberEmails(ctx, repoID)
	if err != nil {
		return nil, err
	}
	deduped := email.Dedupe(normalized, existing)

	res := &AttributeResult{Duplicates: append(deduped.DupesExisting, deduped.DupesInBatch...)}
	if len(deduped.Unique) == 0 {
		return res, nil
	}

	now := time.Now()
	entries := make([]*repo.Membership, 0, len(deduped.Unique))
	for _, addr := range deduped.Unique {
		entries = append(entries, &repo.Membership{
			Email:   addr,
			Status:  repo.StatusPending,
			Source:  repo.SourceSnowball,
			AddedBy: addedBy,
			AddedAt: now,
			Lineage: lineageFor(),
		})
	}

	// The store serializes check-then-insert per repository; a concurrent
	// writer that beats us turns our row into a skipped insert.
	if _, err := e.store.InsertMemberships(ctx, repoID, entries); err != nil {
		return nil, err
	}

	for _, entry := range entries {
		node := Node{
			RepositoryID: repoID,
			Email:        entry.Email,
			Generation:   entry.Lineage.Generation(),
			DiscoveredAt: entry.AddedAt,
		}
		if p, ok := entry.Lineage.Parent(); ok {
			node.Parent = p
		}
		res.Nodes = append(res.Nodes, node)
	}
	return res, nil
}

// resolveParent returns a Lineage factory for the batch. The parent must
// already be a member before any child is created; that ordering is what
// rules out cycles.
func (e *Engine) resolveParent(ctx context.Context, repoID uuid.UUID, parent string) (func() repo.Lineage, error) {
	if parent == "" {
		return repo.Seed, nil
	}

	parent = email.Normalize(parent)
	m, err := e.store.GetMembership(ctx, repoID, parent)
	if errors.Is(err, repo.ErrNotFound) {
		// Report membership-level ErrNotFound as a missing parent, but let
		// a missing repository surface as is.
		if _, rerr := e.store.GetRepository(ctx, repoID); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, parent)
	}
	if err != nil {
		return nil, err
	}

	parentGeneration := 0
	if m.Lineage.IsSnowball() {
		parentGeneration = m.Lineage.Generation()
	}
	return func() repo.Lineage {
		return repo.ReferredFrom(parent, parentGeneration)
	}, nil
}

// Chain reconstructs the referral path from the seed to the given address
// by following parent pointers. The generation invariant guarantees
// termination; a cycle or non-decreasing generation fails fast with
// ErrChainCorrupt.
func (e *Engine) Chain(ctx context.Context, repoID uuid.UUID, address string) ([]Node, error) {
	address = email.Normalize(address)

	var chain []Node
	visited := make(map[string]struct{})
	lastGeneration := -1

	for current := address; current != ""; {
		if _, seen := visited[current]; seen {
			return nil, fmt.Errorf("%w: cycle at %s", ErrChainCorrupt, current)
		}
		visited[current] = struct{}{}

		m, err := e.store.GetMembership(ctx, repoID, current)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) && len(chain) > 0 {
				return nil, fmt.Errorf("%w: dangling parent %s", ErrChainCorrupt, current)
			}
			return nil, err
		}
		if !m.Lineage.IsSnowball() {
			if len(chain) > 0 {
				return nil, fmt.Errorf("%w: parent %s has no lineage", ErrChainCorrupt, current)
			}
			return nil, fmt.Errorf("%w: %s has no referral lineage", repo.ErrNotFound, current)
		}

		generation := m.Lineage.Generation()
		if lastGeneration >= 0 && generation != lastGeneration-1 {
			return nil, fmt.Errorf("%w: generation %d does not precede %d", ErrChainCorrupt, generation, lastGeneration)
		}
		lastGeneration = generation

		node := Node{
			RepositoryID: repoID,
			Email:        current,
			Generation:   generation,
			DiscoveredAt: m.AddedAt,
		}
		parent, hasParent := m.Lineage.Parent()
		if hasParent {
			node.Parent = parent
		}
		chain = append(chain, node)

		if !hasParent {
			break
		}
		current = parent
	}

	// Reverse into seed-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GrowthRate computes the fraction of current membership added within the
// trailing window.
func (e *Engine) GrowthRate(ctx context.Context, repoID uuid.UUID, window time.Duration) (GrowthStats, error) {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	counts, err := e.store.GrowthSince(ctx, repoID, time.Now().Add(-window))
	if err != nil {
		return GrowthStats{}, err
	}

	stats := GrowthStats{
		Total:         counts.Total,
		AddedInWindow: counts.Added,
		WindowDays:    window.Hours() / 24,
	}
	if counts.Total > 0 {
		stats.Rate = float64(counts.Added) / float64(counts.Total)
	}
	return stats, nil
}
