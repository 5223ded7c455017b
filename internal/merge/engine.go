// Package merge consolidates repositories: the union of the sources'
// membership is transferred into a target with provenance, and the sources
// are archived. Merges are a provenance operation, not a continuation of
// referral growth, so transferred entries never carry a parent chain.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/emberwire/listgrowth/internal/repo"
)

// ErrNoSources is returned for a merge with an empty source list.
var ErrNoSources = errors.New("no source repositories")

// ErrSelfMerge is returned when the target appears among the sources.
var ErrSelfMerge = errors.New("target cannot be a merge source")

// Options controls one merge.
type Options struct {
	// RemoveDuplicates counts addresses already in the target instead of
	// failing on them. The invariant holds either way; with the flag off a
	// duplicate aborts the merge before any write.
	RemoveDuplicates bool
	// PreserveMetadata records the source repository name on transferred
	// entries.
	PreserveMetadata bool
}

// Result reports a completed merge.
type Result struct {
	EmailsMerged      int         `json:"emails_merged"`
	DuplicatesRemoved int         `json:"duplicates_removed"`
	SourcesArchived   []uuid.UUID `json:"sources_archived"`
}

// Engine performs repository merges.
type Engine struct {
	store repo.Store
}

// NewEngine creates a merge engine over the given store.
func NewEngine(store repo.Store) *Engine {
	return &Engine{store: store}
}

// Merge consolidates the sources' membership into the target. Ownership of
// the target and every source is validated before any write, so a failed
// lookup rejects the whole operation; there are no partial merges. Across
// sources the first-seen entry wins, and the target's own existing entry
// always wins over any incoming one. After the single target write every
// source is archived with the target recorded as the reason.
func (e *Engine) Merge(ctx context.Context, caller uuid.UUID, sourceIDs []uuid.UUID, targetID uuid.UUID, opts Options) (*Result, error) {
	if len(sourceIDs) == 0 {
		return nil, ErrNoSources
	}
	for _, id := range sourceIDs {
		if id == targetID {
			return nil, ErrSelfMerge
		}
	}

	target, err := e.store.GetRepository(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", targetID, err)
	}
	if !target.CanWrite(caller) {
		return nil, fmt.Errorf("target %s: %w", targetID, repo.ErrNotAuthorized)
	}
	if target.Archived {
		return nil, fmt.Errorf("target %s: %w", targetID, repo.ErrArchived)
	}

	// Validate every source up front; any failure aborts before a write.
	sources := make([]*repo.Repository, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		src, err := e.store.GetRepository(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", id, err)
		}
		if !src.CanWrite(caller) {
			return nil, fmt.Errorf("source %s: %w", id, repo.ErrNotAuthorized)
		}
		sources = append(sources, src)
	}

	existing, err := e.store.MemberEmails(ctx, targetID)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var transfer []*repo.Membership
	seen := make(map[string]struct{}, len(existing))

	for _, src := range sources {
		members, err := e.store.ListMemberships(ctx, src.ID)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		for _, m := range members {
			if _, dup := existing[m.Email]; dup {
				// Target's own entry always wins over incoming.
				if !opts.RemoveDuplicates {
					return nil, fmt.Errorf("%w: %s already in target", repo.ErrDuplicate, m.Email)
				}
				res.DuplicatesRemoved++
				continue
			}
			if _, dup := seen[m.Email]; dup {
				// Same address in two sources: first-seen wins.
				res.DuplicatesRemoved++
				continue
			}
			seen[m.Email] = struct{}{}

			entry := &repo.Membership{
				Email:   m.Email,
				Status:  m.Status,
				Source:  repo.SourceMerge,
				AddedBy: m.AddedBy,
				// Original discovery time is provenance worth keeping.
				AddedAt:      m.AddedAt,
				QualityScore: m.QualityScore,
			}
			if opts.PreserveMetadata {
				entry.SourceRepo = src.Name
			}
			// Lineage is deliberately reset: a merged address restarts as a
			// generation-0 node so no cross-repository causal chain is
			// fabricated.
			if m.Lineage.IsSnowball() {
				entry.Lineage = repo.Seed()
			}
			transfer = append(transfer, entry)
		}
	}

	// One write into the target, then archival of the sources.
	if len(transfer) > 0 {
		inserted, err := e.store.InsertMemberships(ctx, targetID, transfer)
		if err != nil {
			return nil, err
		}
		res.EmailsMerged = inserted
		// A concurrent writer can still win the race for individual rows;
		// the store's backstop reports them as skipped.
		res.DuplicatesRemoved += len(transfer) - inserted
	}

	for _, src := range sources {
		reason := fmt.Sprintf("merged into %s", targetID)
		if err := e.store.ArchiveRepository(ctx, src.ID, reason); err != nil {
			return nil, fmt.Errorf("archiving source %s: %w", src.ID, err)
		}
		res.SourcesArchived = append(res.SourcesArchived, src.ID)
	}

	log.Printf("merge: %d sources into %s, %d merged, %d duplicates",
		len(sources), targetID, res.EmailsMerged, res.DuplicatesRemoved)
	return res, nil
}
