package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// GrowthCounts summarizes membership additions for a trailing window.
type GrowthCounts struct {
	Total int `json:"total"`
	Added int `json:"added"`
}

// Store is the membership persistence contract. Implementations must
// serialize the duplicate check and the insert for a given repository:
// two concurrent InsertMemberships calls for the same repository may never
// both insert the same address. MemStore holds a per-repository lock for
// the whole call; PGStore runs inside a transaction with a unique
// (repository_id, email) index as the backstop that turns a lost race into
// a skipped row rather than a silent duplicate.
type Store interface {
	CreateRepository(ctx context.Context, r *Repository) error
	GetRepository(ctx context.Context, id uuid.UUID) (*Repository, error)
	ListRepositories(ctx context.Context, owner uuid.UUID) ([]*Repository, error)

	// ArchiveRepository marks a repository immutable. Archiving an already
	// archived repository returns ErrArchived.
	ArchiveRepository(ctx context.Context, id uuid.UUID, reason string) error

	// InsertMemberships adds entries to a repository in one serialized
	// check-then-insert sequence. Entries whose address is already a member
	// are skipped, never overwritten. Returns the number actually inserted.
	// Fails with ErrArchived when the repository is immutable.
	InsertMemberships(ctx context.Context, repoID uuid.UUID, entries []*Membership) (int, error)

	ListMemberships(ctx context.Context, repoID uuid.UUID) ([]*Membership, error)
	GetMembership(ctx context.Context, repoID uuid.UUID, address string) (*Membership, error)

	// MemberEmails returns the current normalized-address set, the input the
	// Deduplicator needs for against-existing checks.
	MemberEmails(ctx context.Context, repoID uuid.UUID) (map[string]struct{}, error)

	// UpdateMembershipStatus applies a verification status transition.
	UpdateMembershipStatus(ctx context.Context, repoID uuid.UUID, address, status string) error

	// RemoveMembership deletes one entry (explicit owner action only).
	RemoveMembership(ctx context.Context, repoID uuid.UUID, address string) error

	// GrowthSince counts total membership and entries added at or after the
	// cutoff.
	GrowthSince(ctx context.Context, repoID uuid.UUID, cutoff time.Time) (GrowthCounts, error)
}
