// Package repo defines the email repository data model and the membership
// store contract. A repository is a named, owned collection of email
// memberships; the store enforces the single-writer check-then-insert
// discipline that keeps membership duplicate-free.
package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Membership verification status constants.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusBounced  = "bounced"
	StatusSpam     = "spam"
)

// Membership source constants.
const (
	SourceManual   = "manual"
	SourceCSV      = "csv"
	SourceSnowball = "snowball"
	SourceAPI      = "api"
	SourceMerge    = "merge"
)

var (
	// ErrNotFound is returned when a repository or membership doesn't exist.
	ErrNotFound = errors.New("repository not found")

	// ErrNameTaken is returned when an owner already has a repository with
	// the requested name.
	ErrNameTaken = errors.New("repository name already taken")

	// ErrArchived is returned on any mutation of an archived repository.
	ErrArchived = errors.New("repository is archived")

	// ErrNotAuthorized is returned when the caller is neither owner nor
	// collaborator of a repository.
	ErrNotAuthorized = errors.New("caller may not access this repository")

	// ErrDuplicate is returned when an insert would violate the one
	// membership per (repository, address) invariant.
	ErrDuplicate = errors.New("address already a member")
)

// Repository is a named, owned collection of email memberships.
type Repository struct {
	ID               uuid.UUID   `json:"id"`
	OwnerID          uuid.UUID   `json:"owner_id"`
	Name             string      `json:"name"`
	Private          bool        `json:"private"`
	QualityThreshold float64     `json:"quality_threshold"`
	Collaborators    []uuid.UUID `json:"collaborators,omitempty"`
	Archived         bool        `json:"archived"`
	ArchivedReason   string      `json:"archived_reason,omitempty"`
	ArchivedAt       *time.Time  `json:"archived_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// CanWrite reports whether the caller may mutate this repository.
func (r *Repository) CanWrite(caller uuid.UUID) bool {
	if r.OwnerID == caller {
		return true
	}
	for _, c := range r.Collaborators {
		if c == caller {
			return true
		}
	}
	return false
}

// CanRead reports whether the caller may read this repository.
func (r *Repository) CanRead(caller uuid.UUID) bool {
	return !r.Private || r.CanWrite(caller)
}

// Membership is one address's record within a repository. Email is always
// the normalized form; the store never sees raw input.
type Membership struct {
	RepositoryID uuid.UUID  `json:"repository_id"`
	Email        string     `json:"email"`
	Status       string     `json:"status"`
	Source       string     `json:"source"`
	AddedBy      *uuid.UUID `json:"added_by,omitempty"`
	AddedAt      time.Time  `json:"added_at"`
	QualityScore float64    `json:"quality_score"`
	OriginFile   string     `json:"origin_file,omitempty"`
	SourceRepo   string     `json:"source_repo,omitempty"`
	Lineage      Lineage    `json:"lineage"`
}

// lineageKind tags the Lineage union.
type lineageKind int

const (
	lineageNone lineageKind = iota
	lineageSeed
	lineageReferred
)

// Lineage records how an address entered a repository's referral forest.
// The zero value means the membership carries no snowball lineage at all
// (manual, CSV, API, or merge arrivals). Seed and Referred values can only
// be built through their constructors, so a referred node's generation is
// its parent's generation plus one by construction and cycles cannot be
// expressed.
type Lineage struct {
	kind       lineageKind
	parent     string
	generation int
}

// Seed marks a generation-0 snowball entry with no parent.
func Seed() Lineage {
	return Lineage{kind: lineageSeed}
}

// ReferredFrom marks an entry attributed to parent, one generation deeper.
func ReferredFrom(parent string, parentGeneration int) Lineage {
	return Lineage{kind: lineageReferred, parent: parent, generation: parentGeneration + 1}
}

// IsSnowball reports whether the membership is part of the referral forest.
func (l Lineage) IsSnowball() bool { return l.kind != lineageNone }

// Generation returns the referral depth (0 for seeds). Only meaningful when
// IsSnowball is true.
func (l Lineage) Generation() int { return l.generation }

// Parent returns the referring address, and false for seeds and
// non-snowball entries.
func (l Lineage) Parent() (string, bool) {
	return l.parent, l.kind == lineageReferred
}

type lineageJSON struct {
	Type       string `json:"type"`
	Parent     string `json:"parent,omitempty"`
	Generation int    `json:"generation"`
}

// MarshalJSON encodes the union as {"type": "none"|"seed"|"referred", ...}.
func (l Lineage) MarshalJSON() ([]byte, error) {
	out := lineageJSON{Generation: l.generation}
	switch l.kind {
	case lineageSeed:
		out.Type = "seed"
	case lineageReferred:
		out.Type = "referred"
		out.Parent = l.parent
	default:
		out.Type = "none"
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the union, rejecting malformed combinations.
func (l *Lineage) UnmarshalJSON(data []byte) error {
	var in lineageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Type {
	case "none", "":
		*l = Lineage{}
	case "seed":
		*l = Lineage{kind: lineageSeed}
	case "referred":
		if in.Parent == "" {
			return fmt.Errorf("referred lineage requires a parent")
		}
		if in.Generation < 1 {
			return fmt.Errorf("referred lineage requires generation >= 1, got %d", in.Generation)
		}
		*l = Lineage{kind: lineageReferred, parent: in.Parent, generation: in.Generation}
	default:
		return fmt.Errorf("unknown lineage type %q", in.Type)
	}
	return nil
}
