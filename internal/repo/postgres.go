package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PGStore is the Postgres-backed Store.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a Postgres store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// schema creates the repository tables. The unique index on
// (repository_id, email) is the storage-layer backstop for the
// no-duplicate-membership invariant: a concurrent insert that slips past the
// in-transaction check becomes a skipped row, not a silent duplicate.
const schema = `
CREATE TABLE IF NOT EXISTS email_repositories (
	id UUID PRIMARY KEY,
	owner_id UUID NOT NULL,
	name TEXT NOT NULL,
	private BOOLEAN NOT NULL DEFAULT false,
	quality_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	collaborators UUID[] NOT NULL DEFAULT '{}',
	archived BOOLEAN NOT NULL DEFAULT false,
	archived_reason TEXT NOT NULL DEFAULT '',
	archived_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (owner_id, name)
);

CREATE TABLE IF NOT EXISTS repository_members (
	repository_id UUID NOT NULL REFERENCES email_repositories(id),
	email TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	source TEXT NOT NULL,
	added_by UUID,
	added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	origin_file TEXT NOT NULL DEFAULT '',
	source_repo TEXT NOT NULL DEFAULT '',
	lineage_type TEXT NOT NULL DEFAULT 'none',
	parent_email TEXT,
	generation INT NOT NULL DEFAULT 0,
	PRIMARY KEY (repository_id, email)
);

CREATE INDEX IF NOT EXISTS idx_repo_members_added_at ON repository_members (repository_id, added_at);
`

// EnsureSchema creates tables and indexes if missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateRepository inserts a repository, assigning ID and timestamps.
func (s *PGStore) CreateRepository(ctx context.Context, r *Repository) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	collabs := make([]string, len(r.Collaborators))
	for i, c := range r.Collaborators {
		collabs[i] = c.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_repositories (id, owner_id, name, private, quality_threshold, collaborators, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.OwnerID, r.Name, r.Private, r.QualityThreshold, pq.Array(collabs), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

func scanRepository(row interface{ Scan(...interface{}) error }) (*Repository, error) {
	r := &Repository{}
	var collabs []string
	err := row.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Private, &r.QualityThreshold,
		pq.Array(&collabs), &r.Archived, &r.ArchivedReason, &r.ArchivedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	for _, c := range collabs {
		id, perr := uuid.Parse(c)
		if perr != nil {
			return nil, fmt.Errorf("bad collaborator id %q: %w", c, perr)
		}
		r.Collaborators = append(r.Collaborators, id)
	}
	return r, nil
}

const repoColumns = `id, owner_id, name, private, quality_threshold, collaborators,
	archived, archived_reason, archived_at, created_at, updated_at`

// GetRepository retrieves one repository.
func (s *PGStore) GetRepository(ctx context.Context, id uuid.UUID) (*Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+repoColumns+` FROM email_repositories WHERE id = $1`, id)
	return scanRepository(row)
}

// ListRepositories retrieves the owner's repositories by name.
func (s *PGStore) ListRepositories(ctx context.Context, owner uuid.UUID) ([]*Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+repoColumns+` FROM email_repositories WHERE owner_id = $1 ORDER BY name`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ArchiveRepository marks a repository immutable. Archiving twice fails.
func (s *PGStore) ArchiveRepository(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_repositories
		SET archived = true, archived_reason = $2, archived_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND archived = false`, id, reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already archived.
		var archived bool
		err := s.db.QueryRowContext(ctx,
			`SELECT archived FROM email_repositories WHERE id = $1`, id).Scan(&archived)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrArchived
	}
	return nil
}

// InsertMemberships adds entries inside one transaction. The archived check
// locks the repository row so concurrent imports into the same repository
// serialize; ON CONFLICT DO NOTHING is the duplicate backstop.
func (s *PGStore) InsertMemberships(ctx context.Context, repoID uuid.UUID, entries []*Membership) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var archived bool
	err = tx.QueryRowContext(ctx,
		`SELECT archived FROM email_repositories WHERE id = $1 FOR UPDATE`, repoID).Scan(&archived)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if archived {
		return 0, ErrArchived
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO repository_members
			(repository_id, email, status, source, added_by, added_at, quality_score,
			 origin_file, source_repo, lineage_type, parent_email, generation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (repository_id, email) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entries {
		status := e.Status
		if status == "" {
			status = StatusPending
		}
		addedAt := e.AddedAt
		if addedAt.IsZero() {
			addedAt = time.Now()
		}

		lineageType := "none"
		var parent sql.NullString
		generation := 0
		if e.Lineage.IsSnowball() {
			generation = e.Lineage.Generation()
			if p, ok := e.Lineage.Parent(); ok {
				lineageType = "referred"
				parent = sql.NullString{String: p, Valid: true}
			} else {
				lineageType = "seed"
			}
		}

		res, err := stmt.ExecContext(ctx, repoID, e.Email, status, e.Source, e.AddedBy,
			addedAt, e.QualityScore, e.OriginFile, e.SourceRepo, lineageType, parent, generation)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if inserted > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE email_repositories SET updated_at = NOW() WHERE id = $1`, repoID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

const memberColumns = `repository_id, email, status, source, added_by, added_at,
	quality_score, origin_file, source_repo, lineage_type, parent_email, generation`

func scanMembership(row interface{ Scan(...interface{}) error }) (*Membership, error) {
	m := &Membership{}
	var lineageType string
	var parent sql.NullString
	var generation int
	err := row.Scan(&m.RepositoryID, &m.Email, &m.Status, &m.Source, &m.AddedBy, &m.AddedAt,
		&m.QualityScore, &m.OriginFile, &m.SourceRepo, &lineageType, &parent, &generation)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	switch lineageType {
	case "seed":
		m.Lineage = Seed()
	case "referred":
		m.Lineage = ReferredFrom(parent.String, generation-1)
	}
	return m, nil
}

// ListMemberships returns entries oldest first.
func (s *PGStore) ListMemberships(ctx context.Context, repoID uuid.UUID) ([]*Membership, error) {
	if err := s.repoExists(ctx, repoID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM repository_members WHERE repository_id = $1 ORDER BY added_at, email`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMembership returns one entry or ErrNotFound.
func (s *PGStore) GetMembership(ctx context.Context, repoID uuid.UUID, address string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM repository_members WHERE repository_id = $1 AND email = $2`,
		repoID, address)
	return scanMembership(row)
}

// MemberEmails returns the normalized-address set.
func (s *PGStore) MemberEmails(ctx context.Context, repoID uuid.UUID) (map[string]struct{}, error) {
	if err := s.repoExists(ctx, repoID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT email FROM repository_members WHERE repository_id = $1`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		set[addr] = struct{}{}
	}
	return set, rows.Err()
}

// UpdateMembershipStatus applies a verification status transition.
func (s *PGStore) UpdateMembershipStatus(ctx context.Context, repoID uuid.UUID, address, status string) error {
	if err := s.writable(ctx, repoID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE repository_members SET status = $3 WHERE repository_id = $1 AND email = $2`,
		repoID, address, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveMembership deletes one entry.
func (s *PGStore) RemoveMembership(ctx context.Context, repoID uuid.UUID, address string) error {
	if err := s.writable(ctx, repoID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM repository_members WHERE repository_id = $1 AND email = $2`, repoID, address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GrowthSince counts total membership and entries added at or after cutoff.
func (s *PGStore) GrowthSince(ctx context.Context, repoID uuid.UUID, cutoff time.Time) (GrowthCounts, error) {
	if err := s.repoExists(ctx, repoID); err != nil {
		return GrowthCounts{}, err
	}
	var counts GrowthCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE added_at >= $2)
		FROM repository_members WHERE repository_id = $1`, repoID, cutoff).
		Scan(&counts.Total, &counts.Added)
	return counts, err
}

func (s *PGStore) repoExists(ctx context.Context, repoID uuid.UUID) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM email_repositories WHERE id = $1)`, repoID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) writable(ctx context.Context, repoID uuid.UUID) error {
	var archived bool
	err := s.db.QueryRowContext(ctx,
		`SELECT archived FROM email_repositories WHERE id = $1`, repoID).Scan(&archived)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if archived {
		return ErrArchived
	}
	return nil
}
