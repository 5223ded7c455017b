// Package ingest ties the CSV pipeline, validator, deduplicator, and
// membership store into the request-scoped import operations. Every
// rejected address is surfaced in a count or an error entry; a
// zero-new-emails import is a success with an explanatory count.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/emberwire/listgrowth/internal/csvio"
	"github.com/emberwire/listgrowth/internal/email"
	"github.com/emberwire/listgrowth/internal/karma"
	"github.com/emberwire/listgrowth/internal/repo"
)

// Summary is the caller-facing outcome of one ingestion. The four counts
// reconcile input size against outcome exactly.
type Summary struct {
	RawRows           int              `json:"raw_rows"`
	ValidRows         int              `json:"valid_rows"`
	InvalidRows       int              `json:"invalid_rows"`
	DuplicatesRemoved int              `json:"duplicates_removed"`
	BelowThreshold    int              `json:"below_threshold"`
	EmailsAdded       int              `json:"emails_added"`
	Errors            []csvio.RowError `json:"errors,omitempty"`
}

// Options controls one import.
type Options struct {
	// MaxRows caps the CSV row count (hard reject past the cap).
	MaxRows int
	// OriginFile is recorded on CSV-sourced entries.
	OriginFile string
	// Source overrides the membership source for direct lists
	// (manual or api); CSV imports always record csv.
	Source string
}

// Service performs repository ingestion.
type Service struct {
	store     repo.Store
	validator *email.Validator
	karma     karma.Emitter
}

// NewService creates an ingestion service. A nil emitter disables karma
// signals.
func NewService(store repo.Store, validator *email.Validator, emitter karma.Emitter) *Service {
	if validator == nil {
		validator = email.NewValidator()
	}
	if emitter == nil {
		emitter = karma.NopEmitter{}
	}
	return &Service{store: store, validator: validator, karma: emitter}
}

// Validator exposes the service's validator for preview endpoints.
func (s *Service) Validator() *email.Validator {
	return s.validator
}

// ImportCSV parses the stream and commits the surviving addresses to the
// repository. Structural parse failures and authorization failures abort
// before any write; per-row failures are reported in the summary.
// Re-importing the same file is idempotent: every address dedupes against
// existing membership and EmailsAdded comes back zero.
func (s *Service) ImportCSV(ctx context.Context, caller uuid.UUID, repoID uuid.UUID, r io.Reader, opts Options) (*Summary, error) {
	target, err := s.authorize(ctx, caller, repoID)
	if err != nil {
		return nil, err
	}

	batch, err := csvio.Parse(r, csvio.ParseOptions{
		MaxRows:          opts.MaxRows,
		ValidateEmails:   true,
		RemoveDuplicates: true,
		Validator:        s.validator,
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		RawRows:           batch.RawRows,
		ValidRows:         batch.ValidRows,
		InvalidRows:       batch.InvalidRows,
		DuplicatesRemoved: batch.DuplicatesRemoved,
		Errors:            batch.Errors,
	}

	entries := s.buildEntries(target, batch.Candidates, caller, repo.SourceCSV, opts.OriginFile, summary)
	if err := s.commit(ctx, target, entries, repo.SourceCSV, caller, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// AddAddresses ingests a direct list (API or manual source) through the
// same validate-dedupe-insert path as CSV imports.
func (s *Service) AddAddresses(ctx context.Context, caller uuid.UUID, repoID uuid.UUID, addresses []string, opts Options) (*Summary, error) {
	target, err := s.authorize(ctx, caller, repoID)
	if err != nil {
		return nil, err
	}

	source := opts.Source
	if source != repo.SourceManual {
		source = repo.SourceAPI
	}

	summary := &Summary{RawRows: len(addresses)}
	var candidates []csvio.Candidate
	seen := make(map[string]struct{}, len(addresses))
	for i, raw := range addresses {
		res := s.validator.Validate(raw)
		if !res.Valid {
			summary.InvalidRows++
			summary.Errors = append(summary.Errors, csvio.RowError{Row: i + 1, Value: raw, Reason: res.Reason})
			continue
		}
		summary.ValidRows++
		if _, dup := seen[res.Normalized]; dup {
			summary.DuplicatesRemoved++
			continue
		}
		seen[res.Normalized] = struct{}{}
		candidates = append(candidates, csvio.Candidate{Row: i + 1, Email: res.Normalized, QualityScore: res.QualityScore})
	}

	entries := s.buildEntries(target, candidates, caller, source, "", summary)
	if err := s.commit(ctx, target, entries, source, caller, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *Service) authorize(ctx context.Context, caller uuid.UUID, repoID uuid.UUID) (*repo.Repository, error) {
	target, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if !target.CanWrite(caller) {
		return nil, fmt.Errorf("repository %s: %w", repoID, repo.ErrNotAuthorized)
	}
	if target.Archived {
		return nil, fmt.Errorf("repository %s: %w", repoID, repo.ErrArchived)
	}
	return target, nil
}

// buildEntries applies the repository quality threshold and shapes
// memberships. Below-threshold addresses are valid but gated; they are
// counted, not errored.
func (s *Service) buildEntries(target *repo.Repository, candidates []csvio.Candidate, caller uuid.UUID, source, originFile string, summary *Summary) []*repo.Membership {
	now := time.Now()
	addedBy := caller

	entries := make([]*repo.Membership, 0, len(candidates))
	for _, c := range candidates {
		if target.QualityThreshold > 0 && c.QualityScore < target.QualityThreshold {
			summary.BelowThreshold++
			continue
		}
		entries = append(entries, &repo.Membership{
			Email:        c.Email,
			Status:       repo.StatusPending,
			Source:       source,
			AddedBy:      &addedBy,
			AddedAt:      now,
			QualityScore: c.QualityScore,
			OriginFile:   originFile,
		})
	}
	return entries
}

func (s *Service) commit(ctx context.Context, target *repo.Repository, entries []*repo.Membership, source string, caller uuid.UUID, summary *Summary) error {
	if len(entries) == 0 {
		return nil
	}

	inserted, err := s.store.InsertMemberships(ctx, target.ID, entries)
	if err != nil {
		return err
	}
	summary.EmailsAdded = inserted
	// Entries skipped by the store were already members (or lost a
	// concurrent race); either way they are duplicates, not additions.
	summary.DuplicatesRemoved += len(entries) - inserted

	if inserted > 0 {
		if err := s.karma.Emit(ctx, karma.AwardEvent{
			UserID:       caller,
			RepositoryID: target.ID,
			EmailsAdded:  inserted,
			Source:       source,
		}); err != nil {
			// Award signals are advisory; losing one must not fail an
			// import that already committed.
			log.Printf("ingest: karma emit failed for repo %s: %v", target.ID, err)
		}
	}
	return nil
}
