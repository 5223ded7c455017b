package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/emberwire/listgrowth/internal/archive"
	"github.com/emberwire/listgrowth/internal/config"
	"github.com/emberwire/listgrowth/internal/csvio"
	"github.com/emberwire/listgrowth/internal/ingest"
	"github.com/emberwire/listgrowth/internal/merge"
	"github.com/emberwire/listgrowth/internal/repo"
	"github.com/emberwire/listgrowth/internal/snowball"
)

// Handlers contains all HTTP handlers and their dependencies
type Handlers struct {
	store    repo.Store
	ingest   *ingest.Service
	snowball *snowball.Engine
	merge    *merge.Engine
	archiver archive.Archiver
	limits   config.LimitsConfig
}

// NewHandlers creates the handler set
func NewHandlers(store repo.Store, ingestSvc *ingest.Service, sb *snowball.Engine, mg *merge.Engine, archiver archive.Archiver, limits config.LimitsConfig) *Handlers {
	if archiver == nil {
		archiver = archive.NopArchiver{}
	}
	return &Handlers{
		store:    store,
		ingest:   ingestSvc,
		snowball: sb,
		merge:    mg,
		archiver: archiver,
		limits:   limits,
	}
}

// HealthCheck returns server health status
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// === REPOSITORIES ===

type createRepositoryRequest struct {
	Name             string  `json:"name"`
	Private          bool    `json:"private"`
	QualityThreshold float64 `json:"quality_threshold"`
}

// CreateRepository creates a repository for the calling user. Callers below
// the configured reputation floor are rejected.
func (h *Handlers) CreateRepository(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}

	if h.limits.MinCreateReputation > 0 {
		reputation, err := strconv.ParseFloat(r.Header.Get("X-Caller-Reputation"), 64)
		if err != nil || reputation < h.limits.MinCreateReputation {
			respondError(w, http.StatusForbidden, "insufficient reputation to create a repository")
			return
		}
	}

	var req createRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.QualityThreshold < 0 || req.QualityThreshold > 1 {
		respondError(w, http.StatusBadRequest, "quality_threshold must be between 0 and 1")
		return
	}

	created := &repo.Repository{
		OwnerID:          caller,
		Name:             req.Name,
		Private:          req.Private,
		QualityThreshold: req.QualityThreshold,
	}
	if err := h.store.CreateRepository(r.Context(), created); err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

// ListRepositories lists the caller's repositories
func (h *Handlers) ListRepositories(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}

	repos, err := h.store.ListRepositories(r.Context(), caller)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"repositories": repos,
		"count":        len(repos),
	})
}

// GetRepository returns one repository if the caller may read it
func (h *Handlers) GetRepository(w http.ResponseWriter, r *http.Request) {
	_, target, ok := h.readableRepo(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, target)
}

type archiveRequest struct {
	Reason string `json:"reason"`
}

// ArchiveRepository marks a repository immutable
func (h *Handlers) ArchiveRepository(w http.ResponseWriter, r *http.Request) {
	_, target, ok := h.writableRepo(w, r)
	if !ok {
		return
	}

	var req archiveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.store.ArchiveRepository(r.Context(), target.ID, req.Reason); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// ListMembers returns a repository's membership
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	_, target, ok := h.readableRepo(w, r)
	if !ok {
		return
	}

	members, err := h.store.ListMemberships(r.Context(), target.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"members": members,
		"count":   len(members),
	})
}

// === INGESTION ===

// ImportCSV ingests a multipart CSV upload into the repository
func (h *Handlers) ImportCSV(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	repoID, ok := repoIDParam(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(h.limits.MaxUploadBytes()); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	summary, err := h.ingest.ImportCSV(r.Context(), caller, repoID, file, ingest.Options{
		MaxRows:    h.limits.MaxImportRows,
		OriginFile: header.Filename,
	})
	if err != nil {
		respondIngestError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// PreviewCSV parses the first rows of an upload without writing anything
func (h *Handlers) PreviewCSV(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.writableRepo(w, r); !ok {
		return
	}

	if err := r.ParseMultipartForm(h.limits.MaxUploadBytes()); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	batch, err := csvio.Preview(file, h.limits.PreviewRows, h.ingest.Validator())
	if err != nil {
		respondIngestError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

type addAddressesRequest struct {
	Addresses []string `json:"addresses"`
	Source    string   `json:"source,omitempty"`
}

// AddAddresses ingests a direct JSON address list
func (h *Handlers) AddAddresses(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	repoID, ok := repoIDParam(w, r)
	if !ok {
		return
	}

	var req addAddressesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Addresses) == 0 {
		respondError(w, http.StatusBadRequest, "addresses are required")
		return
	}

	summary, err := h.ingest.AddAddresses(r.Context(), caller, repoID, req.Addresses, ingest.Options{Source: req.Source})
	if err != nil {
		respondIngestError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// === EXPORT ===

// ExportCSV streams the repository as a CSV download and archives a copy
func (h *Handlers) ExportCSV(w http.ResponseWriter, r *http.Request) {
	_, target, ok := h.readableRepo(w, r)
	if !ok {
		return
	}

	members, err := h.store.ListMemberships(r.Context(), target.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	opts := csvio.GenerateOptions{
		IncludeMetadata: r.URL.Query().Get("metadata") == "true",
		IncludeStats:    r.URL.Query().Get("stats") == "true",
	}

	var buf bytes.Buffer
	if err := csvio.Generate(&buf, target, members, opts); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate export")
		return
	}

	filename := csvio.ExportFilename(target.Name, time.Now())
	if _, err := h.archiver.Store(r.Context(), target.ID.String(), filename, "text/csv", bytes.NewReader(buf.Bytes())); err != nil {
		// The download still succeeds; the durable copy is best effort.
		log.Printf("api: archiving export for %s failed: %v", target.ID, err)
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// === SNOWBALL ===

type snowballRequest struct {
	Addresses []string `json:"addresses"`
	Parent    string   `json:"parent,omitempty"`
}

// SnowballAttribute records a referral batch
func (h *Handlers) SnowballAttribute(w http.ResponseWriter, r *http.Request) {
	caller, target, ok := h.writableRepo(w, r)
	if !ok {
		return
	}

	var req snowballRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.snowball.Attribute(r.Context(), target.ID, req.Addresses, req.Parent, &caller)
	if err != nil {
		respondSnowballError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// SnowballChain returns the referral chain from seed to the given address
func (h *Handlers) SnowballChain(w http.ResponseWriter, r *http.Request) {
	_, target, ok := h.readableRepo(w, r)
	if !ok {
		return
	}

	address := r.URL.Query().Get("email")
	if address == "" {
		respondError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}

	chain, err := h.snowball.Chain(r.Context(), target.ID, address)
	if err != nil {
		respondSnowballError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"chain": chain,
		"depth": len(chain),
	})
}

// Growth returns growth statistics over a trailing window
func (h *Handlers) Growth(w http.ResponseWriter, r *http.Request) {
	_, target, ok := h.readableRepo(w, r)
	if !ok {
		return
	}

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	stats, err := h.snowball.GrowthRate(r.Context(), target.ID, time.Duration(days)*24*time.Hour)
	if err != nil {
		respondSnowballError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// === MERGE ===

type mergeRequest struct {
	SourceIDs        []uuid.UUID `json:"source_ids"`
	RemoveDuplicates bool        `json:"remove_duplicates"`
	PreserveMetadata bool        `json:"preserve_metadata"`
}

// Merge consolidates the source repositories into the target
func (h *Handlers) Merge(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	targetID, ok := repoIDParam(w, r)
	if !ok {
		return
	}

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.merge.Merge(r.Context(), caller, req.SourceIDs, targetID, merge.Options{
		RemoveDuplicates: req.RemoveDuplicates,
		PreserveMetadata: req.PreserveMetadata,
	})
	if err != nil {
		respondMergeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// === HELPERS ===

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get("X-Caller-ID"))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "X-Caller-ID header is required")
		return uuid.Nil, false
	}
	return id, true
}

func repoIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "repoID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid repository id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) readableRepo(w http.ResponseWriter, r *http.Request) (uuid.UUID, *repo.Repository, bool) {
	caller, ok := callerID(w, r)
	if !ok {
		return uuid.Nil, nil, false
	}
	repoID, ok := repoIDParam(w, r)
	if !ok {
		return uuid.Nil, nil, false
	}

	target, err := h.store.GetRepository(r.Context(), repoID)
	if err != nil {
		respondStoreError(w, err)
		return uuid.Nil, nil, false
	}
	if !target.CanRead(caller) {
		respondError(w, http.StatusForbidden, "not authorized")
		return uuid.Nil, nil, false
	}
	return caller, target, true
}

func (h *Handlers) writableRepo(w http.ResponseWriter, r *http.Request) (uuid.UUID, *repo.Repository, bool) {
	caller, ok := callerID(w, r)
	if !ok {
		return uuid.Nil, nil, false
	}
	repoID, ok := repoIDParam(w, r)
	if !ok {
		return uuid.Nil, nil, false
	}

	target, err := h.store.GetRepository(r.Context(), repoID)
	if err != nil {
		respondStoreError(w, err)
		return uuid.Nil, nil, false
	}
	if !target.CanWrite(caller) {
		respondError(w, http.StatusForbidden, "not authorized")
		return uuid.Nil, nil, false
	}
	return caller, target, true
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		respondError(w, http.StatusNotFound, "repository not found")
	case errors.Is(err, repo.ErrNameTaken):
		respondError(w, http.StatusConflict, "repository name already taken")
	case errors.Is(err, repo.ErrArchived):
		respondError(w, http.StatusConflict, "repository is archived")
	case errors.Is(err, repo.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, repo.ErrDuplicate):
		respondError(w, http.StatusConflict, "address already a member")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, csvio.ErrEmptyFile):
		respondError(w, http.StatusBadRequest, "file is empty")
	case errors.Is(err, csvio.ErrNoEmailColumn):
		respondError(w, http.StatusBadRequest, "no email column detected")
	case errors.Is(err, csvio.ErrTooManyRows):
		respondError(w, http.StatusBadRequest, "file exceeds the row limit")
	default:
		respondStoreError(w, err)
	}
}

func respondSnowballError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, snowball.ErrParentNotFound):
		respondError(w, http.StatusNotFound, "parent address is not a member")
	case errors.Is(err, snowball.ErrNoAddresses):
		respondError(w, http.StatusBadRequest, "no addresses to attribute")
	case errors.Is(err, snowball.ErrChainCorrupt):
		respondError(w, http.StatusInternalServerError, "referral chain is corrupt")
	default:
		respondStoreError(w, err)
	}
}

func respondMergeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, merge.ErrNoSources):
		respondError(w, http.StatusBadRequest, "at least one source repository is required")
	case errors.Is(err, merge.ErrSelfMerge):
		respondError(w, http.StatusBadRequest, "a repository cannot be merged into itself")
	default:
		respondStoreError(w, err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
