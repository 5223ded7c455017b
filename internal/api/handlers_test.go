package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberwire/listgrowth/internal/config"
	"github.com/emberwire/listgrowth/internal/email"
	"github.com/emberwire/listgrowth/internal/ingest"
	"github.com/emberwire/listgrowth/internal/merge"
	"github.com/emberwire/listgrowth/internal/repo"
	"github.com/emberwire/listgrowth/internal/snowball"
)

type testEnv struct {
	store   *repo.MemStore
	handler http.Handler
	owner   uuid.UUID
}

func newTestEnv(t *testing.T, limits config.LimitsConfig) *testEnv {
	t.Helper()
	store := repo.NewMemStore()
	validator := email.NewValidator()
	if limits.MaxImportRows == 0 {
		limits.MaxImportRows = 1000
	}
	if limits.MaxUploadBytesMB == 0 {
		limits.MaxUploadBytesMB = 8
	}
	if limits.PreviewRows == 0 {
		limits.PreviewRows = 5
	}
	handlers := NewHandlers(
		store,
		ingest.NewService(store, validator, nil),
		snowball.NewEngine(store),
		merge.NewEngine(store),
		nil,
		limits,
	)
	return &testEnv{
		store:   store,
		handler: SetupRoutes(handlers),
		owner:   uuid.New(),
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body *bytes.Buffer, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-Caller-ID", e.owner.String())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) jsonRequest(t *testing.T, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(body).Encode(payload))
	return e.request(t, method, path, body, map[string]string{"Content-Type": "application/json"})
}

func (e *testEnv) createRepo(t *testing.T, name string) uuid.UUID {
	t.Helper()
	created := &repo.Repository{OwnerID: e.owner, Name: name}
	require.NoError(t, e.store.CreateRepository(context.Background(), created))
	return created.ID
}

func multipartCSV(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{})
	rec := env.request(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestCreateRepository(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{})

	rec := env.jsonRequest(t, http.MethodPost, "/api/repositories", map[string]interface{}{
		"name":    "launch-list",
		"private": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created repo.Repository
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "launch-list", created.Name)
	assert.Equal(t, env.owner, created.OwnerID)
	assert.True(t, created.Private)

	// Duplicate name for the same owner conflicts
	rec = env.jsonRequest(t, http.MethodPost, "/api/repositories", map[string]interface{}{"name": "launch-list"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRepositoryReputationGate(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{MinCreateReputation: 10})

	// No reputation header
	rec := env.jsonRequest(t, http.MethodPost, "/api/repositories", map[string]interface{}{"name": "gated"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Below the floor
	body := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(body).Encode(map[string]interface{}{"name": "gated"}))
	rec = env.request(t, http.MethodPost, "/api/repositories", body, map[string]string{"X-Caller-Reputation": "5"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// At the floor
	body = &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(body).Encode(map[string]interface{}{"name": "gated"}))
	rec = env.request(t, http.MethodPost, "/api/repositories", body, map[string]string{"X-Caller-Reputation": "10"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestGetRepositoryAccess(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{})
	created := &repo.Repository{OwnerID: env.owner, Name: "private-list", Private: true}
	require.NoError(t, env.store.CreateRepository(context.Background(), created))

	rec := env.request(t, http.MethodGet, "/api/repositories/"+created.ID.String(), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A stranger may not read a private repository
	rec = env.request(t, http.MethodGet, "/api/repositories/"+created.ID.String(), nil,
		map[string]string{"X-Caller-ID": uuid.NewString()})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown repository
	rec = env.request(t, http.MethodGet, "/api/repositories/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing caller identity
	req := httptest.NewRequest(http.MethodGet, "/api/repositories/"+created.ID.String(), nil)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestImportCSVEndpoint(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{})
	repoID := env.createRepo(t, "signups")

	body, contentType := multipartCSV(t, "signups.csv", "email,name\nalice@example.com,Alice\nnot-an-email,Nope\n")
	rec := env.request(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/import", repoID), body,
		map[string]string{"Content-Type": contentType})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary ingest.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.RawRows)
	assert.Equal(t, 1, summary.EmailsAdded)
	assert.Equal(t, 1, summary.InvalidRows)

	members, err := env.store.ListMemberships(context.Background(), repoID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "signups.csv", members[0].OriginFile)
}

func TestImportCSVEndpointErrors(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{MaxImportRows: 2})
	repoID := env.createRepo(t, "capped")

	// Over the row cap
	body, contentType := multipartCSV(t, "big.csv", "email\na@example.com\nb@example.com\nc@example.com\n")
	rec := env.request(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/import", repoID), body,
		map[string]string{"Content-Type": contentType})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "row limit")

	// Missing file part
	emptyForm := &bytes.Buffer{}
	writer := multipart.NewWriter(emptyForm)
	require.NoError(t, writer.Close())
	rec = env.request(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/import", repoID), emptyForm,
		map[string]string{"Content-Type": writer.FormDataContentType()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Stranger may not import
	body, contentType = multipartCSV(t, "x.csv", "email\na@example.com\n")
	rec = env.request(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/import", repoID), body,
		map[string]string{"Content-Type": contentType, "X-Caller-ID": uuid.NewString()})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPreviewCSVEndpoint(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{PreviewRows: 2})
	repoID := env.createRepo(t, "preview")

	body, contentType := multipartCSV(t, "p.csv", "email\na@example.com\nb@example.com\nc@example.com\n")
	rec := env.request(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/import/preview", repoID), body,
		map[string]string{"Content-Type": contentType})
	require.Equal(t, http.StatusOK, rec.Code)

	var batch struct {
		Candidates []struct {
			Email string `json:"email"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Len(t, batch.Candidates, 2)

	// Preview writes nothing
	members, err := env.store.ListMemberships(context.Background(), repoID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestAddAddressesEndpoint(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{})
	repoID := env.createRepo(t, "direct")

	rec := env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/addresses", repoID),
		map[string]interface{}{"addresses": []string{"a@example.com", "b@example.com"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var summary ingest.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.EmailsAdded)

	rec = env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/addresses", repoID),
		map[string]interface{}{"addresses": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportCSVEndpoint(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{})
	repoID := env.createRepo(t, "Export List")

	rec := env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/addresses", repoID),
		map[string]interface{}{"addresses": []string{"a@example.com", "b@example.com"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodGet, fmt.Sprintf("/api/repositories/%s/export", repoID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment; filename=export-list-")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "email,name,tags\n"))
	assert.Contains(t, rec.Body.String(), "a@example.com")
	assert.Contains(t, rec.Body.String(), "b@example.com")
}

func TestSnowballEndpoints(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{})
	repoID := env.createRepo(t, "referrals")

	// Seed batch
	rec := env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/snowball", repoID),
		map[string]interface{}{"addresses": []string{"seed@example.com"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Referred batch
	rec = env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/snowball", repoID),
		map[string]interface{}{"addresses": []string{"child@example.com"}, "parent": "seed@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result snowball.AttributeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, 1, result.Nodes[0].Generation)

	// Unknown parent
	rec = env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/snowball", repoID),
		map[string]interface{}{"addresses": []string{"x@example.com"}, "parent": "ghost@example.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Chain from seed to child
	rec = env.request(t, http.MethodGet,
		fmt.Sprintf("/api/repositories/%s/snowball/chain?email=child@example.com", repoID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var chainResp struct {
		Chain []snowball.Node `json:"chain"`
		Depth int             `json:"depth"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chainResp))
	require.Equal(t, 2, chainResp.Depth)
	assert.Equal(t, "seed@example.com", chainResp.Chain[0].Email)
	assert.Equal(t, "child@example.com", chainResp.Chain[1].Email)

	// Chain requires the email parameter
	rec = env.request(t, http.MethodGet, fmt.Sprintf("/api/repositories/%s/snowball/chain", repoID), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Growth window
	rec = env.request(t, http.MethodGet, fmt.Sprintf("/api/repositories/%s/growth?days=30", repoID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats snowball.GrowthStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)

	rec = env.request(t, http.MethodGet, fmt.Sprintf("/api/repositories/%s/growth?days=zero", repoID), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMergeEndpoint(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{})
	targetID := env.createRepo(t, "target")
	sourceID := env.createRepo(t, "source")

	rec := env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/addresses", sourceID),
		map[string]interface{}{"addresses": []string{"a@example.com", "b@example.com"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/merge", targetID),
		map[string]interface{}{"source_ids": []uuid.UUID{sourceID}, "remove_duplicates": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result merge.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.EmailsMerged)
	assert.Len(t, result.SourcesArchived, 1)

	source, err := env.store.GetRepository(context.Background(), sourceID)
	require.NoError(t, err)
	assert.True(t, source.Archived)

	// Self merge rejected
	rec = env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/merge", targetID),
		map[string]interface{}{"source_ids": []uuid.UUID{targetID}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Empty source list rejected
	rec = env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/merge", targetID),
		map[string]interface{}{"source_ids": []uuid.UUID{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchiveRepositoryEndpoint(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{})
	repoID := env.createRepo(t, "retired")

	rec := env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/archive", repoID),
		map[string]string{"reason": "campaign finished"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Archived repositories reject new imports
	rec = env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/addresses", repoID),
		map[string]interface{}{"addresses": []string{"late@example.com"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Double archive conflicts
	rec = env.jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/repositories/%s/archive", repoID),
		map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}
