package merge

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberwire/listgrowth/internal/repo"
)

type fixture struct {
	store  *repo.MemStore
	engine *Engine
	owner  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repo.NewMemStore()
	return &fixture{store: store, engine: NewEngine(store), owner: uuid.New()}
}

func (f *fixture) repoWith(t *testing.T, name string, addresses ...string) *repo.Repository {
	t.Helper()
	ctx := context.Background()
	r := &repo.Repository{OwnerID: f.owner, Name: name}
	require.NoError(t, f.store.CreateRepository(ctx, r))

	entries := make([]*repo.Membership, len(addresses))
	for i, addr := range addresses {
		entries[i] = &repo.Membership{Email: addr, Source: repo.SourceCSV, AddedAt: time.Now()}
	}
	if len(entries) > 0 {
		_, err := f.store.InsertMemberships(ctx, r.ID, entries)
		require.NoError(t, err)
	}
	return r
}

func (f *fixture) addresses(t *testing.T, repoID uuid.UUID) []string {
	t.Helper()
	members, err := f.store.ListMemberships(context.Background(), repoID)
	require.NoError(t, err)
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Email
	}
	sort.Strings(out)
	return out
}

func TestMerge_Conservation(t *testing.T) {
	// merge([A, B], T) => T.members = A ∪ B ∪ T_before, multiplicity 1,
	// and A, B archived.
	ctx := context.Background()
	f := newFixture(t)
	a := f.repoWith(t, "a", "a1@x.com", "shared@x.com")
	b := f.repoWith(t, "b", "b1@x.com", "shared@x.com", "t1@x.com")
	target := f.repoWith(t, "t", "t1@x.com")

	res, err := f.engine.Merge(ctx, f.owner, []uuid.UUID{a.ID, b.ID}, target.ID,
		Options{RemoveDuplicates: true})
	require.NoError(t, err)

	assert.Equal(t, 3, res.EmailsMerged)
	assert.Equal(t, 2, res.DuplicatesRemoved, "one cross-source, one against target")
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, res.SourcesArchived)

	assert.Equal(t, []string{"a1@x.com", "b1@x.com", "shared@x.com", "t1@x.com"},
		f.addresses(t, target.ID))

	for _, src := range []*repo.Repository{a, b} {
		got, err := f.store.GetRepository(ctx, src.ID)
		require.NoError(t, err)
		assert.True(t, got.Archived)
		assert.Contains(t, got.ArchivedReason, target.ID.String())
	}
}

func TestMerge_FirstSeenWinsAcrossSources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.repoWith(t, "a")
	early := &repo.Membership{Email: "dup@x.com", Source: repo.SourceManual,
		Status: repo.StatusVerified, AddedAt: time.Now().Add(-48 * time.Hour)}
	_, err := f.store.InsertMemberships(ctx, a.ID, []*repo.Membership{early})
	require.NoError(t, err)

	b := f.repoWith(t, "b")
	late := &repo.Membership{Email: "dup@x.com", Source: repo.SourceAPI,
		Status: repo.StatusPending, AddedAt: time.Now()}
	_, err = f.store.InsertMemberships(ctx, b.ID, []*repo.Membership{late})
	require.NoError(t, err)

	target := f.repoWith(t, "t")
	res, err := f.engine.Merge(ctx, f.owner, []uuid.UUID{a.ID, b.ID}, target.ID,
		Options{RemoveDuplicates: true, PreserveMetadata: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EmailsMerged)

	m, err := f.store.GetMembership(ctx, target.ID, "dup@x.com")
	require.NoError(t, err)
	assert.Equal(t, repo.SourceMerge, m.Source)
	assert.Equal(t, repo.StatusVerified, m.Status, "first-seen source's metadata wins")
	assert.Equal(t, "a", m.SourceRepo)
	assert.WithinDuration(t, early.AddedAt, m.AddedAt, time.Second, "original added_at preserved")
}

func TestMerge_TargetEntryAlwaysWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.repoWith(t, "a", "kept@x.com")
	target := f.repoWith(t, "t")

	original := &repo.Membership{Email: "kept@x.com", Source: repo.SourceManual,
		Status: repo.StatusVerified, AddedAt: time.Now().Add(-time.Hour)}
	_, err := f.store.InsertMemberships(ctx, target.ID, []*repo.Membership{original})
	require.NoError(t, err)

	res, err := f.engine.Merge(ctx, f.owner, []uuid.UUID{a.ID}, target.ID,
		Options{RemoveDuplicates: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.EmailsMerged)
	assert.Equal(t, 1, res.DuplicatesRemoved)

	m, err := f.store.GetMembership(ctx, target.ID, "kept@x.com")
	require.NoError(t, err)
	assert.Equal(t, repo.SourceManual, m.Source)
	assert.Equal(t, repo.StatusVerified, m.Status)
}

func TestMerge_LineageNotReparented(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.repoWith(t, "a")
	_, err := f.store.InsertMemberships(ctx, a.ID, []*repo.Membership{
		{Email: "seed@x.com", Source: repo.SourceSnowball, AddedAt: time.Now(), Lineage: repo.Seed()},
		{Email: "child@x.com", Source: repo.SourceSnowball, AddedAt: time.Now(), Lineage: repo.ReferredFrom("seed@x.com", 0)},
	})
	require.NoError(t, err)

	target := f.repoWith(t, "t")
	_, err = f.engine.Merge(ctx, f.owner, []uuid.UUID{a.ID}, target.ID, Options{RemoveDuplicates: true})
	require.NoError(t, err)

	m, err := f.store.GetMembership(ctx, target.ID, "child@x.com")
	require.NoError(t, err)
	require.True(t, m.Lineage.IsSnowball())
	assert.Equal(t, 0, m.Lineage.Generation(), "merged address restarts at generation 0")
	_, hasParent := m.Lineage.Parent()
	assert.False(t, hasParent, "no cross-repository chain")
}

func TestMerge_AllOrNothingValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.repoWith(t, "a", "a1@x.com")
	target := f.repoWith(t, "t")

	// One missing source rejects the whole merge before any write.
	_, err := f.engine.Merge(ctx, f.owner, []uuid.UUID{a.ID, uuid.New()}, target.ID,
		Options{RemoveDuplicates: true})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	assert.Empty(t, f.addresses(t, target.ID), "no partial merge")
	got, err := f.store.GetRepository(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Archived, "no partial archival")
}

func TestMerge_OwnershipRequired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.repoWith(t, "a", "a1@x.com")
	target := f.repoWith(t, "t")

	stranger := uuid.New()
	_, err := f.engine.Merge(ctx, stranger, []uuid.UUID{a.ID}, target.ID,
		Options{RemoveDuplicates: true})
	assert.ErrorIs(t, err, repo.ErrNotAuthorized)
}

func TestMerge_RejectsSelfAndEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	target := f.repoWith(t, "t")

	_, err := f.engine.Merge(ctx, f.owner, nil, target.ID, Options{})
	assert.ErrorIs(t, err, ErrNoSources)

	_, err = f.engine.Merge(ctx, f.owner, []uuid.UUID{target.ID}, target.ID, Options{})
	assert.ErrorIs(t, err, ErrSelfMerge)
}

func TestMerge_DuplicateAbortsWithoutFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.repoWith(t, "a", "dup@x.com")
	target := f.repoWith(t, "t", "dup@x.com")

	_, err := f.engine.Merge(ctx, f.owner, []uuid.UUID{a.ID}, target.ID, Options{})
	assert.ErrorIs(t, err, repo.ErrDuplicate)

	got, err := f.store.GetRepository(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Archived)
}
