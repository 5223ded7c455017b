package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupe_WithinBatchPreservesOrder(t *testing.T) {
	res := Dedupe([]string{
		"a@x.com", "b@x.com", "a@x.com", "c@x.com", "b@x.com",
	}, nil)

	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, res.Unique)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, res.DupesInBatch)
	assert.Empty(t, res.DupesExisting)
}

func TestDedupe_AgainstExisting(t *testing.T) {
	existing := map[string]struct{}{
		"b@x.com": {},
		"d@x.com": {},
	}

	res := Dedupe([]string{"a@x.com", "b@x.com", "c@x.com"}, existing)

	assert.Equal(t, []string{"a@x.com", "c@x.com"}, res.Unique)
	assert.Empty(t, res.DupesInBatch)
	assert.Equal(t, []string{"b@x.com"}, res.DupesExisting)
}

func TestDedupe_ExistingDupRecordedOncePerBatch(t *testing.T) {
	existing := map[string]struct{}{"a@x.com": {}}

	res := Dedupe([]string{"a@x.com", "a@x.com"}, existing)

	assert.Empty(t, res.Unique)
	assert.Equal(t, []string{"a@x.com"}, res.DupesExisting)
	assert.Equal(t, []string{"a@x.com"}, res.DupesInBatch)
}

func TestDedupe_EmptyInput(t *testing.T) {
	res := Dedupe(nil, map[string]struct{}{"a@x.com": {}})
	assert.Empty(t, res.Unique)
	assert.Empty(t, res.DupesInBatch)
	assert.Empty(t, res.DupesExisting)
}
