package archive

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopArchiverDrainsBody(t *testing.T) {
	key, err := NopArchiver{}.Store(context.Background(), "abc123", "launch-list-20240101-000000.csv", "text/csv", strings.NewReader("email\nalice@example.com\n"))
	require.NoError(t, err)
	assert.Equal(t, "exports/abc123/launch-list-20240101-000000.csv", key)
}
