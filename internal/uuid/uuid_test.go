package uuid_test

import (
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenca/internal/uuid"
)

func TestNew(t *testing.T) {
	id1 := uuid.New()
	id2 := uuid.New()
	assert.NotEqual(t, id1, id2)

	parsed, err := googleuuid.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, googleuuid.Version(4), parsed.Version())
	assert.Len(t, id1, 36)
}
