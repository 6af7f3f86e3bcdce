package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreOrderedAndUnique(t *testing.T) {
	seen := map[int]bool{}
	for _, m := range Migrations {
		require.False(t, seen[m.Version], "duplicate migration version %d", m.Version)
		seen[m.Version] = true
		assert.NotEmpty(t, m.Name)
		assert.NotEmpty(t, m.Up)
		assert.NotEmpty(t, m.Down)
	}

	sorted := sortedMigrations()
	for i := 1; i < len(sorted); i++ {
		assert.Less(t, sorted[i-1].Version, sorted[i].Version)
	}
	assert.Equal(t, 1, sorted[0].Version)
}

func TestDirectKeyIsUniqueInSchema(t *testing.T) {
	var found bool
	for _, m := range Migrations {
		if m.Name == "conversations" {
			assert.Contains(t, m.Up, "CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_direct_key")
			found = true
		}
	}
	assert.True(t, found)
}
