package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestBaseModel(t *testing.T) {
	t.Run("generates an id", func(t *testing.T) {
		var b BaseModel
		require.NoError(t, b.BeforeCreate(nil))
		_, err := uuid.Parse(b.ID)
		assert.NoError(t, err)
	})

	t.Run("keeps a given id and stores utc", func(t *testing.T) {
		at := time.Date(2024, 3, 1, 18, 0, 0, 0, time.FixedZone("CST", 8*3600))
		b := BaseModel{ID: "node-1", CreatedAt: at}
		require.NoError(t, b.BeforeCreate(nil))
		assert.Equal(t, "node-1", b.ID)
		assert.Equal(t, time.UTC, b.CreatedAt.Location())
		assert.True(t, at.Equal(b.CreatedAt))
	})

	t.Run("soft delete marker is not serialized", func(t *testing.T) {
		b := BaseModel{ID: "node-1", DeletedAt: gorm.DeletedAt{Time: time.Now(), Valid: true}}
		assert.True(t, b.Deleted())

		data, err := json.Marshal(b)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "deleted")
	})
}
