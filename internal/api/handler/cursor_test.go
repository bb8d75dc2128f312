package handler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-man-is-an-island/toshtogo/internal/store"
)

func TestJobCursorRoundTrip(t *testing.T) {
	cursor := &store.JobCursor{
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC),
		JobID:     uuid.New(),
	}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	require.NotNil(t, decoded)

	assert.True(t, cursor.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, cursor.JobID, decoded.JobID)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	t.Run("empty cursor means first page", func(t *testing.T) {
		decoded, err := DecodeJobCursor("")
		require.NoError(t, err)
		assert.Nil(t, decoded)
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := DecodeJobCursor("%%%")
		require.Error(t, err)
	})

	t.Run("wrong field count", func(t *testing.T) {
		_, err := DecodeJobCursor("bm9wZQ==")
		require.Error(t, err)
	})

	t.Run("bad job id", func(t *testing.T) {
		_, err := DecodeJobCursor("MTIzfG5vdC1hLXV1aWQ=")
		require.Error(t, err)
	})
}
