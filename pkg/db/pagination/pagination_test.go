package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitClamps(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit())
	assert.Equal(t, 5, Pagination{PageSize: 5}.Limit())
}

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42"})
	require.NoError(t, err)
	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.ID)

	_, err = DecodeCursor("%%%")
	require.ErrorIs(t, err, ErrInvalidPageToken)

	empty, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Empty(t, empty.ID)
}

func TestBuildCursorPage(t *testing.T) {
	rows := []int{1, 2, 3}
	page, info, err := BuildCursorPage(rows, 2, func(v int) Cursor { return Cursor{ID: strconv.Itoa(v)} })
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, page)
	assert.True(t, info.HasMore)

	next, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "2", next.ID)

	page, info, err = BuildCursorPage(rows, 3, func(v int) Cursor { return Cursor{ID: strconv.Itoa(v)} })
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.False(t, info.HasMore)
}
