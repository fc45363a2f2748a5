package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	want := Cursor{CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC), ID: uuid.New()}
	token := EncodeCursor(want)
	require.NotContains(t, token, "=")

	got, err := ParseCursor(" " + token + " ")
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(want.CreatedAt))
	require.Equal(t, want.ID, got.ID)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	c, err := ParseCursor("")
	require.NoError(t, err)
	require.Nil(t, c)

	_, err = ParseCursor("%%%")
	require.Error(t, err)

	_, err = ParseCursor(EncodeCursor(Cursor{})[:8])
	require.ErrorIs(t, err, errCursorLength)
}

func TestNormalizeLimit(t *testing.T) {
	require.Equal(t, DefaultLimit, NormalizeLimit(0))
	require.Equal(t, DefaultLimit, NormalizeLimit(-3))
	require.Equal(t, MaxLimit, NormalizeLimit(500))
	require.Equal(t, 10, NormalizeLimit(10))
	require.Equal(t, 11, LimitWithBuffer(10))
}

func TestTrim(t *testing.T) {
	base := time.Now().UTC()
	rows := []Cursor{
		{CreatedAt: base, ID: uuid.New()},
		{CreatedAt: base.Add(time.Second), ID: uuid.New()},
		{CreatedAt: base.Add(2 * time.Second), ID: uuid.New()},
	}
	identity := func(c Cursor) Cursor { return c }

	kept, next := Trim(rows, 2, identity)
	require.Len(t, kept, 2)
	decoded, err := ParseCursor(next)
	require.NoError(t, err)
	require.Equal(t, rows[1].ID, decoded.ID)

	kept, next = Trim(rows, 5, identity)
	require.Len(t, kept, 3)
	require.Empty(t, next)
}
