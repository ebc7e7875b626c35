package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123456789, time.UTC)
	id := "lst_0a1b2c3d4e5f60718293a4b5"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_EmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode("not-base64!!!")
	require.Error(t, err)
	assert.EqualError(t, err, "invalid cursor")
}

func TestDecode_MissingSeparator(t *testing.T) {
	_, err := Decode(base64.URLEncoding.EncodeToString([]byte("noseparator")))
	assert.Error(t, err)
}

func TestDecode_BadTimestamp(t *testing.T) {
	_, err := Decode(base64.URLEncoding.EncodeToString([]byte("soon|lst_1")))
	assert.Error(t, err)
}

func TestComputePage_UnderLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, cursor, more := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, more)
}

func TestComputePage_OverfetchTrimmed(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	page, cursor, more := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Len(t, page, 3)
	assert.True(t, more)

	// The cursor points at the last row actually returned.
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestComputePage_ExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, cursor, more := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, more)
}
