package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)

	cursor, err := Decode(Encode(ts, "req_3f9a2c"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, "req_3f9a2c", cursor.ID)
}

func TestDecode_EmptyIsFirstPage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Rejects(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nojson")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"t":1}`)),
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursorAdmits(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "ofr_m"}

	assert.True(t, c.Admits(ts.Add(-time.Second), "ofr_z"), "older item")
	assert.True(t, c.Admits(ts, "ofr_a"), "same instant, lower id")
	assert.False(t, c.Admits(ts, "ofr_m"), "the cursor item itself")
	assert.False(t, c.Admits(ts.Add(time.Second), "ofr_a"), "newer item")

	var none *Cursor
	assert.True(t, none.Admits(ts, "anything"))
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	type row struct {
		at time.Time
		id string
	}
	rows := []row{{ts, "c"}, {ts, "b"}, {ts, "a"}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	page, next, more := ComputePage(rows, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next, more = ComputePage(rows[:2], 2, key)
	assert.Len(t, page, 2)
	assert.False(t, more)
	assert.Empty(t, next)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, 50, Limit("", 50, 200))
	assert.Equal(t, 50, Limit("abc", 50, 200))
	assert.Equal(t, 50, Limit("-3", 50, 200))
	assert.Equal(t, 10, Limit("10", 50, 200))
	assert.Equal(t, 200, Limit("5000", 50, 200))
}
