package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	id string
	at time.Time
}

func rowKey(r row) (time.Time, string) { return r.at, r.id }

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "acct_abc"))
	require.NoError(t, err)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "acct_abc", cursor.ID)

	cursor, err = Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|acct_1")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, DefaultLimit, ParseLimit("ten"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("100000"))
}

func TestApply_WalksAllPages(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Two rows share a timestamp; the id breaks the tie.
	rows := []row{
		{"d", base.Add(3 * time.Second)},
		{"b", base.Add(time.Second)},
		{"a", base},
		{"c", base.Add(time.Second)},
		{"e", base.Add(4 * time.Second)},
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := Apply(rows, cursor, 2, rowKey)
		require.NoError(t, err)
		pages++
		for _, r := range page.Items {
			seen = append(seen, r.id)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
	assert.Equal(t, 3, pages)
	assert.Equal(t, "d", rows[0].id, "input must not be reordered")
}

func TestApply_ExactFitHasNoMore(t *testing.T) {
	now := time.Now()
	page, err := Apply([]row{{"a", now}, {"b", now}}, "", 2, rowKey)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.False(t, page.HasMore)
}

func TestApply_InvalidCursor(t *testing.T) {
	_, err := Apply([]row{{"a", time.Now()}}, "%%%", 10, rowKey)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
