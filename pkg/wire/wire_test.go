package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReader(t *testing.T) {
	id := uuid.New()
	now := Truncate(time.Now())

	w := NewWriter("TEST")
	w.Int32(-7)
	w.Int64(1 << 40)
	w.Bool(true)
	w.Char('H')
	w.String("héllo")
	w.Counted([]byte{1, 2, 3})
	w.UUID(id)
	w.Time(now)

	r := NewReader(w.Bytes())
	require.NoError(t, r.ExpectTag("TEST"))

	i32, err := r.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-7), i32)

	i64, err := r.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40), i64)

	b, err := r.Bool()
	require.NoError(t, err)
	assert.True(t, b)

	c, err := r.Char()
	require.NoError(t, err)
	assert.Equal(t, byte('H'), c)

	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)

	blob, err := r.Counted()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, blob)

	gotID, err := r.UUID()
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	gotTime, err := r.Time()
	require.NoError(t, err)
	assert.True(t, now.Equal(gotTime))
	assert.True(t, r.AtEnd())
}

func TestLittleEndianLayout(t *testing.T) {
	w := &Writer{}
	w.Int32(1)
	w.String("ab")
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0, 'a', 'b'}, w.Bytes())
}

func TestReaderWrongTag(t *testing.T) {
	r := NewReader(NewWriter("ABCD").Bytes())
	err := r.ExpectTag("WXYZ")
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestReaderTruncated(t *testing.T) {
	w := &Writer{}
	w.Int32(10)
	w.Raw([]byte("abc"))

	_, err := NewReader(w.Bytes()).Counted()
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = NewReader([]byte{1, 2}).Int64()
	assert.ErrorIs(t, err, ErrMalformedMessage)

	neg := &Writer{}
	neg.Int32(-1)
	_, err = NewReader(neg.Bytes()).String()
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestTicks(t *testing.T) {
	assert.Equal(t, int64(621355968000000000), TimeToTicks(time.Unix(0, 0)))
	assert.Equal(t, int64(0), TimeToTicks(time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)))

	ts := time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC)
	back := TicksToTime(TimeToTicks(ts))
	assert.True(t, ts.Truncate(TickDuration).Equal(back))
	assert.Equal(t, time.UTC, back.Location())
}
