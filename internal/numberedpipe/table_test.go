package numberedpipe

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenForWriterRejectsNonPositiveDelay(t *testing.T) {
	tbl := New(zerolog.Nop())
	_, err := tbl.OpenForWriter(0)
	require.ErrorIs(t, err, ErrInvalidDelay)
	_, err = tbl.OpenForWriter(-1)
	require.ErrorIs(t, err, ErrInvalidDelay)
}

func TestOpenForWriterReusesExistingEntry(t *testing.T) {
	tbl := New(zerolog.Nop())
	w1, err := tbl.OpenForWriter(2)
	require.NoError(t, err)
	w2, err := tbl.OpenForWriter(2)
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.Equal(t, 1, tbl.Len())
	tbl.Close()
}

func TestTakeZeroReaderMissingReturnsNil(t *testing.T) {
	tbl := New(zerolog.Nop())
	r, err := tbl.TakeZeroReader()
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestAgeDecrementsAndDelivers(t *testing.T) {
	tbl := New(zerolog.Nop())
	w, err := tbl.OpenForWriter(1)
	require.NoError(t, err)

	r, err := tbl.TakeZeroReader()
	require.NoError(t, err)
	assert.Nil(t, r, "delay 1 hasn't aged to 0 yet")

	tbl.Age()
	assert.Equal(t, 1, tbl.Len())

	r, err = tbl.TakeZeroReader()
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 0, tbl.Len())

	go func() {
		_, _ = w.Write([]byte("hello"))
		_ = w.Close()
	}()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestAgeLeavesNonZeroEntriesIntact(t *testing.T) {
	tbl := New(zerolog.Nop())
	_, err := tbl.OpenForWriter(3)
	require.NoError(t, err)

	tbl.Age()
	tbl.Age()
	r, err := tbl.TakeZeroReader()
	require.NoError(t, err)
	assert.Nil(t, r, "delay 3 only ages to 1 after two Age() calls")
	assert.Equal(t, 1, tbl.Len())

	tbl.Age()
	r, err = tbl.TakeZeroReader()
	require.NoError(t, err)
	assert.NotNil(t, r)
	tbl.Close()
}

func TestCloseReleasesAllEntries(t *testing.T) {
	tbl := New(zerolog.Nop())
	_, err := tbl.OpenForWriter(1)
	require.NoError(t, err)
	_, err = tbl.OpenForWriter(5)
	require.NoError(t, err)
	tbl.Close()
	assert.Equal(t, 0, tbl.Len())
}
