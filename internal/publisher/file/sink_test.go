package file

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fnscraper/internal/publisher"
)

func TestFrame(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0000000007:{\"a\":1}\n", string(Frame([]byte(`{"a":1}`))))
	assert.Equal(t, "0000000000:\n", string(Frame(nil)))
}

func TestSinkRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.frames")
	s, err := Open(path)
	require.NoError(t, err)

	bodies := [][]byte{
		[]byte(`{"document":{"title":"HB 1"}}`),
		{},
		[]byte("line one\nline two:with colon"),
	}
	for _, b := range bodies {
		require.NoError(t, s.Send(context.Background(), publisher.Message{Body: b}))
	}
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, len(bodies))
	for i := range bodies {
		assert.True(t, bytes.Equal(bodies[i], got[i]), "frame %d", i)
	}

	err = s.Send(context.Background(), publisher.Message{Body: []byte("late")})
	assert.True(t, errors.Is(err, publisher.ErrClosed))
}

func TestSinkConcurrentWritersShareFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "shared.frames")
	a, err := Open(path)
	require.NoError(t, err)
	b, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Send(context.Background(), publisher.Message{Body: []byte("from-a")}))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Send(context.Background(), publisher.Message{Body: []byte("from-b-longer")}))
		}()
	}
	wg.Wait()
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	frames, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, frames, 100)
}

func TestReadFramesRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := ReadFrames(bytes.NewReader([]byte("12:abc\n")))
	assert.True(t, errors.Is(err, ErrBadFrame))

	frames, err := ReadFrames(bytes.NewReader([]byte("0000000003:abc\n0000000009:abc")))
	assert.True(t, errors.Is(err, ErrBadFrame))
	assert.Equal(t, [][]byte{[]byte("abc")}, frames)
}

func TestReadFramesOversizedLengthFailsWithoutBody(t *testing.T) {
	t.Parallel()
	frames, err := ReadFrames(bytes.NewReader([]byte("0000000002:ok\n9999999999:tiny\n")))
	require.ErrorIs(t, err, ErrBadFrame)
	assert.ErrorContains(t, err, "short body")
	assert.Equal(t, [][]byte{[]byte("ok")}, frames)
}
