package memdev

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/dbman/iodev"
)

func TestReadWriteRoundTrip(t *testing.T) {
	requireT := require.New(t)

	dev := New(1024)

	in := make([]byte, 16)
	for i := range in {
		in[i] = byte(i)
	}

	var writeErr error
	dev.WriteAt(100, in, iodev.Priority(0), func(err error) { writeErr = err })
	requireT.NoError(writeErr)

	out := make([]byte, 16)
	var readErr error
	dev.ReadAt(100, out, iodev.Priority(0), func(err error) { readErr = err })
	requireT.NoError(readErr)
	requireT.Equal(in, out)
}

func TestOutOfBounds(t *testing.T) {
	requireT := require.New(t)

	dev := New(10)

	var err error
	dev.ReadAt(5, make([]byte, 10), iodev.Priority(0), func(e error) { err = e })
	requireT.Error(err)

	err = nil
	dev.WriteAt(-1, make([]byte, 1), iodev.Priority(0), func(e error) { err = e })
	requireT.Error(err)
}

func TestSize(t *testing.T) {
	require.New(t).EqualValues(2048, New(2048).Size())
}
