package filedev

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/dbman/iodev"
)

func TestReadWriteRoundTrip(t *testing.T) {
	requireT := require.New(t)

	f, err := os.CreateTemp(t.TempDir(), "filedev-*")
	requireT.NoError(err)
	defer f.Close()
	requireT.NoError(f.Truncate(1024))

	dev, err := New(f)
	requireT.NoError(err)
	requireT.EqualValues(1024, dev.Size())

	in := make([]byte, 32)
	for i := range in {
		in[i] = byte(i * 3)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	dev.WriteAt(64, in, iodev.Priority(0), func(err error) {
		writeErr = err
		wg.Done()
	})
	wg.Wait()
	requireT.NoError(writeErr)

	out := make([]byte, 32)
	wg.Add(1)
	var readErr error
	dev.ReadAt(64, out, iodev.Priority(0), func(err error) {
		readErr = err
		wg.Done()
	})
	wg.Wait()
	requireT.NoError(readErr)
	requireT.Equal(in, out)
}

func TestReadError(t *testing.T) {
	requireT := require.New(t)

	f, err := os.CreateTemp(t.TempDir(), "filedev-*")
	requireT.NoError(err)
	requireT.NoError(f.Truncate(8))

	dev, err := New(f)
	requireT.NoError(err)
	requireT.NoError(f.Close())

	var wg sync.WaitGroup
	wg.Add(1)
	var readErr error
	dev.ReadAt(0, make([]byte, 8), iodev.Priority(0), func(err error) {
		readErr = err
		wg.Done()
	})
	wg.Wait()
	requireT.Error(readErr)
}
